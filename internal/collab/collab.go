// Package collab defines the narrow interfaces through which the core
// consumes its external collaborators — policy engine, redactor, MLS
// encryptor, embedder — none of which are implemented here (spec §6.4).
// Each interface has a pass-through default suitable only for tests
// that do not exercise the real policy/crypto/embedding behavior.
package collab

import (
	"context"
)

// PolicyDecision is what the policy engine returns for a request or
// event under evaluation.
type PolicyDecision struct {
	Band             string
	Obligations      []string
	RedactCategories []string
	Allow            bool
	Reasons          []string
}

// PolicyEngine evaluates a request or event against access policy. It
// is synchronous and in-process: no I/O (spec §6.4).
type PolicyEngine interface {
	Evaluate(ctx context.Context, subject any) (PolicyDecision, error)
}

// Redactor applies obligations to payloads and free text.
type Redactor interface {
	RedactPayload(payload []byte, obligations []string) ([]byte, error)
	RedactText(text string, obligations []string) (string, error)
}

// MLSEncryptor seals and opens payloads under an MLS group's current
// epoch key. Keys are obtained from a key manager outside this core.
type MLSEncryptor interface {
	Seal(key []byte, spaceID string, epoch uint64, sender string, aad, plaintext []byte) ([]byte, error)
	Open(envelope []byte, key []byte) ([]byte, error)
}

// Signer produces a digital signature over an arbitrary byte string —
// used for both envelope signatures (spec §6.2) and receipt signatures
// (spec §4.9). The scheme (Ed25519, HMAC, KMS-backed, ...) is an
// external concern; this core only ever deals in opaque signature
// strings it can ask the same Signer to Verify later.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) (bool, error)
}

// Embedder produces a content embedding for segmentation's novelty
// scoring. When unavailable, segmentation falls back to a token-set
// distance (spec §6.4) — callers should treat a nil Embedder as "no
// embeddings available" rather than erroring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopPolicyEngine allows every request unconditionally with the GREEN
// band and no obligations. It exists only so tests that don't exercise
// band/obligation logic can construct a gate without a real policy
// engine (Open Question decision #1 in DESIGN.md).
type NoopPolicyEngine struct{}

func (NoopPolicyEngine) Evaluate(_ context.Context, _ any) (PolicyDecision, error) {
	return PolicyDecision{Band: "GREEN", Allow: true}, nil
}

// NoopRedactor returns payloads and text unmodified.
type NoopRedactor struct{}

func (NoopRedactor) RedactPayload(payload []byte, _ []string) ([]byte, error) { return payload, nil }
func (NoopRedactor) RedactText(text string, _ []string) (string, error)       { return text, nil }

// NoopMLSEncryptor passes plaintext through without sealing. It must
// never be used for AMBER/RED/BLACK band payloads outside tests.
type NoopMLSEncryptor struct{}

func (NoopMLSEncryptor) Seal(_ []byte, _ string, _ uint64, _ string, _, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NoopMLSEncryptor) Open(envelope []byte, _ []byte) ([]byte, error) {
	return envelope, nil
}

// NoopSigner produces an empty signature and accepts any signature as
// valid. It must never be used outside tests; a real deployment signs
// receipts with a device or service key (Open Question decision in
// DESIGN.md).
type NoopSigner struct{}

func (NoopSigner) Sign(_ []byte) (string, error)           { return "", nil }
func (NoopSigner) Verify(_ []byte, _ string) (bool, error) { return true, nil }
