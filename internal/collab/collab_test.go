package collab

import (
	"context"
	"testing"
)

func TestNoopPolicyEngine_AllowsWithGreenBand(t *testing.T) {
	d, err := NoopPolicyEngine{}.Evaluate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allow {
		t.Error("expected NoopPolicyEngine to allow")
	}
	if d.Band != "GREEN" {
		t.Errorf("band = %q, want GREEN", d.Band)
	}
}

func TestNoopRedactor_PassesThrough(t *testing.T) {
	payload, err := NoopRedactor{}.RedactPayload([]byte("secret"), []string{"pii"})
	if err != nil {
		t.Fatalf("RedactPayload: %v", err)
	}
	if string(payload) != "secret" {
		t.Errorf("payload = %q, want unchanged", payload)
	}

	text, err := NoopRedactor{}.RedactText("hello", []string{"pii"})
	if err != nil {
		t.Fatalf("RedactText: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want unchanged", text)
	}
}

func TestNoopMLSEncryptor_SealThenOpenRoundTrips(t *testing.T) {
	sealed, err := NoopMLSEncryptor{}.Seal(nil, "space", 1, "sender", nil, []byte("plaintext"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if string(sealed) != "plaintext" {
		t.Errorf("sealed = %q, want plaintext unchanged", sealed)
	}

	opened, err := NoopMLSEncryptor{}.Open(sealed, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "plaintext" {
		t.Errorf("opened = %q, want plaintext unchanged", opened)
	}
}

func TestNoopSigner_EmptySignatureAlwaysVerifies(t *testing.T) {
	sig, err := NoopSigner{}.Sign([]byte("data"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != "" {
		t.Errorf("signature = %q, want empty", sig)
	}

	ok, err := NoopSigner{}.Verify([]byte("anything"), "any-signature-at-all")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("expected NoopSigner to verify unconditionally")
	}
}
