// Package envelope defines the canonical event shape that flows through
// the bus, the attention gate, and the episodic store: IDs, metadata,
// risk bands, obligations, and the hashing/signature scheme that makes
// an event's identity and integrity checkable without touching its
// payload.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Band is the risk classification of an event. Higher bands carry more
// obligations and fewer projection rights. Bands are a frozen invariant:
// once emitted, a band can never be weakened.
type Band string

const (
	BandGreen Band = "GREEN"
	BandAmber Band = "AMBER"
	BandRed   Band = "RED"
	BandBlack Band = "BLACK"
)

// Valid reports whether b is one of the four recognized bands.
func (b Band) Valid() bool {
	switch b {
	case BandGreen, BandAmber, BandRed, BandBlack:
		return true
	}
	return false
}

// RequiresMLSGroup reports whether this band requires a non-empty
// mls_group reference on the envelope (spec §3.1).
func (b Band) RequiresMLSGroup() bool {
	return b == BandAmber || b == BandRed || b == BandBlack
}

// topicPattern matches spec §3.1: lowercase, starts with a letter,
// then letters/digits/underscore/dot/dash, max 64 characters total.
var topicPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// ValidTopic reports whether topic matches the required pattern.
func ValidTopic(topic string) bool {
	return topicPattern.MatchString(topic)
}

// Actor identifies who or what originated a request or event.
type Actor struct {
	PersonID string `json:"person_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role,omitempty"`
}

// QoS carries delivery-priority hints.
type QoS struct {
	Priority        float64    `json:"priority"`
	LatencyBudgetMs int64      `json:"latency_budget_ms,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// Hashes carries the payload integrity hash.
type Hashes struct {
	PayloadSHA256 string `json:"payload_sha256"`
}

// EventMeta is the required metadata half of an Event (spec §3.1).
type EventMeta struct {
	EventID        string   `json:"event_id"`
	Topic          string   `json:"topic"`
	Type           string   `json:"type"`
	SpaceID        string   `json:"space_id"`
	Ts             int64    `json:"ts"` // epoch milliseconds, UTC
	Actor          Actor    `json:"actor"`
	Band           Band     `json:"band"`
	Obligations    []string `json:"obligations,omitempty"`
	PolicyVersion  string   `json:"policy_version"`
	QoS            QoS      `json:"qos"`
	Hashes         Hashes   `json:"hashes"`
	Signature      string   `json:"signature,omitempty"`
	TraceID        string   `json:"trace_id"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	TTLMs          int64    `json:"ttl_ms,omitempty"`
	MLSGroup       string   `json:"mls_group,omitempty"`
}

// IdempotencyID returns the key used for de-duplication: the explicit
// idempotency_key when set, otherwise the event_id (spec §3.1).
func (m EventMeta) IdempotencyID() string {
	if m.IdempotencyKey != "" {
		return m.IdempotencyKey
	}
	return m.EventID
}

// Expired reports whether the event has exceeded its TTL as of now.
// An event with TTLMs == 0 never expires.
func (m EventMeta) Expired(now time.Time) bool {
	if m.TTLMs == 0 {
		return false
	}
	deadline := time.UnixMilli(m.Ts).Add(time.Duration(m.TTLMs) * time.Millisecond)
	return now.After(deadline)
}

// Event is a full message on the bus: metadata plus an opaque,
// redaction-applied JSON payload. Payloads never carry raw media bytes.
type Event struct {
	Meta    EventMeta       `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the envelope invariants from spec §3.1 that do not
// require external collaborators (policy/authorization are evaluated
// elsewhere). It does not check payload schema conformance, which is
// topic-specific and handled by the middleware chain.
func (e Event) Validate() error {
	m := e.Meta
	if m.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	}
	if !ValidTopic(m.Topic) {
		return fmt.Errorf("%w: topic %q does not match required pattern", ErrInvalidEnvelope, m.Topic)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	if m.SpaceID == "" {
		return fmt.Errorf("%w: space_id is required", ErrInvalidEnvelope)
	}
	if m.Ts <= 0 {
		return fmt.Errorf("%w: ts must be a positive epoch millisecond value", ErrInvalidEnvelope)
	}
	if !m.Band.Valid() {
		return fmt.Errorf("%w: band %q is not recognized", ErrInvalidEnvelope, m.Band)
	}
	if m.PolicyVersion == "" {
		return fmt.Errorf("%w: policy_version is required", ErrInvalidEnvelope)
	}
	if m.QoS.Priority < 0 || m.QoS.Priority > 1 {
		return fmt.Errorf("%w: qos.priority %v out of [0,1]", ErrInvalidEnvelope, m.QoS.Priority)
	}
	if m.Hashes.PayloadSHA256 == "" {
		return fmt.Errorf("%w: hashes.payload_sha256 is required", ErrInvalidEnvelope)
	}
	if m.TraceID == "" {
		return fmt.Errorf("%w: trace_id is required", ErrInvalidEnvelope)
	}
	if m.Band.RequiresMLSGroup() && m.MLSGroup == "" {
		return fmt.Errorf("%w: band %s requires a non-empty mls_group", ErrInvalidEnvelope, m.Band)
	}
	sum, err := HashPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if sum != m.Hashes.PayloadSHA256 {
		return fmt.Errorf("%w: payload_sha256 mismatch (declared %s, computed %s)", ErrInvalidEnvelope, m.Hashes.PayloadSHA256, sum)
	}
	return nil
}

// CanonicalJSON re-encodes an arbitrary JSON value with object keys
// sorted lexicographically and no insignificant whitespace, as required
// by spec §6.2 for hashing and signing. Array order is preserved as
// declared. Numbers pass through Go's default shortest round-trip
// encoding (encoding/json already produces this for float64 and for
// json.Number left untouched).
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json decode: %w", err)
	}
	return canonicalEncode(v)
}

func canonicalEncode(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalEncode(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, elem := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalEncode(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		// Strings, bools, nil, and json.Number all marshal deterministically
		// with encoding/json; no insignificant whitespace is ever produced
		// for scalar values.
		return json.Marshal(t)
	}
}

// HashPayload computes the SHA-256 hex digest over the canonical JSON
// encoding of payload, per spec §6.2.
func HashPayload(payload json.RawMessage) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// SignaturePayload builds the length-prefixed byte string that a
// signature covers: (event_id, topic, payload_sha256, policy_version)
// in that order, per spec §6.2.
func SignaturePayload(eventID, topic, payloadSHA256, policyVersion string) []byte {
	var out []byte
	for _, field := range []string{eventID, topic, payloadSHA256, policyVersion} {
		out = appendLengthPrefixed(out, field)
	}
	return out
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	n := len(s)
	buf = append(buf,
		byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(buf, s...)
}

// ErrInvalidEnvelope is wrapped by every envelope validation failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")
