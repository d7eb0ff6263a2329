package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidTopic(t *testing.T) {
	cases := map[string]bool{
		"hippo.encode":         true,
		"gate.decisions.audit": true,
		"a":                    true,
		"Hippo.Encode":         false,
		"1topic":               false,
		"":                     false,
		"has spaces":           false,
	}
	for topic, want := range cases {
		if got := ValidTopic(topic); got != want {
			t.Errorf("ValidTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestNewEventID_MonotonicWithinMillisecond(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := NewEventIDAt(ts)
	b := NewEventIDAt(ts)
	if a == b {
		t.Fatalf("expected distinct IDs for repeated calls at same timestamp, got %q twice", a)
	}
	if a >= b {
		t.Errorf("expected a < b for monotonic ordering, got a=%q b=%q", a, b)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Errorf("expected 26-character IDs, got len(a)=%d len(b)=%d", len(a), len(b))
	}
}

func TestNewEventID_SortsByTime(t *testing.T) {
	early := NewEventIDAt(time.UnixMilli(1000))
	later := NewEventIDAt(time.UnixMilli(2000))
	if early >= later {
		t.Errorf("expected early ID %q < later ID %q", early, later)
	}
}

func TestHashPayload_Deterministic(t *testing.T) {
	p1 := json.RawMessage(`{"b":2,"a":1}`)
	p2 := json.RawMessage(`{"a":1,"b":2}`)

	h1, err := HashPayload(p1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPayload(p2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("expected key-order-independent hash, got %q vs %q", h1, h2)
	}
}

func TestCanonicalJSON_SortsKeysAndStripsWhitespace(t *testing.T) {
	raw := json.RawMessage(`{"z": 1, "a": [1, 2, 3], "m": "x"}`)
	canon, err := CanonicalJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":[1,2,3],"m":"x","z":1}`
	if string(canon) != want {
		t.Errorf("CanonicalJSON = %s, want %s", canon, want)
	}
}

func validEvent(t *testing.T) Event {
	t.Helper()
	payload := json.RawMessage(`{"text":"hello"}`)
	sum, err := HashPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	return Event{
		Meta: EventMeta{
			EventID:       NewEventID(),
			Topic:         "hippo.encode",
			Type:          "HIPPO_ENCODE",
			SpaceID:       "shared:household",
			Ts:            time.Now().UnixMilli(),
			Actor:         Actor{PersonID: "alice", DeviceID: "phone1"},
			Band:          BandGreen,
			PolicyVersion: "v1",
			QoS:           QoS{Priority: 0.5},
			Hashes:        Hashes{PayloadSHA256: sum},
			TraceID:       "trace-1",
		},
		Payload: payload,
	}
}

func TestEvent_Validate_Valid(t *testing.T) {
	e := validEvent(t)
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestEvent_Validate_BadTopic(t *testing.T) {
	e := validEvent(t)
	e.Meta.Topic = "Not Valid"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for invalid topic")
	}
}

func TestEvent_Validate_HashMismatch(t *testing.T) {
	e := validEvent(t)
	e.Meta.Hashes.PayloadSHA256 = "deadbeef"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for payload hash mismatch")
	}
}

func TestEvent_Validate_AmberRequiresMLSGroup(t *testing.T) {
	e := validEvent(t)
	e.Meta.Band = BandAmber
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for AMBER band without mls_group")
	}
	e.Meta.MLSGroup = "group-1"
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error once mls_group is set: %v", err)
	}
}

func TestEvent_Validate_PriorityOutOfRange(t *testing.T) {
	e := validEvent(t)
	e.Meta.QoS.Priority = 1.5
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for out-of-range qos.priority")
	}
}

func TestEventMeta_IdempotencyID(t *testing.T) {
	m := EventMeta{EventID: "e1"}
	if got := m.IdempotencyID(); got != "e1" {
		t.Errorf("IdempotencyID() = %q, want e1", got)
	}
	m.IdempotencyKey = "custom-key"
	if got := m.IdempotencyID(); got != "custom-key" {
		t.Errorf("IdempotencyID() = %q, want custom-key", got)
	}
}

func TestEventMeta_Expired(t *testing.T) {
	m := EventMeta{Ts: time.UnixMilli(1000).UnixMilli(), TTLMs: 500}
	if m.Expired(time.UnixMilli(1200)) {
		t.Error("should not be expired yet")
	}
	if !m.Expired(time.UnixMilli(1600)) {
		t.Error("should be expired")
	}
}

func TestSignaturePayload_EventIDChangesBytes(t *testing.T) {
	sig := SignaturePayload("id1", "topic1", "hash1", "v1")
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature payload")
	}
	// Changing the event id must change the signed bytes.
	sig2 := SignaturePayload("id2", "topic1", "hash1", "v1")
	if string(sig) == string(sig2) {
		t.Error("expected different signature payloads for different event ids")
	}
}
