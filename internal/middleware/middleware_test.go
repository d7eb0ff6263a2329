package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
)

func testEvent(t *testing.T, band envelope.Band, obligations []string) *envelope.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sum, err := envelope.HashPayload(payload)
	if err != nil {
		t.Fatalf("hash payload: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &envelope.Event{
		Meta: envelope.EventMeta{
			EventID:       envelope.NewEventIDAt(now),
			Topic:         "hippo.encode",
			Type:          "hippo.encode",
			SpaceID:       "personal:alice",
			Ts:            now.UnixMilli(),
			Band:          band,
			Obligations:   obligations,
			PolicyVersion: "v1",
			Hashes:        envelope.Hashes{PayloadSHA256: sum},
			TraceID:       "trace-1",
		},
		Payload: payload,
	}
}

type stubMiddleware struct {
	Base
	name          string
	beforeVerdict Verdict
	beforeErr     error
	afterCalled   *[]string
}

func (s *stubMiddleware) Name() string { return s.name }
func (s *stubMiddleware) BeforeHandle(_ context.Context, _ *DeliveryContext) (Verdict, error) {
	return s.beforeVerdict, s.beforeErr
}
func (s *stubMiddleware) AfterHandle(_ context.Context, _ *DeliveryContext, _ error) {
	if s.afterCalled != nil {
		*s.afterCalled = append(*s.afterCalled, s.name)
	}
}

func TestChain_BeforeHandle_StopsAtFirstDeny(t *testing.T) {
	var order []string
	a := &stubMiddleware{name: "a", beforeVerdict: Allowed(), afterCalled: &order}
	b := &stubMiddleware{name: "b", beforeVerdict: Denied("nope"), afterCalled: &order}
	c := &stubMiddleware{name: "c", beforeVerdict: Allowed(), afterCalled: &order}

	chain := NewChain(a, b, c)
	dctx := &DeliveryContext{Topic: "t", Group: "g"}
	err := chain.RunBeforeHandle(context.Background(), dctx)
	if err == nil {
		t.Fatal("expected a deny error")
	}
	if !errors.Is(err, ErrDenied) {
		t.Errorf("expected ErrDenied, got %v", err)
	}

	// c never ran BeforeHandle, so it must not appear in the unwind.
	for _, name := range order {
		if name == "c" {
			t.Errorf("middleware c should not have been unwound, order=%v", order)
		}
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("expected unwind order [b,a], got %v", order)
	}
}

func TestChain_AfterHandle_ReverseOrder(t *testing.T) {
	var order []string
	a := &stubMiddleware{name: "a", afterCalled: &order}
	b := &stubMiddleware{name: "b", afterCalled: &order}

	chain := NewChain(a, b)
	chain.RunAfterHandle(context.Background(), &DeliveryContext{}, nil)

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("expected reverse order [b,a], got %v", order)
	}
}

func TestValidation_DeniesMalformedEvent(t *testing.T) {
	v := NewValidation()
	bad := testEvent(t, envelope.BandGreen, nil)
	bad.Meta.Topic = "Not Valid Topic!"

	verdict, err := v.BeforePublish(context.Background(), bad)
	if err != nil {
		t.Fatalf("BeforePublish: %v", err)
	}
	if verdict.Allow {
		t.Error("expected validation to deny a malformed topic")
	}
}

func TestValidation_AllowsWellFormedEvent(t *testing.T) {
	v := NewValidation()
	good := testEvent(t, envelope.BandGreen, nil)

	verdict, err := v.BeforePublish(context.Background(), good)
	if err != nil {
		t.Fatalf("BeforePublish: %v", err)
	}
	if !verdict.Allow {
		t.Error("expected validation to allow a well-formed event")
	}
}

func TestAuthorization_DeniesDisallowedBand(t *testing.T) {
	auth := NewAuthorization(func(group string) Capability {
		return Capability{AllowedBands: []envelope.Band{envelope.BandGreen}}
	})
	dctx := &DeliveryContext{Group: "g1", Event: testEvent(t, envelope.BandRed, nil)}

	v, err := auth.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if v.Allow {
		t.Error("expected authorization to deny RED band for a GREEN-only capability")
	}
}

func TestAuthorization_DeniesDisallowedObligation(t *testing.T) {
	auth := NewAuthorization(func(group string) Capability {
		return Capability{AllowedObligations: map[string]bool{"redact_pii": true}}
	})
	dctx := &DeliveryContext{Group: "g1", Event: testEvent(t, envelope.BandGreen, []string{"no_export"})}

	v, err := auth.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if v.Allow {
		t.Error("expected authorization to deny an obligation outside the capability set")
	}
}

func TestAuthorization_AllowsUnrestrictedCapability(t *testing.T) {
	auth := NewAuthorization(func(group string) Capability { return Capability{} })
	dctx := &DeliveryContext{Group: "g1", Event: testEvent(t, envelope.BandBlack, []string{"anything"})}

	v, err := auth.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if !v.Allow {
		t.Error("expected an unrestricted capability to allow any band/obligation")
	}
}

func TestFilterEvaluation_FieldMatch(t *testing.T) {
	fe, err := NewFilterEvaluation([]Filter{
		{Kind: FilterField, Field: "meta.space_id", Equals: "personal:alice"},
	})
	if err != nil {
		t.Fatalf("NewFilterEvaluation: %v", err)
	}
	dctx := &DeliveryContext{Event: testEvent(t, envelope.BandGreen, nil)}

	v, err := fe.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if !v.Allow {
		t.Error("expected matching field filter to allow")
	}
}

func TestFilterEvaluation_FieldMismatchFiltersOut(t *testing.T) {
	fe, err := NewFilterEvaluation([]Filter{
		{Kind: FilterField, Field: "meta.space_id", Equals: "shared:family"},
	})
	if err != nil {
		t.Fatalf("NewFilterEvaluation: %v", err)
	}
	dctx := &DeliveryContext{Event: testEvent(t, envelope.BandGreen, nil)}

	v, err := fe.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if v.Allow {
		t.Error("expected a non-matching field filter to filter the event out")
	}
}

func TestFilterEvaluation_ExprCompoundBoolean(t *testing.T) {
	fe, err := NewFilterEvaluation([]Filter{
		{Kind: FilterExpr, Expr: `meta.band == "GREEN" && meta.space_id == "personal:alice"`},
	})
	if err != nil {
		t.Fatalf("NewFilterEvaluation: %v", err)
	}
	dctx := &DeliveryContext{Event: testEvent(t, envelope.BandGreen, nil)}

	v, err := fe.BeforeHandle(context.Background(), dctx)
	if err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	if !v.Allow {
		t.Error("expected the expr-lang filter to match")
	}
}

func TestFilterEvaluation_InvalidExprFailsAtConstruction(t *testing.T) {
	_, err := NewFilterEvaluation([]Filter{{Kind: FilterExpr, Expr: "not( valid"}})
	if err == nil {
		t.Fatal("expected an error compiling a malformed expression")
	}
}

func TestMetrics_RecordsDeliveredAndDenied(t *testing.T) {
	m := NewMetrics(nil)
	dctx := &DeliveryContext{Topic: "t", Group: "g"}

	if _, err := m.BeforeHandle(context.Background(), dctx); err != nil {
		t.Fatalf("BeforeHandle: %v", err)
	}
	m.AfterHandle(context.Background(), dctx, nil)
	m.AfterHandle(context.Background(), dctx, errors.New("boom"))
}
