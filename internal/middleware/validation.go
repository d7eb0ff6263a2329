package middleware

import (
	"context"

	"github.com/familyos/cogfabric/internal/envelope"
)

// Validation rejects malformed envelopes before they reach the WAL
// (spec §4.3 item 1). It only runs on the publish path — an event that
// passed validation once does not need re-checking on every handler
// delivery.
type Validation struct{ Base }

// NewValidation builds the schema/topic validation middleware.
func NewValidation() *Validation { return &Validation{} }

func (*Validation) Name() string { return "validation" }

func (*Validation) BeforePublish(_ context.Context, e *envelope.Event) (Verdict, error) {
	if err := e.Validate(); err != nil {
		return Denied(err.Error()), nil
	}
	return Allowed(), nil
}
