package middleware

import (
	"context"
	"fmt"

	"github.com/familyos/cogfabric/internal/envelope"
)

// Capability is the declared capability set a subscription is entitled
// to receive (spec §4.3 item 3): the bands it may see and, if
// restricted, the obligations it is cleared to receive events under.
// A nil AllowedObligations means no obligation-level restriction.
type Capability struct {
	AllowedBands       []envelope.Band
	AllowedObligations map[string]bool
}

func (c Capability) bandAllowed(b envelope.Band) bool {
	if len(c.AllowedBands) == 0 {
		return true
	}
	for _, allowed := range c.AllowedBands {
		if allowed == b {
			return true
		}
	}
	return false
}

func (c Capability) obligationAllowed(ob string) bool {
	if c.AllowedObligations == nil {
		return true
	}
	return c.AllowedObligations[ob]
}

// CapabilityLookup resolves a subscription group to its capability set.
type CapabilityLookup func(group string) Capability

// Authorization evaluates obligations ∪ band against the subscription's
// declared capability set, denying with reason on mismatch (spec §4.3
// item 3). It must run before any filter or handler-facing middleware
// so a deny here always precedes the handler observing the event.
type Authorization struct {
	Base
	capsFor CapabilityLookup
}

// NewAuthorization builds the authorization middleware from a capability
// lookup function.
func NewAuthorization(capsFor CapabilityLookup) *Authorization {
	return &Authorization{capsFor: capsFor}
}

func (*Authorization) Name() string { return "authorization" }

func (a *Authorization) BeforeHandle(_ context.Context, dctx *DeliveryContext) (Verdict, error) {
	if dctx.Event == nil {
		return Denied("no event on delivery context"), nil
	}
	caps := a.capsFor(dctx.Group)
	meta := dctx.Event.Meta

	if !caps.bandAllowed(meta.Band) {
		return Denied(fmt.Sprintf("band %s not permitted for subscription %s", meta.Band, dctx.Group)), nil
	}
	for _, ob := range meta.Obligations {
		if !caps.obligationAllowed(ob) {
			return Denied(fmt.Sprintf("obligation %q not permitted for subscription %s", ob, dctx.Group)), nil
		}
	}
	return Allowed(), nil
}
