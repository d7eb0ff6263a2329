// Package middleware implements the bus's before_publish/before_handle/
// after_handle/on_error hook chain (spec §4.3): schema validation,
// tracing, authorization, filter evaluation, and metrics, executed in
// registration order on the inbound path and reverse order outbound.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrDenied is wrapped into the error returned when a middleware denies
// an event; callers can match on it with errors.Is.
var ErrDenied = errors.New("middleware: denied")

// Verdict is a middleware's admission decision for one hook call.
type Verdict struct {
	Allow  bool
	Reason string
}

// Allowed is the permissive verdict.
func Allowed() Verdict { return Verdict{Allow: true} }

// Denied builds a verdict that short-circuits the chain with reason.
func Denied(reason string) Verdict { return Verdict{Allow: false, Reason: reason} }

// DeliveryContext carries per-delivery state threaded through the
// handle-side hooks. Middlewares may stash their own per-delivery state
// on the unexported fields below; they are package-private by design —
// only middlewares defined in this package coordinate through them.
type DeliveryContext struct {
	Topic  string
	Group  string
	Offset int64
	Event  *envelope.Event

	span      oteltrace.Span
	startedAt time.Time
}

// Middleware is one link in the chain. A middleware that has nothing to
// say about a given hook should embed Base and only override the hooks
// it cares about.
type Middleware interface {
	Name() string
	BeforePublish(ctx context.Context, e *envelope.Event) (Verdict, error)
	BeforeHandle(ctx context.Context, dctx *DeliveryContext) (Verdict, error)
	AfterHandle(ctx context.Context, dctx *DeliveryContext, handlerErr error)
	OnError(ctx context.Context, dctx *DeliveryContext, err error)
}

// Base is a no-op Middleware embed: every hook is permissive/empty.
// Concrete middlewares embed Base and override only what they need.
type Base struct{}

func (Base) BeforePublish(context.Context, *envelope.Event) (Verdict, error) { return Allowed(), nil }
func (Base) BeforeHandle(context.Context, *DeliveryContext) (Verdict, error) { return Allowed(), nil }
func (Base) AfterHandle(context.Context, *DeliveryContext, error)            {}
func (Base) OnError(context.Context, *DeliveryContext, error)                {}

// Chain runs middlewares in registration order on the inbound hooks and
// reverse order on the outbound ones (spec §4.3 Ordering).
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain from mw in the given registration order.
func NewChain(mw ...Middleware) *Chain {
	return &Chain{middlewares: mw}
}

// RunBeforePublish runs every middleware's BeforePublish hook in order,
// stopping at the first deny or error.
func (c *Chain) RunBeforePublish(ctx context.Context, e *envelope.Event) error {
	for _, m := range c.middlewares {
		v, err := m.BeforePublish(ctx, e)
		if err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
		if !v.Allow {
			return fmt.Errorf("%w: %s (%s)", ErrDenied, v.Reason, m.Name())
		}
	}
	return nil
}

// RunBeforeHandle runs every middleware's BeforeHandle hook in order.
// Authorization must appear before any filter/metrics middleware in the
// registered order so that a deny here always precedes the handler
// running (spec §4.3 Ordering: "authorization middleware must deny
// before any handler observes the event"). On deny or error, it
// immediately unwinds AfterHandle (reverse order) across the
// middlewares that already ran, so e.g. tracing closes its span and
// metrics records the outcome even though the handler never runs. A
// caller that receives a non-nil error must not also call
// RunAfterHandle for this delivery — the unwind already ran it.
func (c *Chain) RunBeforeHandle(ctx context.Context, dctx *DeliveryContext) error {
	for i, m := range c.middlewares {
		v, err := m.BeforeHandle(ctx, dctx)
		if err != nil {
			wrapped := fmt.Errorf("%s: %w", m.Name(), err)
			c.unwindAfterHandle(ctx, dctx, i, wrapped)
			return wrapped
		}
		if !v.Allow {
			wrapped := fmt.Errorf("%w: %s (%s)", ErrDenied, v.Reason, m.Name())
			c.unwindAfterHandle(ctx, dctx, i, wrapped)
			return wrapped
		}
	}
	return nil
}

// unwindAfterHandle calls AfterHandle, in reverse order, on every
// middleware up to and including index ranAt (the ones whose
// BeforeHandle already executed this delivery).
func (c *Chain) unwindAfterHandle(ctx context.Context, dctx *DeliveryContext, ranAt int, err error) {
	for i := ranAt; i >= 0; i-- {
		c.middlewares[i].AfterHandle(ctx, dctx, err)
	}
}

// RunAfterHandle runs every middleware's AfterHandle hook in reverse
// registration order.
func (c *Chain) RunAfterHandle(ctx context.Context, dctx *DeliveryContext, handlerErr error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		c.middlewares[i].AfterHandle(ctx, dctx, handlerErr)
	}
}

// RunOnError runs every middleware's OnError hook in reverse
// registration order.
func (c *Chain) RunOnError(ctx context.Context, dctx *DeliveryContext, err error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		c.middlewares[i].OnError(ctx, dctx, err)
	}
}
