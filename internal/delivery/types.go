// Package delivery implements the per-subscription worker pool that
// reads a topic's WAL, runs each event through the middleware chain and
// a handler, and manages ack/nack, retry backoff, dead-lettering, and
// offset commit (spec §4.4).
package delivery

import (
	"context"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/middleware"
)

// Handler processes one event. Returning nil acks it; returning any
// error nacks it and schedules a retry per the subscription's backoff
// policy. Handlers must be idempotent on (space_id, idempotency_key |
// event_id); the bus guarantees delivery, not uniqueness of effects
// (spec §4.4 Idempotency contract).
type Handler func(ctx context.Context, e *envelope.Event) error

// Jitter selects how a computed backoff delay is randomized.
type Jitter string

const (
	JitterFull Jitter = "full"
	JitterNone Jitter = "none"
)

// Backoff configures the retry delay schedule: delay_i = min(base_ms *
// mult^i, max_ms), then jittered (spec §4.1 Retry timing).
type Backoff struct {
	BaseMs int64
	Mult   float64
	MaxMs  int64
	Jitter Jitter
}

// StartKind selects where a new subscription's cursor begins.
type StartKind string

const (
	StartEarliest StartKind = "earliest"
	StartLatest   StartKind = "latest"
	StartOffset   StartKind = "offset"
)

// Start positions a subscription's initial cursor.
type Start struct {
	Kind   StartKind
	Offset uint64 // used only when Kind == StartOffset
}

// CommitPolicyKind selects when an advanced offset frontier is flushed
// to durable storage (spec §4.4 Offset commit policy).
type CommitPolicyKind string

const (
	CommitPerEvent        CommitPolicyKind = "per_event"
	CommitBatchOnCount    CommitPolicyKind = "batch_on_count"
	CommitBatchOnInterval CommitPolicyKind = "batch_on_interval"
)

// CommitPolicy configures offset commit batching. N applies to
// CommitBatchOnCount; IntervalMs applies to CommitBatchOnInterval.
type CommitPolicy struct {
	Kind       CommitPolicyKind
	N          int
	IntervalMs int64
}

// Options configures one subscription (spec §4.1 subscribe opts).
type Options struct {
	Workers       int
	MaxInflight   int
	Backoff       Backoff
	MaxRetries    int
	AckDeadlineMs int64
	Filters       []middleware.Filter
	Start         Start
	Commit        CommitPolicy
}
