// Package bus implements the durable event bus core (spec §4.1): a
// single-process, append-only write-ahead log per topic with durable
// consumer groups, at-least-once delivery, and bounded backpressure on
// publish. Delivery (ack/nack, retries, DLQ) lives in internal/delivery;
// this package owns topic lifecycle, WAL/offset wiring, and fanout
// registration.
package bus

import (
	"time"

	"github.com/familyos/cogfabric/internal/delivery"
	"github.com/familyos/cogfabric/internal/middleware"
)

// BackpressurePolicy selects what publish does when a topic's slowest
// non-lossy subscription falls too far behind the WAL tail (spec §4.1,
// §4.6).
type BackpressurePolicy string

const (
	// PolicyBlock makes Publish wait (respecting ctx) until the lag
	// drops back under the topic's bound.
	PolicyBlock BackpressurePolicy = "block"
	// PolicyShed makes Publish drop the event before it is ever
	// written to the WAL, rather than stall the producer: the drop is
	// logged as a warning and Publish returns ErrShed. No shed counter
	// or other metric is recorded.
	PolicyShed BackpressurePolicy = "shed"
)

// TopicOptions configures one topic's WAL and backpressure behavior.
type TopicOptions struct {
	Fsync         string // always | interval | never
	FsyncInterval time.Duration
	RotationBytes int64
	RotationLines int
	Backpressure  BackpressurePolicy
	// BacklogBound is the maximum (WAL tail offset - slowest committed
	// offset) tolerated before the backpressure policy engages. Zero
	// selects defaultBacklogBound.
	BacklogBound uint64
}

// Capabilities resolves a subscription group's authorization
// capability, shared across every subscription the bus creates (spec
// §4.3 item 3).
type Capabilities = middleware.CapabilityLookup

// Handle is returned by Subscribe and used to unsubscribe or replay a
// consumer group (spec §4.1 SubscriptionHandle).
type Handle struct {
	Topic string
	Group string

	bus *Bus
}

// subEntry is everything the bus needs to stop, restart, or replay a
// registered subscription.
type subEntry struct {
	sub     *delivery.Subscription
	opts    delivery.Options
	handler delivery.Handler
	cancel  func()
	done    chan struct{}
}
