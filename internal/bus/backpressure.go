package bus

import (
	"context"
	"fmt"
	"time"
)

const backlogPollInterval = 20 * time.Millisecond

// applyBackpressure enforces th.opts.Backpressure against the lag of
// topic's slowest subscription before a new record is appended (spec
// §4.1 publish, §4.6). "block" topics wait for the lag to fall back
// under the bound; "shed" topics drop the event outright rather than
// stall the producer — since this bus is pull-based (subscriptions
// tail the WAL independently rather than being pushed into), shedding
// happens here, before the WAL write, instead of at a push-enqueue
// site.
func (b *Bus) applyBackpressure(ctx context.Context, topic string, th *topicHandle) error {
	for {
		lag, ok := b.maxLag(topic, th)
		if !ok || lag <= th.opts.BacklogBound {
			return nil
		}
		switch th.opts.Backpressure {
		case PolicyShed:
			b.log.Warn("bus: shedding publish under backpressure", "topic", topic, "lag", lag, "bound", th.opts.BacklogBound)
			return fmt.Errorf("bus: topic %s: %w", topic, ErrShed)
		default: // PolicyBlock
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backlogPollInterval):
			}
		}
	}
}

// maxLag returns the largest (WAL tail - committed frontier) among
// topic's registered subscriptions, or ok=false if none are
// registered yet (nothing to apply backpressure against).
func (b *Bus) maxLag(topic string, th *topicHandle) (lag uint64, ok bool) {
	tail := th.writer.MaxOffset()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for key, entry := range b.subs {
		t, _ := splitKey(key)
		if t != topic {
			continue
		}
		committed := entry.sub.CommittedOffset()
		if tail <= committed {
			continue
		}
		l := tail - committed
		if l > lag {
			lag = l
		}
		ok = true
	}
	return lag, ok
}
