package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/familyos/cogfabric/internal/delivery"
	"github.com/familyos/cogfabric/internal/middleware"
	"github.com/familyos/cogfabric/internal/wal"
)

func subKey(topic, group string) string {
	return topic + "\x00" + group
}

func splitKey(key string) (topic, group string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// Subscribe registers a durable consumer group on topic (spec §4.1
// subscribe). If the bus is already started, the subscription begins
// pumping immediately; otherwise it starts with the next Start call.
func (b *Bus) Subscribe(topic, group string, handler delivery.Handler, opts delivery.Options) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey(topic, group)
	if _, exists := b.subs[key]; exists {
		return nil, fmt.Errorf("bus: subscription %s/%s already registered", topic, group)
	}
	if _, err := b.topicLocked(topic, TopicOptions{}); err != nil {
		return nil, err
	}

	entry, err := b.buildSubEntryLocked(topic, group, handler, opts, 0)
	if err != nil {
		return nil, err
	}
	b.subs[key] = entry

	if b.started {
		b.launchLocked(entry)
	}
	return &Handle{Topic: topic, Group: group, bus: b}, nil
}

// buildSubEntryLocked constructs (but does not start) a subscription,
// positioning its reader per opts.Start if no offset has been
// committed yet for (topic, group), or at startFrom when called by
// Replay. Callers must hold b.mu.
func (b *Bus) buildSubEntryLocked(topic, group string, handler delivery.Handler, opts delivery.Options, startFrom uint64) (*subEntry, error) {
	committed, err := b.offsets.Load(topic, group)
	if err != nil {
		return nil, fmt.Errorf("bus: load offset %s/%s: %w", topic, group, err)
	}

	var lastCommitted, fromOffset uint64
	switch {
	case startFrom > 0:
		fromOffset = startFrom
		if startFrom > 1 {
			lastCommitted = startFrom - 1
		}
	case committed != nil:
		lastCommitted = committed.Committed
		fromOffset = committed.Committed + 1
	default:
		switch opts.Start.Kind {
		case delivery.StartOffset:
			fromOffset = opts.Start.Offset
		case delivery.StartLatest:
			fromOffset = b.topics[topic].writer.MaxOffset() + 1
		default: // earliest
			fromOffset = 1
		}
		if fromOffset > 1 {
			lastCommitted = fromOffset - 1
		}
	}

	reader, err := wal.OpenReader(b.rootPath, topic, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("bus: open reader %s/%s: %w", topic, group, err)
	}
	dlq, err := delivery.OpenWriter(b.rootPath, topic)
	if err != nil {
		return nil, fmt.Errorf("bus: open DLQ writer for %s: %w", topic, err)
	}

	chain := b.buildChain(opts.Filters)
	sub := delivery.New(topic, group, lastCommitted, opts, delivery.Deps{
		Reader:  reader,
		Offsets: b.offsets,
		Chain:   chain,
		DLQ:     dlq,
		Handler: handler,
		Logger:  b.log,
	})

	return &subEntry{sub: sub, opts: opts, handler: handler}, nil
}

// buildChain assembles the required middleware order (spec §4.3):
// validation, tracing, authorization, filter evaluation, metrics.
// Validation/tracing/authorization/metrics are shared across every
// subscription the bus creates; filter evaluation is built fresh per
// subscription from its own opts.Filters.
func (b *Bus) buildChain(filters []middleware.Filter) *middleware.Chain {
	filterEval, err := middleware.NewFilterEvaluation(filters)
	if err != nil {
		// Filters are validated at Subscribe time by the caller in
		// practice; fall back to a no-op filter stage rather than
		// panic on a malformed expression discovered this late.
		b.log.Error("bus: invalid subscription filter, admitting everything", "error", err)
		filterEval, _ = middleware.NewFilterEvaluation(nil)
	}
	return middleware.NewChain(
		middleware.NewValidation(),
		middleware.NewTracing(b.tracer),
		middleware.NewAuthorization(b.caps),
		filterEval,
		middleware.NewMetrics(b.registry),
	)
}

func (b *Bus) launchLocked(entry *subEntry) {
	ctx, cancel := context.WithCancel(b.ctx)
	entry.cancel = cancel
	entry.done = make(chan struct{})
	go func() {
		defer close(entry.done)
		if err := entry.sub.Run(ctx); err != nil {
			b.log.Error("bus: subscription run exited with error", "topic", entry.sub.Topic, "group", entry.sub.Group, "error", err)
		}
	}()
}

// Unsubscribe drains the group's inflight work, persists its final
// offset, and detaches it (spec §4.1 unsubscribe).
func (h *Handle) Unsubscribe() {
	b := h.bus
	key := subKey(h.Topic, h.Group)

	b.mu.Lock()
	entry, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	if entry.done != nil {
		<-entry.done
	}
}

// Replay repositions the group's cursor to fromOffset; the next poll
// reads starting there (spec §4.1 replay). The running subscription is
// stopped and recreated with a reader opened at the new position.
func (b *Bus) Replay(topic, group string, fromOffset uint64) error {
	key := subKey(topic, group)

	b.mu.Lock()
	old, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("bus: no such subscription %s/%s", topic, group)
	}
	b.mu.Unlock()

	if old.cancel != nil {
		old.cancel()
	}
	if old.done != nil {
		<-old.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.buildSubEntryLocked(topic, group, old.handler, old.opts, fromOffset)
	if err != nil {
		return err
	}
	b.subs[key] = entry
	if b.started {
		b.launchLocked(entry)
	}
	return nil
}
