package delivery

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/middleware"
	"github.com/familyos/cogfabric/internal/offsets"
	"github.com/familyos/cogfabric/internal/wal"
)

// inflight is one event making its way through a subscription's
// handler, tracked so the ack-deadline timer and retry counter survive
// across redeliveries.
type inflight struct {
	rec     *wal.Record
	segment uint32
	event   *envelope.Event
	attempt int
	first   time.Time
	last    time.Time
}

// queued is one record handed from the pump to a worker shard, tagged
// with the segment it was read from — captured by the pump (the only
// goroutine allowed to touch the reader) so workers never need to
// query the reader themselves.
type queued struct {
	rec     *wal.Record
	segment uint32
}

// Subscription pulls a topic's WAL records for one consumer group,
// shards them across a worker pool, and drives each event through the
// middleware chain and handler with ack-deadline timeout, retry
// backoff, and dead-lettering on exhaustion (spec §4.1, §4.4).
type Subscription struct {
	Topic string
	Group string

	opts    Options
	reader  *wal.Reader
	offsets *offsets.Store
	chain   *middleware.Chain
	dlq     *Writer
	handler Handler
	log     *slog.Logger

	commit *commitTracker

	lastCommitN    int
	lastCommitTime time.Time

	mu      sync.Mutex
	queues  []chan queued
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Deps bundles a subscription's durable collaborators.
type Deps struct {
	Reader  *wal.Reader
	Offsets *offsets.Store
	Chain   *middleware.Chain
	DLQ     *Writer
	Handler Handler
	Logger  *slog.Logger
}

// New builds a subscription positioned after resumeFrom (the last
// durably committed offset for this topic/group, 0 if none).
func New(topic, group string, resumeFrom uint64, opts Options, deps Deps) *Subscription {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Subscription{
		Topic:          topic,
		Group:          group,
		opts:           opts,
		reader:         deps.Reader,
		offsets:        deps.Offsets,
		chain:          deps.Chain,
		dlq:            deps.DLQ,
		handler:        deps.Handler,
		log:            log,
		commit:         newCommitTracker(resumeFrom),
		queues:         make([]chan queued, workers),
		lastCommitTime: time.Now(),
	}
	for i := range s.queues {
		s.queues[i] = make(chan queued, maxInt(1, opts.MaxInflight))
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run starts the worker pool and the WAL-tailing pump; it blocks until
// ctx is canceled or Stop is called.
func (s *Subscription) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	for i, q := range s.queues {
		s.wg.Add(1)
		go s.worker(ctx, i, q)
	}

	err := s.pump(ctx)
	cancel()
	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()

	// Persist a frontier that a batched commit policy has not flushed yet.
	s.mu.Lock()
	pending := s.lastCommitN > 0
	s.mu.Unlock()
	if pending {
		s.commit.mu.Lock()
		frontier, seg := s.commit.frontierOffsetLocked(), s.commit.frontierSegment
		s.commit.mu.Unlock()
		if cerr := s.offsets.Commit(s.Topic, s.Group, frontier, seg); cerr != nil {
			s.log.Error("delivery: final offset commit failed", "topic", s.Topic, "group", s.Group, "offset", frontier, "error", cerr)
		}
	}
	close(s.stopped)
	return err
}

// CommittedOffset returns the subscription's current contiguous
// commit frontier — the highest offset known acked with no gap below
// it — without requiring a durable read. Used by the bus to gauge a
// subscription's lag behind the WAL tail for backpressure decisions.
func (s *Subscription) CommittedOffset() uint64 {
	return s.commit.Frontier()
}

// Stop cancels the subscription's context and blocks until its workers
// have drained.
func (s *Subscription) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
}

// pump tails the WAL and fans records out to worker shards, polling
// when it catches up to the writer.
func (s *Subscription) pump(ctx context.Context) error {
	const pollInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rec, err := s.reader.Next()
		if err != nil {
			if err == wal.ErrNoMoreRecords {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollInterval):
					continue
				}
			}
			return fmt.Errorf("delivery: read %s: %w", s.Topic, err)
		}

		item := queued{rec: rec, segment: s.reader.CurrentSegment()}
		shard := s.queues[shardFor(rec.Meta, len(s.queues))]
		select {
		case shard <- item:
		case <-ctx.Done():
			return nil
		}
	}
}

// shardFor routes a record to a worker, hashing on idempotency ID so
// that all deliveries of one logical event (and, typically, a given
// actor/space) land on the same worker and are processed in order.
func shardFor(m envelope.EventMeta, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(m.IdempotencyID()))
	return int(h.Sum32() % uint32(n))
}

func (s *Subscription) worker(ctx context.Context, idx int, q <-chan queued) {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(int64(idx) + 1))

	for item := range q {
		s.deliver(ctx, item, rng)
	}
}

// deliver drives one record through the middleware chain and handler,
// retrying with backoff up to MaxRetries before dead-lettering it, and
// in all cases eventually acking the commit tracker so the frontier
// can advance (spec §4.1 Retry, §4.4 Offset commit).
func (s *Subscription) deliver(ctx context.Context, item queued, rng *rand.Rand) {
	rec := item.rec
	event := &envelope.Event{Meta: rec.Meta, Payload: rec.Payload}
	fl := &inflight{rec: rec, segment: item.segment, event: event, first: time.Now()}

	for {
		err := s.attempt(ctx, fl)
		if err == nil {
			s.ack(rec.Offset, fl.segment)
			return
		}
		fl.attempt++
		fl.last = time.Now()

		if s.opts.MaxRetries >= 0 && fl.attempt > s.opts.MaxRetries {
			s.deadLetter(rec, event, fl, err)
			s.ack(rec.Offset, fl.segment)
			return
		}

		delay := ComputeDelay(fl.attempt-1, s.opts.Backoff, rng)
		s.log.Warn("delivery: retrying after handler error",
			"topic", s.Topic, "group", s.Group, "offset", rec.Offset,
			"attempt", fl.attempt, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attempt runs one delivery: the handle-side middleware chain, the
// handler bounded by the ack deadline, and the outbound chain.
func (s *Subscription) attempt(ctx context.Context, fl *inflight) error {
	dctx := &middleware.DeliveryContext{
		Topic:  s.Topic,
		Group:  s.Group,
		Offset: int64(fl.rec.Offset),
		Event:  fl.event,
	}

	if err := s.chain.RunBeforeHandle(ctx, dctx); err != nil {
		s.chain.RunOnError(ctx, dctx, err)
		return err
	}

	handleCtx := ctx
	var cancel context.CancelFunc
	if s.opts.AckDeadlineMs > 0 {
		handleCtx, cancel = context.WithTimeout(ctx, time.Duration(s.opts.AckDeadlineMs)*time.Millisecond)
		defer cancel()
	}

	err := s.handler(handleCtx, fl.event)
	s.chain.RunAfterHandle(ctx, dctx, err)
	if err != nil {
		s.chain.RunOnError(ctx, dctx, err)
	}
	return err
}

// ack records the offset as acked and, if the contiguous frontier
// advanced, commits it per the configured policy.
func (s *Subscription) ack(offset uint64, segment uint32) {
	frontier, frontierSegment, advanced := s.commit.Ack(offset, segment)
	if !advanced {
		return
	}
	s.maybeCommit(frontier, frontierSegment)
}

func (s *Subscription) maybeCommit(frontier uint64, segment uint32) {
	s.mu.Lock()
	s.lastCommitN++
	due := false
	switch s.opts.Commit.Kind {
	case CommitPerEvent, "":
		due = true
	case CommitBatchOnCount:
		n := s.opts.Commit.N
		if n <= 0 {
			n = 1
		}
		if s.lastCommitN >= n {
			due = true
		}
	case CommitBatchOnInterval:
		interval := time.Duration(s.opts.Commit.IntervalMs) * time.Millisecond
		if interval <= 0 || time.Since(s.lastCommitTime) >= interval {
			due = true
		}
	}
	if due {
		s.lastCommitN = 0
		s.lastCommitTime = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if err := s.offsets.Commit(s.Topic, s.Group, frontier, segment); err != nil {
		s.log.Error("delivery: offset commit failed", "topic", s.Topic, "group", s.Group, "offset", frontier, "error", err)
	}
}

// deadLetter appends the exhausted event to the topic's DLQ (spec
// §3.4, §4.4 "max retries exceeded").
func (s *Subscription) deadLetter(rec *wal.Record, event *envelope.Event, fl *inflight, finalErr error) {
	if s.dlq == nil {
		s.log.Error("delivery: no DLQ writer configured, dropping exhausted event",
			"topic", s.Topic, "group", s.Group, "offset", rec.Offset, "error", finalErr)
		return
	}
	drec := Record{
		Topic:          s.Topic,
		OriginalOffset: rec.Offset,
		Event:          *event,
		FirstErrorTs:   fl.first.UnixMilli(),
		LastErrorTs:    fl.last.UnixMilli(),
		Retries:        fl.attempt,
		FinalError:     finalErr.Error(),
	}
	if err := s.dlq.Append(drec); err != nil {
		s.log.Error("delivery: DLQ append failed", "topic", s.Topic, "group", s.Group, "offset", rec.Offset, "error", err)
	}
}
