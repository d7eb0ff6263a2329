package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/familyos/cogfabric/internal/delivery"
	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/middleware"
	"github.com/familyos/cogfabric/internal/offsets"
	"github.com/prometheus/client_golang/prometheus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/familyos/cogfabric/internal/wal"
)

// ErrShed is returned by Publish when a "shed" topic drops the event
// rather than let a slow consumer group stall the producer.
var ErrShed = errors.New("bus: event shed under backpressure")

const defaultBacklogBound = 4096

// topicHandle owns the single WAL writer for one topic plus its
// configured options (spec §5: exactly one writer per topic).
type topicHandle struct {
	writer *wal.Writer
	opts   TopicOptions
}

// Bus is the durable event bus: one WAL per topic, durable consumer
// group offsets, and a shared middleware chain applied to every
// subscription (spec §4.1, §4.3).
type Bus struct {
	rootPath string
	offsets  *offsets.Store
	caps     Capabilities
	tracer   oteltrace.Tracer
	registry prometheus.Registerer
	log      *slog.Logger

	mu      sync.RWMutex
	topics  map[string]*topicHandle
	subs    map[string]*subEntry // key: topic + "\x00" + group
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Options configures bus construction.
type Options struct {
	RootPath   string
	Offsets    *offsets.Store
	Caps       Capabilities
	Tracer     oteltrace.Tracer
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// New builds a bus rooted at opts.RootPath. Topics are registered
// lazily on first Publish/Subscribe unless pre-declared via
// RegisterTopic.
func New(opts Options) (*Bus, error) {
	if opts.RootPath == "" {
		return nil, fmt.Errorf("bus: root path is required")
	}
	store := opts.Offsets
	if store == nil {
		s, err := offsets.NewStore(opts.RootPath)
		if err != nil {
			return nil, fmt.Errorf("bus: open offset store: %w", err)
		}
		store = s
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	caps := opts.Caps
	if caps == nil {
		caps = func(string) middleware.Capability { return middleware.Capability{} }
	}

	return &Bus{
		rootPath: opts.RootPath,
		offsets:  store,
		caps:     caps,
		tracer:   opts.Tracer,
		registry: opts.Registerer,
		log:      log,
		topics:   make(map[string]*topicHandle),
		subs:     make(map[string]*subEntry),
	}, nil
}

// RegisterTopic pre-declares a topic's durability/backpressure
// configuration. Calling it again for an already-open topic is a
// no-op; topics opened implicitly on first use get TopicOptions{}
// (i.e. always-fsync, block policy, default backlog bound).
func (b *Bus) RegisterTopic(topic string, opts TopicOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.topicLocked(topic, opts)
	return err
}

func (b *Bus) topicLocked(topic string, opts TopicOptions) (*topicHandle, error) {
	if th, ok := b.topics[topic]; ok {
		return th, nil
	}
	fsync := wal.FsyncPolicy(opts.Fsync)
	if fsync == "" {
		fsync = wal.FsyncAlways
	}
	if opts.Backpressure == "" {
		opts.Backpressure = PolicyBlock
	}
	if opts.BacklogBound == 0 {
		opts.BacklogBound = defaultBacklogBound
	}
	w, err := wal.OpenWriter(wal.WriterConfig{
		RootPath:      b.rootPath,
		Topic:         topic,
		Fsync:         fsync,
		FsyncInterval: opts.FsyncInterval,
		RotationBytes: opts.RotationBytes,
		RotationLines: opts.RotationLines,
		Logger:        b.log,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: open WAL writer for %s: %w", topic, err)
	}
	th := &topicHandle{writer: w, opts: opts}
	b.topics[topic] = th
	return th, nil
}

// Start launches every subscription registered before Start was
// called. Subscriptions registered afterward start immediately.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.ctx = runCtx
	b.cancel = cancel
	b.started = true
	for _, entry := range b.subs {
		b.launchLocked(entry)
	}
}

// Stop drains every subscription, waiting up to deadline before force
// canceling the remainder (spec §4.1 "stop drains subscriptions until
// deadline, then force-closes").
func (b *Bus) Stop(deadline time.Duration) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	entries := make([]*subEntry, 0, len(b.subs))
	for _, e := range b.subs {
		entries = append(entries, e)
	}
	b.started = false
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			if e.cancel != nil {
				e.cancel()
			}
		}
		for _, e := range entries {
			if e.done != nil {
				<-e.done
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		b.log.Warn("bus: stop deadline exceeded, force-closing remaining subscriptions", "deadline", deadline)
		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.mu.Unlock()
	}
}

// Publish satisfies gate.Publisher: it writes e to topic's WAL and
// reports only failure, discarding the committed offset. Use
// PublishSync when the offset is needed.
func (b *Bus) Publish(ctx context.Context, topic string, e envelope.Event) error {
	_, err := b.PublishSync(ctx, topic, e)
	return err
}

// PublishSync validates, applies backpressure, appends e to topic's
// WAL, and returns the committed offset (spec §4.1 publish).
func (b *Bus) PublishSync(ctx context.Context, topic string, e envelope.Event) (uint64, error) {
	e.Meta.Topic = topic
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("bus: %w", err)
	}

	b.mu.Lock()
	th, err := b.topicLocked(topic, TopicOptions{})
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := b.applyBackpressure(ctx, topic, th); err != nil {
		return 0, err
	}

	offset, err := th.writer.Append(e.Meta, e.Payload)
	if err != nil {
		return 0, fmt.Errorf("bus: append %s: %w", topic, err)
	}
	return offset, nil
}
