package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/familyos/cogfabric/internal/delivery"
	"github.com/familyos/cogfabric/internal/envelope"
)

func testEvent(t *testing.T, topic string, n int) envelope.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"n": n})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sum, err := envelope.HashPayload(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Now()
	return envelope.Event{
		Meta: envelope.EventMeta{
			EventID:       envelope.NewEventIDAt(now),
			Topic:         topic,
			Type:          topic,
			SpaceID:       "personal:alice",
			Ts:            now.UnixMilli(),
			Band:          envelope.BandGreen,
			PolicyVersion: "v1",
			Hashes:        envelope.Hashes{PayloadSHA256: sum},
			TraceID:       "trace-1",
		},
		Payload: payload,
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(Options{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBus_PublishThenSubscribeDeliversInOrder(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []int
	done := make(chan struct{})
	handler := func(_ context.Context, e *envelope.Event) error {
		var payload map[string]int
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return err
		}
		got = append(got, payload["n"])
		if len(got) == 3 {
			close(done)
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		if _, err := b.PublishSync(ctx, "hippo.encode", testEvent(t, "hippo.encode", i)); err != nil {
			t.Fatalf("PublishSync: %v", err)
		}
	}

	if _, err := b.Subscribe("hippo.encode", "g1", handler, delivery.Options{Workers: 1, MaxInflight: 8, Commit: delivery.CommitPolicy{Kind: delivery.CommitPerEvent}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Start(ctx)
	defer b.Stop(time.Second)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out, got %v", got)
	}
	for i, n := range got {
		if n != i {
			t.Errorf("got[%d] = %d, want %d (order not preserved with workers=1)", i, n, i)
		}
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(time.Second)

	var delivered int32
	handle, err := b.Subscribe("hippo.encode", "g1", func(_ context.Context, e *envelope.Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}, delivery.Options{Workers: 1, MaxInflight: 8})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := b.PublishSync(ctx, "hippo.encode", testEvent(t, "hippo.encode", 1)); err != nil {
		t.Fatalf("PublishSync: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&delivered) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&delivered) == 0 {
		t.Fatal("expected the first event to be delivered before unsubscribing")
	}

	handle.Unsubscribe()

	if _, err := b.PublishSync(ctx, "hippo.encode", testEvent(t, "hippo.encode", 2)); err != nil {
		t.Fatalf("PublishSync: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&delivered) != 1 {
		t.Errorf("delivered = %d after unsubscribe, want 1 (no further deliveries)", delivered)
	}
}

func TestBus_SubscribeDuplicateGroupRejected(t *testing.T) {
	b := newTestBus(t)
	handler := func(context.Context, *envelope.Event) error { return nil }
	if _, err := b.Subscribe("hippo.encode", "g1", handler, delivery.Options{}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := b.Subscribe("hippo.encode", "g1", handler, delivery.Options{}); err == nil {
		t.Fatal("expected a duplicate (topic, group) subscription to be rejected")
	}
}

func TestBus_ReplayRepositionsCursor(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.PublishSync(ctx, "hippo.encode", testEvent(t, "hippo.encode", i)); err != nil {
			t.Fatalf("PublishSync: %v", err)
		}
	}

	var mu countingHandler
	if _, err := b.Subscribe("hippo.encode", "g1", mu.handle, delivery.Options{Workers: 1, MaxInflight: 8}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Start(ctx)
	defer b.Stop(time.Second)

	waitForAtomic(t, &mu.count, 5, 2*time.Second)

	if err := b.Replay("hippo.encode", "g1", 3); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	// Replaying to offset 3 re-delivers offsets 3,4,5: three more.
	waitForAtomic(t, &mu.count, 8, 2*time.Second)
}

type countingHandler struct {
	count int32
}

func (c *countingHandler) handle(context.Context, *envelope.Event) error {
	atomic.AddInt32(&c.count, 1)
	return nil
}

func waitForAtomic(t *testing.T, counter *int32, want int32, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for counter to reach %d, got %d", want, atomic.LoadInt32(counter))
}
