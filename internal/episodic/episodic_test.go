package episodic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/segmentation"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := segmentation.DefaultConfig()
	s, err := Open(Options{RootPath: t.TempDir(), Segmenter: segmentation.NewEngine(cfg)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(t *testing.T, spaceID string, ts time.Time, fields map[string]any) envelope.Event {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sum, err := envelope.HashPayload(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return envelope.Event{
		Meta: envelope.EventMeta{
			EventID:       envelope.NewEventIDAt(ts),
			Topic:         "hippo.encode",
			Type:          "hippo.encode",
			SpaceID:       spaceID,
			Ts:            ts.UnixMilli(),
			Actor:         envelope.Actor{PersonID: "alice"},
			Band:          envelope.BandGreen,
			PolicyVersion: "v1",
			Hashes:        envelope.Hashes{PayloadSHA256: sum},
			TraceID:       "trace-1",
		},
		Payload: payload,
	}
}

func TestAppendEvent_PersistsRowAndOpensSegment(t *testing.T) {
	s := testStore(t)
	ts := time.UnixMilli(1_700_000_000_000)
	e := testEvent(t, "personal:alice", ts, map[string]any{"title": "hello", "salience": 0.4})

	row, err := s.AppendEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if row.EpisodeID == "" {
		t.Fatal("expected a non-empty episode id")
	}
	if row.Title != "hello" {
		t.Errorf("title = %q, want %q", row.Title, "hello")
	}

	got, err := s.GetEvent("personal:alice", e.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.EventID != e.Meta.EventID {
		t.Errorf("GetEvent returned wrong event")
	}

	segs, err := s.ListSegments("personal:alice")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1", len(segs))
	}
	if segs[0].State != segmentation.SegmentOpen {
		t.Errorf("segment state = %s, want open", segs[0].State)
	}
}

func TestAppendEvent_LargeGapClosesSegment(t *testing.T) {
	s := testStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	e1 := testEvent(t, "personal:bob", base, map[string]any{"title": "first"})
	e2 := testEvent(t, "personal:bob", base.Add(3*time.Hour), map[string]any{"title": "second"})

	row1, err := s.AppendEvent(context.Background(), e1)
	if err != nil {
		t.Fatalf("AppendEvent 1: %v", err)
	}
	row2, err := s.AppendEvent(context.Background(), e2)
	if err != nil {
		t.Fatalf("AppendEvent 2: %v", err)
	}
	if row1.EpisodeID == row2.EpisodeID {
		t.Fatal("expected the 3h gap to open a new episode")
	}

	segs, err := s.ListSegments("personal:bob")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}
	if segs[0].State != segmentation.SegmentClosed {
		t.Errorf("first segment state = %s, want closed", segs[0].State)
	}
	if len(segs[0].BoundaryReason) == 0 {
		t.Error("expected a boundary reason recorded for the closed segment")
	}
}

func TestReplay_ReturnsEventsInOrder(t *testing.T) {
	s := testStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	var episodeID string
	for i := 0; i < 3; i++ {
		e := testEvent(t, "personal:carol", base.Add(time.Duration(i)*time.Second), map[string]any{"title": "step"})
		row, err := s.AppendEvent(context.Background(), e)
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		episodeID = row.EpisodeID
	}

	events, err := s.Replay(episodeID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Ts.Before(events[i-1].Ts) {
			t.Errorf("events out of order at index %d", i)
		}
	}

	view, err := s.GetEpisode(episodeID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if len(view.Events) != 3 {
		t.Errorf("GetEpisode events = %d, want 3", len(view.Events))
	}
}

func TestSegmentFlush_ForceClosesOpenSegment(t *testing.T) {
	s := testStore(t)
	e := testEvent(t, "personal:dave", time.UnixMilli(1_700_000_000_000), map[string]any{"title": "only"})
	if _, err := s.AppendEvent(context.Background(), e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	seg, err := s.SegmentFlush("personal:dave")
	if err != nil {
		t.Fatalf("SegmentFlush: %v", err)
	}
	if seg == nil {
		t.Fatal("expected a closed segment")
	}
	if seg.State != segmentation.SegmentClosed {
		t.Errorf("state = %s, want closed", seg.State)
	}

	if again, err := s.SegmentFlush("personal:dave"); err != nil || again != nil {
		t.Errorf("second flush should be a no-op, got seg=%v err=%v", again, err)
	}
}

func TestQuery_ExcludesBlackBandUnlessOwningActor(t *testing.T) {
	s := testStore(t)
	ts := time.UnixMilli(1_700_000_000_000)
	e := testEvent(t, "personal:erin", ts, map[string]any{"title": "secret"})
	e.Meta.Band = envelope.BandBlack
	e.Meta.MLSGroup = "group-1"

	if _, err := s.AppendEvent(context.Background(), e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	rows, err := s.Query(Filter{SpaceID: "personal:erin"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected BLACK band excluded with no requesting actor, got %d rows", len(rows))
	}

	rows, err = s.Query(Filter{SpaceID: "personal:erin", RequestingActor: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected BLACK band visible to owning actor, got %d rows", len(rows))
	}
}

func TestTombstone_MarksRowAndAppendsMarker(t *testing.T) {
	s := testStore(t)
	e := testEvent(t, "personal:frank", time.UnixMilli(1_700_000_000_000), map[string]any{"title": "tbd"})
	row, err := s.AppendEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if err := s.Tombstone(e.Meta.EventID, "superseded"); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}

	got, err := s.GetEvent("personal:frank", e.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !got.Tombstoned {
		t.Error("expected the original row to be marked tombstoned")
	}
	if got.TombstoneReason != "superseded" {
		t.Errorf("tombstone reason = %q, want %q", got.TombstoneReason, "superseded")
	}

	events, err := s.Replay(row.EpisodeID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected original + tombstone marker, got %d events", len(events))
	}
}

func TestRelate_RejectsCrossSpace(t *testing.T) {
	s := testStore(t)
	_, err := s.Relate(Ref{SpaceID: "personal:alice", Kind: "event", ID: "e1"}, Ref{SpaceID: "personal:bob", Kind: "event", ID: "e2"}, "mentions")
	if err == nil {
		t.Fatal("expected a cross-space relate to be rejected")
	}
}

func TestRelate_CreatesLink(t *testing.T) {
	s := testStore(t)
	link, err := s.Relate(Ref{SpaceID: "personal:alice", Kind: "event", ID: "e1"}, Ref{SpaceID: "personal:alice", Kind: "event", ID: "e2"}, "mentions")
	if err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if link.Rel != "mentions" {
		t.Errorf("rel = %q, want %q", link.Rel, "mentions")
	}
}

func TestRecovery_ReopenReplaysWALIdempotently(t *testing.T) {
	dir := t.TempDir()
	cfg := segmentation.DefaultConfig()

	s1, err := Open(Options{RootPath: dir, Segmenter: segmentation.NewEngine(cfg)})
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	e := testEvent(t, "personal:gina", time.UnixMilli(1_700_000_000_000), map[string]any{"title": "durable"})
	if _, err := s1.AppendEvent(context.Background(), e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	// Close the store (WAL files and database) and reopen a fresh store
	// against the same root to exercise the recovery pass (the row is
	// already durable in the database, so recovery must be a no-op
	// idempotent replay rather than a duplicate insert).
	s1.Close()

	s2, err := Open(Options{RootPath: dir, Segmenter: segmentation.NewEngine(cfg)})
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetEvent("personal:gina", e.Meta.EventID)
	if err != nil {
		t.Fatalf("GetEvent after recovery: %v", err)
	}
	if got.Title != "durable" {
		t.Errorf("title = %q, want %q", got.Title, "durable")
	}
}
