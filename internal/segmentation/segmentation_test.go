package segmentation

import (
	"testing"
	"time"
)

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
}

func TestEngine_FirstEventOpensSegmentNoCut(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Ingest("s1", EventSignal{EventID: "e1", Ts: baseTime()})
	if r.Cut {
		t.Error("first event must not trigger a cut")
	}
	if r.OpenedEpisode == "" {
		t.Error("expected an episode to be opened")
	}
}

func TestEngine_GapScenario_HardCutOnLargeGap(t *testing.T) {
	e := NewEngine(DefaultConfig())
	t0 := baseTime()

	events := []EventSignal{
		{EventID: "e1", Ts: t0},
		{EventID: "e2", Ts: t0.Add(5 * time.Minute)},
		{EventID: "e3", Ts: t0.Add(10 * time.Minute)},
		{EventID: "e4", Ts: t0.Add(2*time.Hour + time.Minute)},
		{EventID: "e5", Ts: t0.Add(2*time.Hour + 3*time.Minute)},
	}

	var results []BoundaryResult
	for _, ev := range events {
		results = append(results, e.Ingest("s1", ev))
	}

	for i := 0; i < 3; i++ {
		if results[i].Cut {
			t.Errorf("event %d should not cut (within 10 minutes)", i)
		}
	}
	if !results[3].Cut {
		t.Fatal("event at t+2h1min should trigger a hard cut")
	}
	found := false
	for _, reason := range results[3].Reasons {
		if reason == "gap" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'gap' in boundary reasons, got %v", results[3].Reasons)
	}

	closed := results[3].ClosedSegment
	if closed == nil {
		t.Fatal("expected a closed segment on hard cut")
	}
	if len(closed.EventIDs) != 3 {
		t.Errorf("closed segment has %d events, want 3 (e1,e2,e3)", len(closed.EventIDs))
	}

	if results[4].Cut {
		t.Error("event 5 should not cut (3 minutes after event 4)")
	}
}

func TestEngine_Flush_ForceClosesOpenSegment(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Ingest("s1", EventSignal{EventID: "e1", Ts: baseTime()})
	e.Ingest("s1", EventSignal{EventID: "e2", Ts: baseTime().Add(time.Minute)})

	seg := e.Flush("s1")
	if seg == nil {
		t.Fatal("expected Flush to close the open segment")
	}
	if len(seg.EventIDs) != 2 {
		t.Errorf("flushed segment has %d events, want 2", len(seg.EventIDs))
	}
	if e.OpenEpisodeID("s1") != "" {
		t.Error("expected no open episode after Flush")
	}
}

func TestEngine_Flush_NoOpenSegmentReturnsNil(t *testing.T) {
	e := NewEngine(DefaultConfig())
	if seg := e.Flush("nonexistent"); seg != nil {
		t.Errorf("expected nil for space with no open segment, got %+v", seg)
	}
}

func TestEngine_Determinism(t *testing.T) {
	events := []EventSignal{
		{EventID: "e1", Ts: baseTime(), Affect: Affect{Valence: 0.1, Arousal: 0.2}},
		{EventID: "e2", Ts: baseTime().Add(2 * time.Minute), Affect: Affect{Valence: 0.8, Arousal: 0.9}, Tokens: map[string]bool{"call": true, "mom": true}},
		{EventID: "e3", Ts: baseTime().Add(4 * time.Minute), Tokens: map[string]bool{"grocery": true, "milk": true}},
	}

	run := func() ([]float64, []string) {
		e := NewEngine(DefaultConfig())
		var scores []float64
		var episodes []string
		for _, ev := range events {
			r := e.Ingest("s1", ev)
			scores = append(scores, r.Score)
			episodes = append(episodes, r.OpenedEpisode)
		}
		return scores, episodes
	}

	a, epA := run()
	b, epB := run()
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("score %d differs across runs: %v vs %v", i, a[i], b[i])
		}
	}
	if len(epA) != len(epB) {
		t.Fatalf("episode length mismatch: %d vs %d", len(epA), len(epB))
	}
	for i := range epA {
		if epA[i] != epB[i] {
			t.Errorf("episode id %d differs across runs: %v vs %v", i, epA[i], epB[i])
		}
	}
}

// TestEngine_ReplayReconstructsSameEpisodeID simulates the episodic
// store's warm-replay path: re-ingesting the same opening event after a
// restart (a fresh Engine, same EventID) must reconstruct the same
// episode ID the original process assigned, or the replayed event gets
// attached to a different episode than its persisted siblings.
func TestEngine_ReplayReconstructsSameEpisodeID(t *testing.T) {
	opening := EventSignal{EventID: "evt-opening", Ts: baseTime()}

	original := NewEngine(DefaultConfig())
	firstResult := original.Ingest("s1", opening)

	replay := NewEngine(DefaultConfig())
	replayResult := replay.Ingest("s1", opening)

	if firstResult.OpenedEpisode != replayResult.OpenedEpisode {
		t.Errorf("replay produced a different episode id: original=%q replay=%q", firstResult.OpenedEpisode, replayResult.OpenedEpisode)
	}
}

func TestEngine_GoalChangeTriggersHigherBoundaryScore(t *testing.T) {
	e1 := NewEngine(DefaultConfig())
	e1.Ingest("s1", EventSignal{EventID: "a", Ts: baseTime(), GoalLabel: "shopping"})
	rSame := e1.Ingest("s1", EventSignal{EventID: "b", Ts: baseTime().Add(time.Minute), GoalLabel: "shopping"})

	e2 := NewEngine(DefaultConfig())
	e2.Ingest("s1", EventSignal{EventID: "a", Ts: baseTime(), GoalLabel: "shopping"})
	rChanged := e2.Ingest("s1", EventSignal{EventID: "b", Ts: baseTime().Add(time.Minute), GoalLabel: "cooking"})

	if rChanged.Score <= rSame.Score {
		t.Errorf("goal change should raise boundary score: same=%v changed=%v", rSame.Score, rChanged.Score)
	}
}

func TestRedundancyPenalty_DuplicateTokensPenalized(t *testing.T) {
	dup := []EventSignal{
		{Tokens: map[string]bool{"a": true, "b": true}},
		{Tokens: map[string]bool{"a": true, "b": true}},
	}
	if p := redundancyPenalty(dup); p != 1 {
		t.Errorf("redundancyPenalty(identical) = %v, want 1", p)
	}

	distinct := []EventSignal{
		{Tokens: map[string]bool{"a": true}},
		{Tokens: map[string]bool{"z": true}},
	}
	if p := redundancyPenalty(distinct); p != 0 {
		t.Errorf("redundancyPenalty(distinct) = %v, want 0", p)
	}
}
