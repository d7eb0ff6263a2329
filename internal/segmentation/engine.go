package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// spaceState holds one space's rolling window, the last-seen event
// signal (for delta computations), and the currently open segment.
type spaceState struct {
	window []EventSignal // bounded to Config.Window, most recent last
	last   *EventSignal
	open   *openSegment
}

type openSegment struct {
	episodeID string
	startTs   time.Time
	events    []EventSignal // full event list for the open segment (salience needs all of them at close)
}

// Engine produces explainable episode cuts as events arrive, one
// instance serving all spaces (state is partitioned internally).
// Determinism requirement: given the same event stream and
// configuration, Ingest must be byte-identical across runs — it never
// consults wall-clock time or a random source, only each event's stored
// Ts and EventID (spec §4.8). In particular, episode IDs are derived
// from the opening event's EventID rather than generated fresh, so
// replaying a persisted stream after a restart reconstructs the same
// episode IDs the original run assigned.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	spaces map[string]*spaceState
}

// NewEngine creates a segmentation engine with cfg. Use DefaultConfig()
// for spec defaults.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, spaces: make(map[string]*spaceState)}
}

// Ingest processes one event for spaceID, opening the space's first
// segment if none is open, and deciding whether this event triggers a
// hard or soft cut.
func (e *Engine) Ingest(spaceID string, sig EventSignal) BoundaryResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.spaces[spaceID]
	if !ok {
		st = &spaceState{}
		e.spaces[spaceID] = st
	}

	if st.open == nil {
		// First event in this space: no boundary to evaluate, just open.
		st.open = &openSegment{
			episodeID: deriveEpisodeID(sig.EventID),
			startTs:   sig.Ts,
			events:    []EventSignal{sig},
		}
		st.last = &sig
		st.window = appendWindow(st.window, sig, e.cfg.Window)
		return BoundaryResult{OpenedEpisode: st.open.episodeID}
	}

	elapsed := sig.Ts.Sub(st.last.Ts)
	g := gapScore(elapsed, e.cfg.TauT)
	s := noveltyScore(sig, st.window)
	a := affectScore(sig.Affect, st.last.Affect)
	h := goalChangeScore(sig.GoalLabel, st.last.GoalLabel)
	micro := microSessionIndicator(elapsed, e.cfg.MicroSession)
	score := boundaryScore(e.cfg.Weights, g, s, a, h, micro)

	// The hard-cut gap is measured from the open segment's start, so no
	// segment spans HardCut or more of event time.
	hardCut := sig.Ts.Sub(st.open.startTs) >= e.cfg.HardCut
	softCut := score >= e.cfg.SoftCutThreshold

	result := BoundaryResult{Score: score}

	if hardCut || softCut {
		var reasons []string
		if hardCut {
			reasons = append(reasons, "gap")
		}
		if softCut {
			reasons = append(reasons, "boundary_score")
		}
		closed := e.closeSegment(spaceID, reasons)
		result.Cut = true
		result.Reasons = reasons
		result.ClosedSegment = closed

		st.open = &openSegment{
			episodeID: deriveEpisodeID(sig.EventID),
			startTs:   sig.Ts,
			events:    []EventSignal{sig},
		}
	} else {
		st.open.events = append(st.open.events, sig)
	}

	result.OpenedEpisode = st.open.episodeID
	st.last = &sig
	st.window = appendWindow(st.window, sig, e.cfg.Window)
	return result
}

// Flush force-closes spaceID's open segment even without a boundary
// cut (spec §4.8 segment_flush). It returns nil if no segment is open.
func (e *Engine) Flush(spaceID string) *Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeSegment(spaceID, nil)
}

// closeSegment must be called with e.mu held.
func (e *Engine) closeSegment(spaceID string, reasons []string) *Segment {
	st, ok := e.spaces[spaceID]
	if !ok || st.open == nil || len(st.open.events) == 0 {
		return nil
	}

	first := st.open.events[0]
	last := st.open.events[len(st.open.events)-1]
	duration := last.Ts.Sub(first.Ts)
	durationMinutes := duration.Minutes()
	if durationMinutes <= 0 {
		durationMinutes = 1.0 / 60 // avoid division by zero for single/instant-event segments
	}

	eventIDs := make([]string, len(st.open.events))
	for i, ev := range st.open.events {
		eventIDs[i] = ev.EventID
	}

	seg := &Segment{
		SpaceID:        spaceID,
		EpisodeID:      st.open.episodeID,
		State:          SegmentClosed,
		StartTs:        st.open.startTs,
		EndTs:          last.Ts,
		EventIDs:       eventIDs,
		Salience:       segmentSalience(st.open.events, durationMinutes),
		AffectSpan:     [2]Affect{first.Affect, last.Affect},
		BoundaryReason: reasons,
	}

	st.open = nil
	return seg
}

// OpenEpisodeID returns the episode ID currently open for spaceID, or
// "" if no segment is open (e.g. before the first event or right after
// a Flush).
func (e *Engine) OpenEpisodeID(spaceID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.spaces[spaceID]
	if !ok || st.open == nil {
		return ""
	}
	return st.open.episodeID
}

func appendWindow(window []EventSignal, sig EventSignal, max int) []EventSignal {
	window = append(window, sig)
	if max > 0 && len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

// deriveEpisodeID derives a segment's episode ID from the EventID of
// the event that opened it. Hashing a stable, already-persisted value
// (rather than minting a fresh random ID) is what makes warm replay
// after a restart reconstruct identical episode IDs for identical
// input streams.
func deriveEpisodeID(openingEventID string) string {
	sum := sha256.Sum256([]byte(openingEventID))
	return "ep_" + hex.EncodeToString(sum[:])
}
