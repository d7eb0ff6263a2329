package delivery

import "sync"

// commitTracker advances a committed-offset frontier as events are
// acked, never skipping past an offset that has not yet been acked
// (spec §4.4: "never commit past an un-acked event"). Acks can arrive
// out of order when workers > 1, so an ack for an offset ahead of the
// frontier is parked until the gap closes. It also remembers which
// segment each offset lives in, since the WAL reader that knows that
// (sequentially, as it tails) is not safe to query concurrently from
// worker goroutines.
type commitTracker struct {
	mu              sync.Mutex
	nextExpected    uint64            // lowest offset not yet known to be acked
	outOfOrder      map[uint64]uint32 // offset -> segment, for acks ahead of nextExpected
	frontierSegment uint32
}

// newCommitTracker starts the frontier at the offset following the
// last durably committed one (lastCommitted; 0 if nothing has been
// committed yet, since WAL offsets start at 1), so a restart never
// replays an already-committed event as uncommitted.
func newCommitTracker(lastCommitted uint64) *commitTracker {
	return &commitTracker{
		nextExpected: lastCommitted + 1,
		outOfOrder:   make(map[uint64]uint32),
	}
}

// Ack records offset (read from the given segment) as acked and
// returns the new contiguous frontier — the last offset known acked,
// and the segment it lives in — along with whether the frontier
// advanced at all.
func (t *commitTracker) Ack(offset uint64, segment uint32) (frontier uint64, frontierSegment uint32, advanced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset < t.nextExpected {
		// Already folded into the frontier (duplicate ack); no-op.
		return t.frontierOffsetLocked(), t.frontierSegment, false
	}
	if offset > t.nextExpected {
		t.outOfOrder[offset] = segment
		return t.frontierOffsetLocked(), t.frontierSegment, false
	}

	t.frontierSegment = segment
	t.nextExpected++
	for {
		seg, ok := t.outOfOrder[t.nextExpected]
		if !ok {
			break
		}
		delete(t.outOfOrder, t.nextExpected)
		t.frontierSegment = seg
		t.nextExpected++
	}
	return t.frontierOffsetLocked(), t.frontierSegment, true
}

func (t *commitTracker) frontierOffsetLocked() uint64 {
	if t.nextExpected == 0 {
		return 0
	}
	return t.nextExpected - 1
}

// Frontier returns the last offset known committable without
// recording a new ack.
func (t *commitTracker) Frontier() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frontierOffsetLocked()
}
