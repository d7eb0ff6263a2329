// Package episodic implements the durable, space-scoped event ledger
// that feeds the segmentation engine and the temporal index: append,
// point reads, filtered queries, segment/episode iteration, cross-ref
// links, and tombstones (spec §3.6, §4.7).
package episodic

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/segmentation"
)

// ErrNotFound is returned by point reads for an ID that does not exist.
var ErrNotFound = errors.New("episodic: not found")

// ErrCrossSpace is returned when an operation's inputs span more than
// one space_id, which the query surface forbids (spec §4.7).
var ErrCrossSpace = errors.New("episodic: cross-space operation forbidden")

// EventRow is the persisted event row (spec §3.6 "Event row").
type EventRow struct {
	SpaceID         string
	EventID         string
	EpisodeID       string
	Ts              time.Time
	Band            envelope.Band
	Title           string
	Summary         string
	Tags            []string
	Affect          segmentation.Affect
	AttachmentsMeta json.RawMessage
	Salience        float64
	RedactionMeta   json.RawMessage
	Origin          string
	TraceID         string
	Tombstoned      bool
	TombstoneReason string
}

// SegmentRow is the persisted aggregate segment row (spec §3.6 "Segment
// row"). EventIDs are not stored inline — they're reconstructed from
// the segment-event link table, ordered by Ord.
type SegmentRow struct {
	SpaceID        string
	EpisodeID      string
	State          segmentation.SegmentState
	StartTs        time.Time
	EndTs          time.Time
	TopicHint      string
	Salience       float64
	AffectSpan     [2]segmentation.Affect
	BoundaryReason []string
}

// SegmentEventLink orders one event within one episode (spec §3.6
// "Segment-Event link").
type SegmentEventLink struct {
	SpaceID   string
	EpisodeID string
	EventID   string
	Ord       int
}

// Ref identifies one side of a cross-reference link.
type Ref struct {
	SpaceID string
	Kind    string
	ID      string
}

// CrossRefLink is an arbitrary edge between two entities in the same
// space (spec §3.6 "Cross-ref link").
type CrossRefLink struct {
	SpaceID string
	LinkID  string
	SrcKind string
	SrcID   string
	DstKind string
	DstID   string
	Rel     string
}

// Order selects the ranking for Query results.
type Order string

const (
	OrderRecency  Order = "recency"
	OrderSalience Order = "salience"
)

// EpisodeView bundles a segment with its ordered events, the shape
// GetEpisode hands back to callers (Replay returns the events alone).
type EpisodeView struct {
	Segment SegmentRow
	Events  []EventRow
}

// Filter scopes a query to one space and optionally narrows by time
// range, tags, and a band ceiling (spec §4.7 query).
type Filter struct {
	SpaceID  string
	From, To time.Time // zero value means unbounded
	Tags     []string  // event must carry all of these tags
	// BandCeiling excludes any event row whose band outranks it.
	// The zero value (empty string) means "no ceiling" (GREEN..RED;
	// BLACK is always excluded unless RequestingActor owns the row).
	BandCeiling envelope.Band
	// RequestingActor is the actor on whose behalf the query runs.
	// BLACK-band rows are only ever returned when RequestingActor
	// matches the row's Origin (spec §4.7 invariant).
	RequestingActor string
	Order           Order
	Limit           int
}

func bandRank(b envelope.Band) int {
	switch b {
	case envelope.BandGreen:
		return 0
	case envelope.BandAmber:
		return 1
	case envelope.BandRed:
		return 2
	case envelope.BandBlack:
		return 3
	default:
		return 0
	}
}
