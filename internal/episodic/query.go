package episodic

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/google/uuid"

	"github.com/familyos/cogfabric/internal/segmentation"
	"github.com/familyos/cogfabric/internal/temporal"
)

// Recency scores row's age against now using the store's configured
// temporal half-life — the canonical formula from spec §4.9, which
// every recency-ranking caller (recall, this store's OrderRecency
// query ordering) must share rather than reimplement.
func (s *Store) Recency(row EventRow, now time.Time) float64 {
	halfLife := time.Duration(s.halfLife) * time.Millisecond
	return temporal.RecencyAt(row.Ts, now, halfLife)
}

// GetEvent is a point read by (space_id, event_id) (spec §4.7).
func (s *Store) GetEvent(spaceID, eventID string) (*EventRow, error) {
	rows, err := s.db.Query(`
		SELECT event_id, episode_id, ts, band, title, summary, tags,
		       affect_valence, affect_arousal, attachments_meta, salience,
		       redaction_meta, origin, trace_id, tombstoned, tombstone_reason
		FROM events WHERE space_id = ? AND event_id = ?
	`, spaceID, eventID)
	if err != nil {
		return nil, fmt.Errorf("episodic: get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	row, err := scanEventRow(rows, spaceID)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// findSpaceForEvent looks up which space owns eventID, for the
// point-read operations (tombstone, get_episode) whose public
// signature per spec §4.7 omits space_id.
func (s *Store) findSpaceForEvent(eventID string) (string, error) {
	var spaceID string
	err := s.db.QueryRow(`SELECT space_id FROM events WHERE event_id = ? LIMIT 1`, eventID).Scan(&spaceID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("episodic: find space for event: %w", err)
	}
	return spaceID, nil
}

func (s *Store) findSpaceForEpisode(episodeID string) (string, error) {
	var spaceID string
	err := s.db.QueryRow(`SELECT space_id FROM segments WHERE episode_id = ? LIMIT 1`, episodeID).Scan(&spaceID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("episodic: find space for episode: %w", err)
	}
	return spaceID, nil
}

// GetEpisode returns the segment and its ordered events (spec §4.7).
func (s *Store) GetEpisode(episodeID string) (*EpisodeView, error) {
	spaceID, err := s.findSpaceForEpisode(episodeID)
	if err != nil {
		return nil, err
	}
	seg, err := s.loadSegmentRow(spaceID, episodeID)
	if err != nil {
		return nil, err
	}
	events, err := s.Replay(episodeID)
	if err != nil {
		return nil, err
	}
	return &EpisodeView{Segment: *seg, Events: events}, nil
}

// Replay iterates the ordered event rows of one episode (spec §4.7).
func (s *Store) Replay(episodeID string) ([]EventRow, error) {
	spaceID, err := s.findSpaceForEpisode(episodeID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT e.event_id, e.episode_id, e.ts, e.band, e.title, e.summary, e.tags,
		       e.affect_valence, e.affect_arousal, e.attachments_meta, e.salience,
		       e.redaction_meta, e.origin, e.trace_id, e.tombstoned, e.tombstone_reason
		FROM segment_events se JOIN events e
		  ON e.space_id = se.space_id AND e.event_id = se.event_id
		WHERE se.space_id = ? AND se.episode_id = ?
		ORDER BY se.ord ASC
	`, spaceID, episodeID)
	if err != nil {
		return nil, fmt.Errorf("episodic: replay: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		row, err := scanEventRow(rows, spaceID)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) loadSegmentRow(spaceID, episodeID string) (*SegmentRow, error) {
	var (
		seg        SegmentRow
		state      string
		startMs    int64
		endMs      int64
		reasonsRaw string
	)
	err := s.db.QueryRow(`
		SELECT state, start_ts, end_ts, topic_hint, salience,
		       affect_start_valence, affect_start_arousal, affect_end_valence, affect_end_arousal,
		       boundary_reason
		FROM segments WHERE space_id = ? AND episode_id = ?
	`, spaceID, episodeID).Scan(&state, &startMs, &endMs, &seg.TopicHint, &seg.Salience,
		&seg.AffectSpan[0].Valence, &seg.AffectSpan[0].Arousal,
		&seg.AffectSpan[1].Valence, &seg.AffectSpan[1].Arousal,
		&reasonsRaw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("episodic: load segment row: %w", err)
	}
	seg.SpaceID = spaceID
	seg.EpisodeID = episodeID
	seg.State = segmentation.SegmentState(state)
	seg.StartTs = time.UnixMilli(startMs).UTC()
	seg.EndTs = time.UnixMilli(endMs).UTC()
	_ = json.Unmarshal([]byte(reasonsRaw), &seg.BoundaryReason)
	return &seg, nil
}

// ListSegments returns every segment (open or closed) in spaceID,
// ordered by start time (spec §4.7).
func (s *Store) ListSegments(spaceID string) ([]SegmentRow, error) {
	rows, err := s.db.Query(`
		SELECT episode_id, state, start_ts, end_ts, topic_hint, salience,
		       affect_start_valence, affect_start_arousal, affect_end_valence, affect_end_arousal,
		       boundary_reason
		FROM segments WHERE space_id = ? ORDER BY start_ts ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("episodic: list segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var (
			seg        SegmentRow
			state      string
			startMs    int64
			endMs      int64
			reasonsRaw string
		)
		if err := rows.Scan(&seg.EpisodeID, &state, &startMs, &endMs, &seg.TopicHint, &seg.Salience,
			&seg.AffectSpan[0].Valence, &seg.AffectSpan[0].Arousal,
			&seg.AffectSpan[1].Valence, &seg.AffectSpan[1].Arousal,
			&reasonsRaw); err != nil {
			return nil, fmt.Errorf("episodic: scan segment row: %w", err)
		}
		seg.SpaceID = spaceID
		seg.State = segmentation.SegmentState(state)
		seg.StartTs = time.UnixMilli(startMs).UTC()
		seg.EndTs = time.UnixMilli(endMs).UTC()
		_ = json.Unmarshal([]byte(reasonsRaw), &seg.BoundaryReason)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Query returns events in filter.SpaceID narrowed by time range, tags,
// and band ceiling, ordered by recency or salience (spec §4.7). Events
// banded BLACK are excluded unless filter.RequestingActor matches the
// row's origin actor (spec §4.7 invariant).
func (s *Store) Query(filter Filter) ([]EventRow, error) {
	if filter.SpaceID == "" {
		return nil, fmt.Errorf("episodic: query requires a space_id")
	}

	var clauses []string
	args := []any{filter.SpaceID}
	clauses = append(clauses, "space_id = ?")
	clauses = append(clauses, "tombstoned = 0")

	if !filter.From.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	order := "ts DESC"
	if filter.Order == OrderSalience {
		order = "salience DESC"
	}

	query := fmt.Sprintf(`
		SELECT event_id, episode_id, ts, band, title, summary, tags,
		       affect_valence, affect_arousal, attachments_meta, salience,
		       redaction_meta, origin, trace_id, tombstoned, tombstone_reason
		FROM events WHERE %s ORDER BY %s
	`, strings.Join(clauses, " AND "), order)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("episodic: query: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		row, err := scanEventRow(rows, filter.SpaceID)
		if err != nil {
			return nil, err
		}
		if !bandVisible(row.Band, row.Origin, filter) {
			continue
		}
		if !matchesTags(row.Tags, filter.Tags) {
			continue
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// bandVisible enforces that BLACK-band rows never project to any
// external subscriber, returning only to the owning actor (spec §4.7
// invariant); other bands respect the filter's ceiling, if any.
func bandVisible(band envelope.Band, origin string, filter Filter) bool {
	if band == envelope.BandBlack {
		return filter.RequestingActor != "" && filter.RequestingActor == origin
	}
	if filter.BandCeiling == "" {
		return true
	}
	return bandRank(band) <= bandRank(filter.BandCeiling)
}

func matchesTags(rowTags, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(rowTags))
	for _, t := range rowTags {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

// Relate creates a cross-reference link edge between two entities in
// the same space (spec §4.7). src and dst must share a space_id; a
// link never crosses spaces.
func (s *Store) Relate(src, dst Ref, rel string) (*CrossRefLink, error) {
	if src.SpaceID == "" || src.SpaceID != dst.SpaceID {
		return nil, ErrCrossSpace
	}
	link := CrossRefLink{
		SpaceID: src.SpaceID,
		LinkID:  uuid.New().String(),
		SrcKind: src.Kind,
		SrcID:   src.ID,
		DstKind: dst.Kind,
		DstID:   dst.ID,
		Rel:     rel,
	}
	_, err := s.db.Exec(`
		INSERT INTO links (space_id, link_id, src_kind, src_id, dst_kind, dst_id, rel)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.SpaceID, link.LinkID, link.SrcKind, link.SrcID, link.DstKind, link.DstID, link.Rel)
	if err != nil {
		return nil, fmt.Errorf("episodic: relate: %w", err)
	}
	return &link, nil
}

// SegmentFlush force-closes spaceID's open segment, if any (spec §4.7
// segment_flush, §4.8 "on segment_flush, the current open segment is
// forcibly closed even without a boundary").
func (s *Store) SegmentFlush(spaceID string) (*SegmentRow, error) {
	lock := s.lockFor(spaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureWarmLocked(spaceID); err != nil {
		return nil, err
	}
	seg := s.engine.Flush(spaceID)
	if seg == nil {
		return nil, nil
	}
	if err := s.closeSegmentRow(spaceID, seg); err != nil {
		return nil, err
	}
	return s.loadSegmentRow(spaceID, seg.EpisodeID)
}

// Tombstone marks eventID as tombstoned and appends a tombstone marker
// event alongside it in the same episode; the original row is never
// mutated beyond the tombstone flag itself (spec §3.7, §4.7).
func (s *Store) Tombstone(eventID, reason string) error {
	spaceID, err := s.findSpaceForEvent(eventID)
	if err != nil {
		return err
	}

	lock := s.lockFor(spaceID)
	lock.Lock()
	defer lock.Unlock()

	original, err := s.GetEvent(spaceID, eventID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE events SET tombstoned = 1, tombstone_reason = ? WHERE space_id = ? AND event_id = ?
	`, reason, spaceID, eventID)
	if err != nil {
		return fmt.Errorf("episodic: tombstone: %w", err)
	}

	marker := EventRow{
		SpaceID:   spaceID,
		EventID:   envelope.NewEventID(),
		EpisodeID: original.EpisodeID,
		Ts:        time.Now().UTC(),
		Band:      original.Band,
		Title:     "tombstone",
		Summary:   reason,
		Tags:      []string{"tombstone"},
		Origin:    original.Origin,
		TraceID:   original.TraceID,
	}
	if err := s.insertEventRow(marker); err != nil {
		return err
	}
	return s.insertSegmentEventLink(spaceID, marker.EpisodeID, marker.EventID)
}
