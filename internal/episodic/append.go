package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/segmentation"
	"github.com/familyos/cogfabric/internal/temporal"
)

// AppendEvent validates, durably logs, and persists e, then feeds it
// through the segmentation engine and temporal index (spec §4.7
// append_event).
func (s *Store) AppendEvent(ctx context.Context, e envelope.Event) (*EventRow, error) {
	if e.Meta.SpaceID == "" {
		return nil, fmt.Errorf("episodic: space_id is required")
	}

	lock := s.lockFor(e.Meta.SpaceID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.walFor(e.Meta.SpaceID)
	if err != nil {
		return nil, err
	}
	// Invariant: WAL append must fsync before the row is visible to
	// readers (spec §4.7), so the durable log write happens first and
	// unconditionally before any database mutation below.
	if err := w.Append(e); err != nil {
		return nil, fmt.Errorf("episodic: wal append: %w", err)
	}

	return s.ingestLocked(ctx, e)
}

// ingestLocked does the actual row/segment/index bookkeeping for one
// event, assuming the event is already durable (in the WAL or, during
// recovery, already on disk from a previous process). Callers must
// hold the space's lock.
func (s *Store) ingestLocked(ctx context.Context, e envelope.Event) (*EventRow, error) {
	spaceID := e.Meta.SpaceID
	if err := s.ensureWarmLocked(spaceID); err != nil {
		return nil, err
	}

	fields := extractPayloadFields(e.Payload)
	ts := time.UnixMilli(e.Meta.Ts).UTC()

	sig := segmentation.EventSignal{
		EventID:   e.Meta.EventID,
		Ts:        ts,
		Embedding: fields.Embedding,
		Tokens:    tokenSet(fields),
		Affect:    fields.affect(),
		GoalLabel: fields.GoalLabel,
		Salience:  fields.Salience,
	}
	result := s.engine.Ingest(spaceID, sig)

	if result.Cut && result.ClosedSegment != nil {
		if err := s.closeSegmentRow(spaceID, result.ClosedSegment); err != nil {
			return nil, err
		}
	}
	if err := s.upsertOpenSegment(spaceID, result.OpenedEpisode, ts); err != nil {
		return nil, err
	}

	row := EventRow{
		SpaceID:         spaceID,
		EventID:         e.Meta.EventID,
		EpisodeID:       result.OpenedEpisode,
		Ts:              ts,
		Band:            e.Meta.Band,
		Title:           fields.Title,
		Summary:         fields.Summary,
		Tags:            fields.Tags,
		Affect:          sig.Affect,
		AttachmentsMeta: fields.AttachmentsMeta,
		Salience:        fields.Salience,
		RedactionMeta:   fields.RedactionMeta,
		Origin:          e.Meta.Actor.PersonID,
		TraceID:         e.Meta.TraceID,
	}
	if err := s.insertEventRow(row); err != nil {
		return nil, err
	}
	if err := s.insertSegmentEventLink(spaceID, result.OpenedEpisode, row.EventID); err != nil {
		return nil, err
	}
	if err := s.writeTemporalIndex(row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ensureWarmLocked rebuilds the segmentation engine's in-memory state
// for spaceID from already-persisted rows the first time this process
// touches the space. This is what makes segmentation correct across a
// restart without persisting the engine's internal window/last-event
// state: Ingest is deterministic, so replaying the same ordered stream
// reconstructs the same open-segment state (spec §4.7 crash recovery,
// §4.8 determinism). Callers must hold the space's lock.
func (s *Store) ensureWarmLocked(spaceID string) error {
	if s.warmed[spaceID] {
		return nil
	}
	rows, err := s.rowsForWarm(spaceID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		sig := segmentation.EventSignal{
			EventID:  row.EventID,
			Ts:       row.Ts,
			Affect:   row.Affect,
			Salience: row.Salience,
			Tokens:   addWordsFromRow(row),
		}
		result := s.engine.Ingest(spaceID, sig)
		if result.Cut && result.ClosedSegment != nil {
			if err := s.closeSegmentRow(spaceID, result.ClosedSegment); err != nil {
				return err
			}
		}
	}
	s.warmed[spaceID] = true
	return nil
}

func addWordsFromRow(row EventRow) map[string]bool {
	toks := make(map[string]bool)
	addWords(toks, row.Title)
	addWords(toks, row.Summary)
	for _, tag := range row.Tags {
		toks[tag] = true
	}
	if len(toks) == 0 {
		return nil
	}
	return toks
}

// rowsForWarm reads every (non-tombstone-marker) event row for spaceID
// in timestamp order, the same order they were originally ingested in.
func (s *Store) rowsForWarm(spaceID string) ([]EventRow, error) {
	rows, err := s.db.Query(`
		SELECT event_id, episode_id, ts, band, title, summary, tags,
		       affect_valence, affect_arousal, attachments_meta, salience,
		       redaction_meta, origin, trace_id, tombstoned, tombstone_reason
		FROM events WHERE space_id = ?
		  AND NOT (title = 'tombstone' AND tags = '["tombstone"]')
		ORDER BY ts ASC, event_id ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("episodic: query rows for warm: %w", err)
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

// recover replays any per-space WAL line not yet reflected in the
// database — the crash-recovery pass required by spec §4.7.
func (s *Store) recover(ctx context.Context) error {
	spaces, err := listSpaceWALs(s.rootPath)
	if err != nil {
		return err
	}
	for _, spaceID := range spaces {
		events, err := readSpaceWAL(s.rootPath, spaceID)
		if err != nil {
			return err
		}
		lock := s.lockFor(spaceID)
		lock.Lock()
		for _, e := range events {
			exists, err := s.eventExists(spaceID, e.Meta.EventID)
			if err != nil {
				lock.Unlock()
				return err
			}
			if exists {
				continue
			}
			if _, err := s.ingestLocked(ctx, e); err != nil {
				lock.Unlock()
				return fmt.Errorf("episodic: recover %s/%s: %w", spaceID, e.Meta.EventID, err)
			}
		}
		lock.Unlock()
	}
	return nil
}

func (s *Store) eventExists(spaceID, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE space_id = ? AND event_id = ?`, spaceID, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("episodic: check event exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) insertEventRow(row EventRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return fmt.Errorf("episodic: marshal tags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO events (
			space_id, event_id, episode_id, ts, band, title, summary, tags,
			affect_valence, affect_arousal, attachments_meta, salience,
			redaction_meta, origin, trace_id, tombstoned, tombstone_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
	`,
		row.SpaceID, row.EventID, row.EpisodeID, row.Ts.UnixMilli(), string(row.Band),
		row.Title, row.Summary, string(tags),
		row.Affect.Valence, row.Affect.Arousal, string(row.AttachmentsMeta), row.Salience,
		string(row.RedactionMeta), row.Origin, row.TraceID,
	)
	if err != nil {
		return fmt.Errorf("episodic: insert event row: %w", err)
	}
	return nil
}

func (s *Store) insertSegmentEventLink(spaceID, episodeID, eventID string) error {
	var ord int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM segment_events WHERE space_id = ? AND episode_id = ?`, spaceID, episodeID).Scan(&ord); err != nil {
		return fmt.Errorf("episodic: count segment events: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO segment_events (space_id, episode_id, event_id, ord) VALUES (?, ?, ?, ?)
	`, spaceID, episodeID, eventID, ord)
	if err != nil {
		return fmt.Errorf("episodic: insert segment event link: %w", err)
	}
	return nil
}

func (s *Store) upsertOpenSegment(spaceID, episodeID string, startTs time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO segments (space_id, episode_id, state, start_ts, end_ts, topic_hint, salience, boundary_reason)
		VALUES (?, ?, 'open', ?, ?, '', 0, '[]')
		ON CONFLICT(space_id, episode_id) DO UPDATE SET end_ts = excluded.end_ts
	`, spaceID, episodeID, startTs.UnixMilli(), startTs.UnixMilli())
	if err != nil {
		return fmt.Errorf("episodic: upsert open segment: %w", err)
	}
	return nil
}

func (s *Store) closeSegmentRow(spaceID string, seg *segmentation.Segment) error {
	reasons, err := json.Marshal(seg.BoundaryReason)
	if err != nil {
		return fmt.Errorf("episodic: marshal boundary reasons: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO segments (
			space_id, episode_id, state, start_ts, end_ts, topic_hint, salience,
			affect_start_valence, affect_start_arousal, affect_end_valence, affect_end_arousal,
			boundary_reason
		) VALUES (?, ?, 'closed', ?, ?, '', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, episode_id) DO UPDATE SET
			state = 'closed', end_ts = excluded.end_ts, salience = excluded.salience,
			affect_start_valence = excluded.affect_start_valence,
			affect_start_arousal = excluded.affect_start_arousal,
			affect_end_valence = excluded.affect_end_valence,
			affect_end_arousal = excluded.affect_end_arousal,
			boundary_reason = excluded.boundary_reason
	`,
		spaceID, seg.EpisodeID, seg.StartTs.UnixMilli(), seg.EndTs.UnixMilli(), seg.Salience,
		seg.AffectSpan[0].Valence, seg.AffectSpan[0].Arousal,
		seg.AffectSpan[1].Valence, seg.AffectSpan[1].Arousal,
		string(reasons),
	)
	if err != nil {
		return fmt.Errorf("episodic: close segment row: %w", err)
	}
	return nil
}

func (s *Store) writeTemporalIndex(row EventRow) error {
	keys := temporal.DeriveKeys(row.SpaceID, row.EventID, row.Ts, s.phrases)
	entries := []string{"day=" + keys.Day, "hour=" + keys.Hour, "week=" + keys.Week}
	if keys.Phrase != "" {
		entries = append(entries, "phrase="+keys.Phrase)
	}
	for _, k := range entries {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO temporal_index (space_id, key, event_id) VALUES (?, ?, ?)`, row.SpaceID, k, row.EventID); err != nil {
			return fmt.Errorf("episodic: write temporal index: %w", err)
		}
	}
	return nil
}

func scanEventRow(rows *sql.Rows, spaceID string) (EventRow, error) {
	var (
		row         EventRow
		tsMs        int64
		band        string
		tags        string
		attachments sql.NullString
		redaction   sql.NullString
		tombstoned  int
		tombReason  sql.NullString
	)
	row.SpaceID = spaceID
	if err := rows.Scan(&row.EventID, &row.EpisodeID, &tsMs, &band, &row.Title, &row.Summary, &tags,
		&row.Affect.Valence, &row.Affect.Arousal, &attachments, &row.Salience,
		&redaction, &row.Origin, &row.TraceID, &tombstoned, &tombReason); err != nil {
		return EventRow{}, fmt.Errorf("episodic: scan event row: %w", err)
	}
	row.Ts = time.UnixMilli(tsMs).UTC()
	row.Band = envelope.Band(band)
	_ = json.Unmarshal([]byte(tags), &row.Tags)
	row.AttachmentsMeta = json.RawMessage(attachments.String)
	row.RedactionMeta = json.RawMessage(redaction.String)
	row.Tombstoned = tombstoned != 0
	row.TombstoneReason = tombReason.String
	return row, nil
}
