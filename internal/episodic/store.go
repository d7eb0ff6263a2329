package episodic

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/familyos/cogfabric/internal/segmentation"
	"github.com/familyos/cogfabric/internal/temporal"
)

// Store is the SQLite-backed episodic ledger for all spaces: event
// rows, segment rows, their links, and cross-ref edges (spec §3.6,
// §4.7). One Store instance is shared across spaces; writes to a given
// space are serialized (spec §5 "writes are serialized per space;
// reads are concurrent"), writes to different spaces are independent.
type Store struct {
	db       *sql.DB
	rootPath string
	log      *slog.Logger

	engine   *segmentation.Engine
	phrases  []temporal.PhraseWindow
	halfLife int64 // milliseconds

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	wals   map[string]*spaceWAL
	warmed map[string]bool
}

// Options configures a new Store.
type Options struct {
	RootPath   string
	Segmenter  *segmentation.Engine // required
	Phrases    []temporal.PhraseWindow
	HalfLifeMs int64
	Logger     *slog.Logger
}

// Open creates (or reopens) the episodic store rooted at opts.RootPath,
// migrating the schema and replaying any WAL lines not yet reflected in
// the database (spec §4.7 "on crash, a recovery pass drains unflushed
// WAL lines").
func Open(opts Options) (*Store, error) {
	if opts.RootPath == "" {
		return nil, fmt.Errorf("episodic: root path is required")
	}
	if opts.Segmenter == nil {
		return nil, fmt.Errorf("episodic: segmenter is required")
	}
	dir := filepath.Join(opts.RootPath, ".episodic")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("episodic: create dir %s: %w", dir, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	halfLife := opts.HalfLifeMs
	if halfLife == 0 {
		halfLife = int64(temporal.DefaultHalfLife / 1_000_000)
	}

	dbPath := filepath.Join(dir, "episodic.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("episodic: open database: %w", err)
	}

	s := &Store{
		db:       db,
		rootPath: opts.RootPath,
		log:      log,
		engine:   opts.Segmenter,
		phrases:  opts.Phrases,
		halfLife: halfLife,
		locks:    make(map[string]*sync.Mutex),
		wals:     make(map[string]*spaceWAL),
		warmed:   make(map[string]bool),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("episodic: migrate: %w", err)
	}
	if err := s.recover(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("episodic: recover: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		space_id          TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		episode_id        TEXT NOT NULL,
		ts                INTEGER NOT NULL,
		band              TEXT NOT NULL,
		title             TEXT,
		summary           TEXT,
		tags              TEXT,
		affect_valence    REAL DEFAULT 0,
		affect_arousal    REAL DEFAULT 0,
		attachments_meta  TEXT,
		salience          REAL DEFAULT 0,
		redaction_meta    TEXT,
		origin            TEXT,
		trace_id          TEXT,
		tombstoned        INTEGER NOT NULL DEFAULT 0,
		tombstone_reason  TEXT,
		PRIMARY KEY (space_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_space_ts ON events(space_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_episode ON events(episode_id);

	CREATE TABLE IF NOT EXISTS segments (
		space_id          TEXT NOT NULL,
		episode_id        TEXT NOT NULL,
		state             TEXT NOT NULL,
		start_ts          INTEGER NOT NULL,
		end_ts            INTEGER NOT NULL,
		topic_hint        TEXT,
		salience          REAL DEFAULT 0,
		affect_start_valence REAL DEFAULT 0,
		affect_start_arousal REAL DEFAULT 0,
		affect_end_valence   REAL DEFAULT 0,
		affect_end_arousal   REAL DEFAULT 0,
		boundary_reason   TEXT,
		PRIMARY KEY (space_id, episode_id)
	);
	CREATE INDEX IF NOT EXISTS idx_segments_space_start ON segments(space_id, start_ts);

	CREATE TABLE IF NOT EXISTS segment_events (
		space_id   TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		event_id   TEXT NOT NULL,
		ord        INTEGER NOT NULL,
		PRIMARY KEY (space_id, episode_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_segment_events_episode_ord ON segment_events(episode_id, ord);

	CREATE TABLE IF NOT EXISTS links (
		space_id TEXT NOT NULL,
		link_id  TEXT NOT NULL,
		src_kind TEXT NOT NULL,
		src_id   TEXT NOT NULL,
		dst_kind TEXT NOT NULL,
		dst_id   TEXT NOT NULL,
		rel      TEXT NOT NULL,
		PRIMARY KEY (space_id, link_id)
	);

	CREATE TABLE IF NOT EXISTS temporal_index (
		space_id TEXT NOT NULL,
		key      TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (space_id, key, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_temporal_key ON temporal_index(space_id, key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close flushes and closes every open per-space WAL and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, w := range s.wals {
		if err := w.Close(); err != nil {
			s.log.Error("episodic: close space wal failed", "error", err)
		}
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) lockFor(spaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[spaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[spaceID] = l
	}
	return l
}

func (s *Store) walFor(spaceID string) (*spaceWAL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wals[spaceID]; ok {
		return w, nil
	}
	w, err := openSpaceWAL(s.rootPath, spaceID)
	if err != nil {
		return nil, err
	}
	s.wals[spaceID] = w
	return w, nil
}
