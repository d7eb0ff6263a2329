package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
)

// FsyncPolicy controls when a writer durably flushes to disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncInterval FsyncPolicy = "interval"
	FsyncNever    FsyncPolicy = "never"
)

const (
	defaultRotationBytes = 64 * 1024 * 1024 // 64 MiB
	defaultRotationLines = 100_000
)

// Record is a single WAL line: an offset plus the envelope it carries
// (spec §3.2). Offsets are monotonic and unique within a topic.
type Record struct {
	Offset  uint64             `json:"offset"`
	Meta    envelope.EventMeta `json:"meta"`
	Payload json.RawMessage    `json:"payload"`
}

// WriterConfig configures a topic's WAL writer.
type WriterConfig struct {
	RootPath      string
	Topic         string
	Fsync         FsyncPolicy
	FsyncInterval time.Duration // used when Fsync == FsyncInterval
	RotationBytes int64
	RotationLines int
	Logger        *slog.Logger
}

// Writer is the single writer for one topic's WAL. The bus holds
// exactly one Writer per topic, enforced by an exclusive file handle
// on the active segment (spec §5).
type Writer struct {
	mu sync.Mutex

	dir           string
	topic         string
	fsync         FsyncPolicy
	fsyncInterval time.Duration
	rotBytes      int64
	rotLines      int
	log           *slog.Logger

	seq          uint32
	file         *os.File
	bytesWritten int64
	linesWritten int
	nextOffset   uint64
	lastFsync    time.Time
}

// OpenWriter opens (or creates) the active segment for cfg.Topic,
// recovering from any crash-truncated tail before accepting writes.
func OpenWriter(cfg WriterConfig) (*Writer, error) {
	dir := walDir(cfg.RootPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}

	fsync := cfg.Fsync
	if fsync == "" {
		fsync = FsyncAlways
	}
	rotBytes := cfg.RotationBytes
	if rotBytes == 0 {
		rotBytes = defaultRotationBytes
	}
	rotLines := cfg.RotationLines
	if rotLines == 0 {
		rotLines = defaultRotationLines
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		dir:           dir,
		topic:         cfg.Topic,
		fsync:         fsync,
		fsyncInterval: cfg.FsyncInterval,
		rotBytes:      rotBytes,
		rotLines:      rotLines,
		log:           log,
	}

	if err := w.openOrRecover(); err != nil {
		return nil, err
	}
	return w, nil
}

// openOrRecover finds the latest segment for the topic (creating segment
// 0 if none exists), truncates any corrupted tail line, and positions
// the writer to append after the last valid record.
func (w *Writer) openOrRecover() error {
	seqs, err := listSegments(w.dir, w.topic)
	if err != nil {
		return err
	}

	seq := uint32(0)
	if len(seqs) > 0 {
		seq = seqs[len(seqs)-1]
	}
	path := segmentPath(w.dir, w.topic, seq)

	maxOffset, validBytes, lines, err := recoverTail(path, w.log)
	if err != nil {
		return err
	}
	if lines == 0 && len(seqs) > 1 {
		// The newest segment holds no valid record: continue numbering
		// after the last record of the sealed segment before it.
		prevMax, _, _, err := recoverTail(segmentPath(w.dir, w.topic, seqs[len(seqs)-2]), w.log)
		if err != nil {
			return err
		}
		maxOffset = prevMax
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	if err := f.Truncate(validBytes); err != nil {
		f.Close()
		return fmt.Errorf("wal: truncate segment %s: %w", path, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return fmt.Errorf("wal: seek segment %s: %w", path, err)
	}

	w.seq = seq
	w.file = f
	w.bytesWritten = validBytes
	w.linesWritten = lines
	w.nextOffset = maxOffset + 1
	w.lastFsync = time.Now()
	return nil
}

// recoverTail scans path line-by-line, returning the highest offset
// seen, the byte length of the valid prefix, and the count of valid
// lines. A malformed or incomplete final line is dropped silently from
// the returned length (the caller truncates to it) and logged — this
// is the non-fatal tail-corruption recovery required by spec §4.2.
// A missing file is not an error; it yields zeros.
func recoverTail(path string, log *slog.Logger) (maxOffset uint64, validBytes int64, lines int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("wal: open segment for recovery %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
			log.Warn("wal: truncating corrupt tail line", "path", path, "byte_offset", offset)
			break
		}
		offset += int64(len(line)) + 1 // +1 for the newline
		if rec.Offset > maxOffset || lines == 0 {
			maxOffset = rec.Offset
		}
		lines++
		validBytes = offset
	}
	if scanErr := scanner.Err(); scanErr != nil && !errors.Is(scanErr, bufio.ErrTooLong) {
		return 0, 0, 0, fmt.Errorf("wal: scan segment %s: %w", path, scanErr)
	}
	return maxOffset, validBytes, lines, nil
}

// Append writes one record to the active segment, rotating first if
// the write would exceed the configured byte or line limits, and
// fsyncing per the configured policy. It returns the committed offset.
func (w *Writer) Append(meta envelope.EventMeta, payload json.RawMessage) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := w.nextOffset
	rec := Record{Offset: offset, Meta: meta, Payload: payload}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal record: %w", err)
	}
	line = append(line, '\n')

	if w.linesWritten > 0 && (w.bytesWritten+int64(len(line)) > w.rotBytes || w.linesWritten >= w.rotLines) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(line)
	if err != nil {
		return 0, fmt.Errorf("wal: write segment %d: %w", w.seq, err)
	}
	w.bytesWritten += int64(n)
	w.linesWritten++
	w.nextOffset++

	if w.shouldSync() {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync segment %d: %w", w.seq, err)
		}
		w.lastFsync = time.Now()
	}

	return offset, nil
}

func (w *Writer) shouldSync() bool {
	switch w.fsync {
	case FsyncAlways:
		return true
	case FsyncInterval:
		return time.Since(w.lastFsync) >= w.fsyncInterval
	default: // FsyncNever
		return false
	}
}

// rotate seals the current segment and opens the next one. Segment
// sequence numbers only ever increment; sealed segments are never
// renumbered (spec §6.1).
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w", w.seq, err)
	}
	w.seq++
	path := segmentPath(w.dir, w.topic, w.seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", w.seq, err)
	}
	w.file = f
	w.bytesWritten = 0
	w.linesWritten = 0
	w.log.Info("wal: segment rotated", "topic", w.topic, "seq", w.seq)
	return nil
}

// MaxOffset returns the offset of the most recently appended record,
// counting records recovered from disk when the writer opened, or 0 if
// the topic's log holds no record yet.
func (w *Writer) MaxOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextOffset == 0 {
		return 0
	}
	return w.nextOffset - 1
}

// Close flushes and closes the active segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: final sync segment %d: %w", w.seq, err)
	}
	return w.file.Close()
}

func walDir(root string) string {
	return filepath.Join(root, ".bus", "wal")
}
