package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoMoreRecords is returned by Reader.Next when the topic has no
// further records past the reader's current position. Callers should
// poll again later; it is not a terminal error.
var ErrNoMoreRecords = errors.New("wal: no more records")

// Reader is a restartable, lazy iterator over a topic's records,
// starting at a given offset and transparently crossing segment
// boundaries (spec §9 "Generators/iterators for WAL reading").
// A Reader is not safe for concurrent use.
type Reader struct {
	dir   string
	topic string

	seqs []uint32
	pos  int // index into seqs of the currently open segment

	file    *os.File
	scanner *bufio.Scanner

	fromOffset uint64
	started    bool
}

// OpenReader creates a reader positioned to yield the first record
// whose offset is >= fromOffset. Readers open segments read-only and
// tolerate a concurrent writer appending to the active segment.
func OpenReader(rootPath, topic string, fromOffset uint64) (*Reader, error) {
	dir := walDir(rootPath)
	seqs, err := listSegments(dir, topic)
	if err != nil {
		return nil, err
	}
	return &Reader{
		dir:        dir,
		topic:      topic,
		seqs:       seqs,
		pos:        -1,
		fromOffset: fromOffset,
	}, nil
}

// Next returns the next record in offset order, or ErrNoMoreRecords if
// the reader has caught up to the writer. Call Next again later to
// resume once more records have been appended (it re-scans for new
// segments as needed).
func (r *Reader) Next() (*Record, error) {
	for {
		if r.scanner == nil {
			if err := r.openNextSegment(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil, ErrNoMoreRecords
				}
				return nil, err
			}
		}

		if r.scanner.Scan() {
			line := r.scanner.Bytes()
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("wal: decode record in segment %d: %w", r.seqs[r.pos], err)
			}
			if rec.Offset < r.fromOffset {
				continue
			}
			return &rec, nil
		}
		if err := r.scanner.Err(); err != nil {
			return nil, fmt.Errorf("wal: scan segment %d: %w", r.seqs[r.pos], err)
		}

		// Exhausted this segment. If it's the last known segment, check
		// whether a newer one has appeared (writer rotated since we last
		// listed) before giving up.
		r.closeCurrent()
		if r.pos == len(r.seqs)-1 {
			fresh, err := listSegments(r.dir, r.topic)
			if err != nil {
				return nil, err
			}
			if len(fresh) <= len(r.seqs) {
				return nil, ErrNoMoreRecords
			}
			r.seqs = fresh
		}
	}
}

func (r *Reader) openNextSegment() error {
	if r.pos+1 >= len(r.seqs) {
		fresh, err := listSegments(r.dir, r.topic)
		if err != nil {
			return err
		}
		r.seqs = fresh
		if r.pos+1 >= len(r.seqs) {
			return io.EOF
		}
	}
	r.pos++
	path := segmentPath(r.dir, r.topic, r.seqs[r.pos])
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	r.file = f
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	r.scanner = sc
	return nil
}

func (r *Reader) closeCurrent() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.scanner = nil
}

// Close releases the reader's open file handle, if any.
func (r *Reader) Close() error {
	r.closeCurrent()
	return nil
}

// CurrentSegment returns the sequence number of the segment the most
// recent Next() call read from. Callers use this to pair an acked
// offset with the segment it lives in for offset commit records.
func (r *Reader) CurrentSegment() uint32 {
	if r.pos < 0 || r.pos >= len(r.seqs) {
		return 0
	}
	return r.seqs[r.pos]
}
