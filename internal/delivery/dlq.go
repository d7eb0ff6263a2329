package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/familyos/cogfabric/internal/envelope"
)

// Record is one dead-lettered event (spec §3.4 Dead-letter record): an
// event that exhausted its retry budget on a subscription, recorded
// with its full retry history so an operator can inspect or replay it.
type Record struct {
	Topic          string         `json:"topic"`
	OriginalOffset uint64         `json:"original_offset"`
	Event          envelope.Event `json:"event"`
	FirstErrorTs   int64          `json:"first_error_ts"`
	LastErrorTs    int64          `json:"last_error_ts"`
	Retries        int            `json:"retries"`
	FinalError     string         `json:"final_error"`
}

// Writer appends dead-letter records to <topic>.dlq.jsonl, fsyncing
// every write — a DLQ append must outlive the process that wrote it,
// and these are rare enough that per-write fsync costs nothing.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenWriter opens (creating if needed) the DLQ file for topic under
// rootPath/dlq/.
func OpenWriter(rootPath, topic string) (*Writer, error) {
	dir := filepath.Join(rootPath, "dlq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, topic+".dlq.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", path, err)
	}
	return &Writer{path: path, file: f}, nil
}

// Append writes rec as one JSON line and fsyncs before returning.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq: marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("dlq: write %s: %w", w.path, err)
	}
	return w.file.Sync()
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
