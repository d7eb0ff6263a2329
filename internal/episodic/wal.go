package episodic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/familyos/cogfabric/internal/envelope"
)

// spaceWAL is the per-space append-only crash-safety log ingest writes
// to before the event row is visible to readers (spec §4.7 invariant:
// "WAL append must fsync before the row is visible to readers"). It is
// the same JSONL-plus-fsync-on-every-write shape as the dead-letter
// writer, scaled down to one file per space instead of one per topic.
type spaceWAL struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func walDir(rootPath string) string {
	return filepath.Join(rootPath, ".episodic", "wal")
}

func openSpaceWAL(rootPath, spaceID string) (*spaceWAL, error) {
	dir := walDir(rootPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("episodic: create wal dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, spaceID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("episodic: open space wal %s: %w", path, err)
	}
	return &spaceWAL{path: path, file: f}, nil
}

func (w *spaceWAL) Append(e envelope.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("episodic: marshal wal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("episodic: write wal %s: %w", w.path, err)
	}
	return w.file.Sync()
}

func (w *spaceWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// listSpaceWALs returns the space IDs with an on-disk WAL file under
// rootPath, for the crash-recovery pass run at store startup.
func listSpaceWALs(rootPath string) ([]string, error) {
	dir := walDir(rootPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("episodic: list wal dir %s: %w", dir, err)
	}
	var spaces []string
	for _, ent := range entries {
		name := ent.Name()
		const suffix = ".jsonl"
		if ent.IsDir() || len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		spaces = append(spaces, name[:len(name)-len(suffix)])
	}
	return spaces, nil
}

// readSpaceWAL decodes every record in a space's WAL file in order,
// skipping (and stopping at) a truncated final line the way the bus
// WAL's recovery pass does.
func readSpaceWAL(rootPath, spaceID string) ([]envelope.Event, error) {
	path := filepath.Join(walDir(rootPath), spaceID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("episodic: open wal %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []envelope.Event
	for scanner.Scan() {
		var e envelope.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			break
		}
		events = append(events, e)
	}
	return events, nil
}
