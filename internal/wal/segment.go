// Package wal implements the append-only, JSONL write-ahead log that
// backs each bus topic: segment files with rotation, atomic per-line
// appends, and crash-tail recovery (spec §4.2, §6.1).
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// segmentPattern matches "<topic>.<seq:08>.jsonl" file names.
var segmentPattern = regexp.MustCompile(`^(.+)\.(\d{8})\.jsonl$`)

// segmentPath returns the path for segment seq of topic under dir.
func segmentPath(dir, topic string, seq uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%08d.jsonl", topic, seq))
}

// listSegments returns the sequence numbers of all existing segments
// for topic under dir, sorted ascending. Missing dir is not an error;
// it yields an empty list.
func listSegments(dir, topic string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments for %s: %w", topic, err)
	}

	var seqs []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentPattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != topic {
			continue
		}
		n, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		seqs = append(seqs, uint32(n))
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}
