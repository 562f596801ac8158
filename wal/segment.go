package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// segmentFileName returns the on-disk name for segment index idx. Segments
// are totally ordered by this index (spec.md §3 "WAL segment").
func segmentFileName(idx int) string {
	return fmt.Sprintf("wal-%08d.log", idx)
}

func segmentPath(dir string, idx int) string {
	return filepath.Join(dir, segmentFileName(idx))
}

// listSegments returns segment indices present in dir, ascending.
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var idxs []int
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "wal-%08d.log", &idx); err == nil {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	return idxs, nil
}

// segment wraps an open, append-only WAL file.
type segment struct {
	idx  int
	path string
	f    *os.File
	w    *bufio.Writer
	size int64
}

func createSegment(dir string, idx int) (*segment, error) {
	path := segmentPath(dir, idx)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segment{idx: idx, path: path, f: f, w: bufio.NewWriter(f), size: info.Size()}, nil
}

func (s *segment) append(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.size += int64(len(line))
	return nil
}

func (s *segment) close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// readSegmentEntries reads every line of the segment at path, tolerating a
// truncated trailing line (interpreted as a crash mid-write) and malformed
// checksums (skipped with a warning upstream, not here).
func readSegmentEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := unmarshalLine(line)
		if err != nil {
			// Malformed line: reported to the caller via a sentinel entry
			// with empty ID so replay can count it without aborting.
			out = append(out, Entry{})
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
