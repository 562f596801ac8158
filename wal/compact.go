package wal

// Compact retains only the latest write per path and any trailing delete
// for that path, exactly as spec.md §4.1 describes for idempotent paths.
// It is a pure function over an already-replayed entry slice, independently
// testable without touching disk, mirroring the teacher's standalone
// core/rawdb ancient-store utilities (ancient_utils.go).
func Compact(entries []Entry) []Entry {
	latest := make(map[string]Entry, len(entries))
	order := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Operation != OpWrite && e.Operation != OpDelete {
			continue
		}
		latest[e.Path] = e
		order[e.Path] = i
	}

	type indexed struct {
		idx int
		e   Entry
	}
	out := make([]indexed, 0, len(latest))
	for path, e := range latest {
		out = append(out, indexed{idx: order[path], e: e})
	}
	// Stable ascending order by original position (== ascending Seq, since
	// entries arrive in sequence order).
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].idx > out[j].idx {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	result := make([]Entry, len(out))
	for i, x := range out {
		result[i] = x.e
	}
	return result
}

// retirableSegments implements the spec.md §4.1 "cleanup_started" retirement
// list: a sealed segment is safe to retire once none of its entries are the
// latest write or delete for their path anywhere in the log, mirroring the
// per-path retention Compact already computes but applied at the segment
// granularity rotation needs. segs must be supplied oldest-first, excluding
// the newly-opened active segment (which never has entries to retire and is
// never itself a retirement candidate).
func retirableSegments(segs []segmentEntries) []int {
	latestSeg := make(map[string]int, len(segs))
	for _, s := range segs {
		for _, e := range s.entries {
			if e.Operation != OpWrite && e.Operation != OpDelete {
				continue
			}
			latestSeg[e.Path] = s.idx
		}
	}
	var out []int
	for _, s := range segs {
		retirable := true
		for _, e := range s.entries {
			if e.Operation != OpWrite && e.Operation != OpDelete {
				continue
			}
			if latestSeg[e.Path] == s.idx {
				retirable = false
				break
			}
		}
		if retirable {
			out = append(out, s.idx)
		}
	}
	return out
}

// segmentEntries pairs a segment index with its decoded entries, the unit
// retirableSegments reasons over.
type segmentEntries struct {
	idx     int
	entries []Entry
}
