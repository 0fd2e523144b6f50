// Package merger implements the schemaful merging readers:
// they fan out across every store that might hold a key or range and
// collapse the per-column versions into one MVCC-consistent row.
package merger

import (
	"sort"

	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Source is anything the merging readers can pull raw column versions
// from: a sorted dynamic store or a persistent chunk store.
type Source interface {
	Keys(lower, upper tablet.Key) []tablet.Key
	RawVersions(key tablet.Key) (map[int][]dynamicstore.ColumnVersion, []tablet.Timestamp, bool)
}

// DefaultMaxReadFanIn is the MaxReadFanIn used when a reader is built
// with a non-positive bound: how many stores a single read may fan out
// across before failing with ReadFanInExceeded.
const DefaultMaxReadFanIn = 64

// RowMerger implements the schemaful row merger: given the raw,
// unfiltered versions from every source for one key, it keeps the
// latest write timestamp ≤ T for each column and discards values
// shadowed by a later delete.
type RowMerger struct {
	MaxReadFanIn int
}

func NewRowMerger(maxFanIn int) *RowMerger {
	if maxFanIn <= 0 {
		maxFanIn = DefaultMaxReadFanIn
	}
	return &RowMerger{MaxReadFanIn: maxFanIn}
}

// MergeAt produces the row visible at ts by combining raw versions
// from every source; every column present in any source is included.
// ok is false when sources exceed MaxReadFanIn or nothing is visible.
func (m *RowMerger) MergeAt(key tablet.Key, ts tablet.Timestamp, sources []Source) (tablet.Row, bool) {
	if len(sources) > m.MaxReadFanIn {
		return tablet.Row{}, false
	}

	values := make(map[int][]dynamicstore.ColumnVersion)
	var deletes []tablet.Timestamp
	found := false
	for _, src := range sources {
		vs, ds, ok := src.RawVersions(key)
		if !ok {
			continue
		}
		found = true
		for col, versions := range vs {
			values[col] = append(values[col], versions...)
		}
		deletes = append(deletes, ds...)
	}
	if !found {
		return tablet.Row{}, false
	}

	out := tablet.Row{Key: key, Values: make(map[int]tablet.Value)}
	any := false
	for col, versions := range values {
		best, ok := latestAtOrBefore(versions, ts)
		if !ok {
			continue
		}
		if shadowedByDelete(deletes, best.Timestamp, ts) {
			continue
		}
		out.Values[col] = best.Value
		any = true
	}
	if !any {
		return tablet.Row{}, false
	}
	return out, true
}

func latestAtOrBefore(versions []dynamicstore.ColumnVersion, ts tablet.Timestamp) (dynamicstore.ColumnVersion, bool) {
	var best dynamicstore.ColumnVersion
	found := false
	for _, v := range versions {
		if v.Timestamp <= ts && (!found || v.Timestamp > best.Timestamp) {
			best = v
			found = true
		}
	}
	return best, found
}

// shadowedByDelete reports whether some delete in (writeTS, ts] exists.
func shadowedByDelete(deletes []tablet.Timestamp, writeTS, ts tablet.Timestamp) bool {
	for _, d := range deletes {
		if d > writeTS && d <= ts {
			return true
		}
	}
	return false
}

// RangeReader is the sorted range reader: collects the
// union of Eden ∪ intersecting partitions (including active/passive
// dynamic stores), fails with ReadFanInExceeded if the fan-in is too
// large, and merges row-by-row.
type RangeReader struct {
	merger *RowMerger
}

func NewRangeReader(maxFanIn int) *RangeReader {
	return &RangeReader{merger: NewRowMerger(maxFanIn)}
}

// Read streams every visible row in [lower, upper) at ts, in key
// order, to fn until fn returns false or the range is exhausted.
func (r *RangeReader) Read(lower, upper tablet.Key, ts tablet.Timestamp, sources []Source, fn func(tablet.Row) bool) error {
	if len(sources) > r.merger.MaxReadFanIn {
		return tablet.NewError(tablet.CodeReadFanInExceeded, "range read exceeds max read fan-in")
	}

	keySet := make(map[string]tablet.Key)
	for _, src := range sources {
		for _, k := range src.Keys(lower, upper) {
			keySet[string(k)] = k
		}
	}
	keys := make([]tablet.Key, 0, len(keySet))
	for _, k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return tablet.Less(keys[i], keys[j]) })

	for _, k := range keys {
		row, ok := r.merger.MergeAt(k, ts, sources)
		if !ok {
			continue
		}
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// LookupReader is the sorted lookup reader: issues one
// read per key against every source, yielding one output row (or none,
// per keepMissingRows) per input key.
type LookupReader struct {
	merger          *RowMerger
	keepMissingRows bool
}

func NewLookupReader(maxFanIn int, keepMissingRows bool) *LookupReader {
	return &LookupReader{merger: NewRowMerger(maxFanIn), keepMissingRows: keepMissingRows}
}

func (r *LookupReader) Lookup(keys []tablet.Key, ts tablet.Timestamp, sources []Source) ([]tablet.Row, error) {
	if len(sources) > r.merger.MaxReadFanIn {
		return nil, tablet.NewError(tablet.CodeReadFanInExceeded, "lookup read exceeds max read fan-in")
	}
	out := make([]tablet.Row, 0, len(keys))
	for _, k := range keys {
		row, ok := r.merger.MergeAt(k, ts, sources)
		if !ok {
			if r.keepMissingRows {
				out = append(out, tablet.Row{Key: k})
			}
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// VersionedRow is one cell's full version history as surfaced by
// VersionedReader, bounded below by MajorTimestamp.
type VersionedRow struct {
	Key     tablet.Key
	Columns map[int][]dynamicstore.ColumnVersion
	Deletes []tablet.Timestamp
}

// VersionedReader returns all versions of each cell, used by
// compaction. Of the versions strictly older than MajorTimestamp only
// the newest per column is kept; delete timestamps are passed through
// unpruned and do not affect which versions are kept. Any consumer
// that might still need an intermediate version is guaranteed to only
// need versions ≥ MajorTimestamp.
type VersionedReader struct {
	MajorTimestamp tablet.Timestamp
}

func (r *VersionedReader) Read(lower, upper tablet.Key, sources []Source, fn func(VersionedRow) bool) {
	keySet := make(map[string]tablet.Key)
	for _, src := range sources {
		for _, k := range src.Keys(lower, upper) {
			keySet[string(k)] = k
		}
	}
	keys := make([]tablet.Key, 0, len(keySet))
	for _, k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return tablet.Less(keys[i], keys[j]) })

	for _, k := range keys {
		vr := VersionedRow{Key: k, Columns: make(map[int][]dynamicstore.ColumnVersion)}
		found := false
		for _, src := range sources {
			vs, ds, ok := src.RawVersions(k)
			if !ok {
				continue
			}
			found = true
			for col, versions := range vs {
				vr.Columns[col] = append(vr.Columns[col], versions...)
			}
			vr.Deletes = append(vr.Deletes, ds...)
		}
		if !found {
			continue
		}
		for col, versions := range vr.Columns {
			vr.Columns[col] = pruneBelowMajor(versions, r.MajorTimestamp)
		}
		if !fn(vr) {
			return
		}
	}
}

// pruneBelowMajor keeps every version ≥ major, plus the single newest
// version below major (it may still be the visible version for a
// reader sitting just above major).
func pruneBelowMajor(versions []dynamicstore.ColumnVersion, major tablet.Timestamp) []dynamicstore.ColumnVersion {
	sort.Slice(versions, func(i, j int) bool { return versions[i].Timestamp > versions[j].Timestamp })
	var kept []dynamicstore.ColumnVersion
	keptOneBelow := false
	for _, v := range versions {
		if v.Timestamp >= major {
			kept = append(kept, v)
			continue
		}
		if !keptOneBelow {
			kept = append(kept, v)
			keptOneBelow = true
		}
	}
	return kept
}
