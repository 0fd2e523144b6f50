package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// fakeSource is an in-memory Source/OrderedSource stand-in for testing
// the merging readers without a real dynamicstore/chunkstore backend.
type fakeSource struct {
	rows    map[string]map[int][]dynamicstore.ColumnVersion
	deletes map[string][]tablet.Timestamp
	keys    []tablet.Key

	startRow uint64
	rowCount uint64
	values   map[uint64]map[int]tablet.Value
}

func (f *fakeSource) Keys(lower, upper tablet.Key) []tablet.Key {
	var out []tablet.Key
	for _, k := range f.keys {
		if lower != nil && tablet.Less(k, lower) {
			continue
		}
		if upper != nil && !tablet.Less(k, upper) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (f *fakeSource) RawVersions(key tablet.Key) (map[int][]dynamicstore.ColumnVersion, []tablet.Timestamp, bool) {
	vs, ok := f.rows[string(key)]
	if !ok {
		return nil, nil, false
	}
	return vs, f.deletes[string(key)], true
}

func (f *fakeSource) StartingRowIndex() uint64 { return f.startRow }
func (f *fakeSource) RowCount() uint64         { return f.rowCount }
func (f *fakeSource) RangeAt(lower, upper, trimmedRowCount uint64, fn func(index uint64, values map[int]tablet.Value) bool) {
	for i := lower; i < upper; i++ {
		if i < trimmedRowCount {
			continue
		}
		v, ok := f.values[i]
		if !ok {
			continue
		}
		if !fn(i, v) {
			return
		}
	}
}

func TestRowMergerPicksLatestVersionAtOrBeforeTimestamp(t *testing.T) {
	src := &fakeSource{
		keys: []tablet.Key{tablet.Key("row1")},
		rows: map[string]map[int][]dynamicstore.ColumnVersion{
			"row1": {
				1: {
					{Value: int64(1), Timestamp: 5},
					{Value: int64(2), Timestamp: 15},
				},
			},
		},
	}

	m := NewRowMerger(0)
	row, ok := m.MergeAt(tablet.Key("row1"), tablet.Timestamp(10), []Source{src})
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Values[1])

	row, ok = m.MergeAt(tablet.Key("row1"), tablet.Timestamp(20), []Source{src})
	require.True(t, ok)
	assert.Equal(t, int64(2), row.Values[1])
}

func TestRowMergerShadowsValueBehindDelete(t *testing.T) {
	src := &fakeSource{
		keys: []tablet.Key{tablet.Key("row1")},
		rows: map[string]map[int][]dynamicstore.ColumnVersion{
			"row1": {1: {{Value: int64(1), Timestamp: 5}}},
		},
		deletes: map[string][]tablet.Timestamp{"row1": {10}},
	}

	m := NewRowMerger(0)
	_, ok := m.MergeAt(tablet.Key("row1"), tablet.Timestamp(20), []Source{src})
	assert.False(t, ok, "a delete after the write and at/before ts must shadow the value")

	row, ok := m.MergeAt(tablet.Key("row1"), tablet.Timestamp(7), []Source{src})
	require.True(t, ok, "the read is before the delete and must still see the value")
	assert.Equal(t, int64(1), row.Values[1])
}

func TestRowMergerMergesAcrossMultipleSources(t *testing.T) {
	srcA := &fakeSource{keys: []tablet.Key{tablet.Key("row1")}, rows: map[string]map[int][]dynamicstore.ColumnVersion{
		"row1": {1: {{Value: int64(1), Timestamp: 5}}},
	}}
	srcB := &fakeSource{keys: []tablet.Key{tablet.Key("row1")}, rows: map[string]map[int][]dynamicstore.ColumnVersion{
		"row1": {2: {{Value: "hello", Timestamp: 6}}},
	}}

	m := NewRowMerger(0)
	row, ok := m.MergeAt(tablet.Key("row1"), tablet.Timestamp(10), []Source{srcA, srcB})
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Values[1])
	assert.Equal(t, "hello", row.Values[2])
}

func TestRowMergerFailsFanInOverLimit(t *testing.T) {
	m := NewRowMerger(1)
	_, ok := m.MergeAt(tablet.Key("row1"), tablet.Timestamp(10), []Source{&fakeSource{}, &fakeSource{}})
	assert.False(t, ok)
}

func TestRangeReaderOrdersAndRejectsExcessFanIn(t *testing.T) {
	src := &fakeSource{
		keys: []tablet.Key{tablet.Key("c"), tablet.Key("a"), tablet.Key("b")},
		rows: map[string]map[int][]dynamicstore.ColumnVersion{
			"a": {1: {{Value: int64(1), Timestamp: 1}}},
			"b": {1: {{Value: int64(2), Timestamp: 1}}},
			"c": {1: {{Value: int64(3), Timestamp: 1}}},
		},
	}
	r := NewRangeReader(0)
	var seen []string
	err := r.Read(nil, nil, tablet.Timestamp(5), []Source{src}, func(row tablet.Row) bool {
		seen = append(seen, string(row.Key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	small := NewRangeReader(1)
	err = small.Read(nil, nil, tablet.Timestamp(5), []Source{src, src}, func(tablet.Row) bool { return true })
	assert.Equal(t, tablet.CodeReadFanInExceeded, tablet.CodeOf(err))
}

func TestLookupReaderKeepMissingRows(t *testing.T) {
	src := &fakeSource{
		keys: []tablet.Key{tablet.Key("a")},
		rows: map[string]map[int][]dynamicstore.ColumnVersion{
			"a": {1: {{Value: int64(1), Timestamp: 1}}},
		},
	}

	withMissing := NewLookupReader(0, true)
	rows, err := withMissing.Lookup([]tablet.Key{tablet.Key("a"), tablet.Key("missing")}, tablet.Timestamp(5), []Source{src})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, tablet.Key("missing"), rows[1].Key)
	assert.Nil(t, rows[1].Values)

	withoutMissing := NewLookupReader(0, false)
	rows, err = withoutMissing.Lookup([]tablet.Key{tablet.Key("a"), tablet.Key("missing")}, tablet.Timestamp(5), []Source{src})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestVersionedReaderPrunesBelowMajorTimestamp(t *testing.T) {
	src := &fakeSource{
		keys: []tablet.Key{tablet.Key("a")},
		rows: map[string]map[int][]dynamicstore.ColumnVersion{
			"a": {1: {
				{Value: int64(1), Timestamp: 1},
				{Value: int64(2), Timestamp: 5},
				{Value: int64(3), Timestamp: 10},
				{Value: int64(4), Timestamp: 20},
			}},
		},
	}

	r := &VersionedReader{MajorTimestamp: tablet.Timestamp(10)}
	var got VersionedRow
	r.Read(nil, nil, []Source{src}, func(vr VersionedRow) bool {
		got = vr
		return true
	})
	// Kept: everything >= 10 (ts 10, 20), plus the single newest below 10 (ts 5).
	require.Len(t, got.Columns[1], 3)
	var timestamps []tablet.Timestamp
	for _, v := range got.Columns[1] {
		timestamps = append(timestamps, v.Timestamp)
	}
	assert.ElementsMatch(t, []tablet.Timestamp{5, 10, 20}, timestamps)
}

func TestOrderedReaderConcatenatesStoresByStartingRowIndex(t *testing.T) {
	second := &fakeSource{startRow: 5, rowCount: 5, values: map[uint64]map[int]tablet.Value{
		5: {1: "e"}, 6: {1: "f"},
	}}
	first := &fakeSource{startRow: 0, rowCount: 5, values: map[uint64]map[int]tablet.Value{
		0: {1: "a"}, 1: {1: "b"},
	}}

	var indexes []uint64
	OrderedReader{}.Read(0, 7, 0, []OrderedSource{second, first}, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{0, 1, 5, 6}, indexes)
}

func TestOrderedReaderRespectsTrimmedRowCount(t *testing.T) {
	src := &fakeSource{startRow: 0, rowCount: 10, values: map[uint64]map[int]tablet.Value{
		0: {1: "a"}, 3: {1: "d"}, 5: {1: "f"},
	}}
	var indexes []uint64
	OrderedReader{}.Read(0, 10, 4, []OrderedSource{src}, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{5}, indexes)
}
