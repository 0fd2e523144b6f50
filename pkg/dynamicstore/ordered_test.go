package dynamicstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

func TestOrderedStoreApplyTransactionAssignsContiguousIndexes(t *testing.T) {
	s := NewOrderedStore("o1", 0)

	first, count := s.ApplyTransaction([]CommitBatch{
		{Signature: 1, Rows: []tablet.WriteRow{
			{Columns: map[int]tablet.Value{1: "x"}},
			{Columns: map[int]tablet.Value{1: "y"}},
		}},
	})
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, uint64(2), s.RowCount())
	assert.Equal(t, uint64(2), s.Meta.RowCount)
}

func TestOrderedStoreApplyTransactionOrdersBatchesBySignature(t *testing.T) {
	s := NewOrderedStore("o1", 0)

	s.ApplyTransaction([]CommitBatch{
		{Signature: 2, Rows: []tablet.WriteRow{{Columns: map[int]tablet.Value{1: "second"}}}},
		{Signature: 1, Rows: []tablet.WriteRow{{Columns: map[int]tablet.Value{1: "first"}}}},
	})

	var values []tablet.Value
	s.RangeAt(0, 2, 0, func(index uint64, vals map[int]tablet.Value) bool {
		values = append(values, vals[1])
		return true
	})
	assert.Equal(t, []tablet.Value{"first", "second"}, values, "batches must be applied in signature order regardless of arrival order")
}

func TestOrderedStoreRangeAtRespectsBoundsAndTrim(t *testing.T) {
	s := NewOrderedStore("o1", 10)
	s.ApplyTransaction([]CommitBatch{
		{Signature: 1, Rows: []tablet.WriteRow{
			{Columns: map[int]tablet.Value{1: int64(0)}},
			{Columns: map[int]tablet.Value{1: int64(1)}},
			{Columns: map[int]tablet.Value{1: int64(2)}},
		}},
	})

	var indexes []uint64
	s.RangeAt(11, 13, 0, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{11, 12}, indexes)

	indexes = nil
	s.RangeAt(10, 13, 12, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{12}, indexes, "rows below the trimmed row count must not be returned")
}

func TestOrderedStoreRangeAtStopsWhenCallbackReturnsFalse(t *testing.T) {
	s := NewOrderedStore("o1", 0)
	s.ApplyTransaction([]CommitBatch{
		{Signature: 1, Rows: []tablet.WriteRow{
			{Columns: map[int]tablet.Value{1: int64(0)}},
			{Columns: map[int]tablet.Value{1: int64(1)}},
			{Columns: map[int]tablet.Value{1: int64(2)}},
		}},
	})

	var seen int
	s.RangeAt(0, 3, 0, func(index uint64, values map[int]tablet.Value) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestOrderedStoreRotateToPassiveRejectsEmptyStore(t *testing.T) {
	s := NewOrderedStore("o1", 0)
	err := s.RotateToPassive()
	assert.Equal(t, tablet.CodeInvalidState, tablet.CodeOf(err))
}

func TestOrderedStoreRotateToPassiveCapturesWatermark(t *testing.T) {
	s := NewOrderedStore("o1", 0)
	s.ApplyTransaction([]CommitBatch{
		{Signature: 1, Rows: []tablet.WriteRow{{Columns: map[int]tablet.Value{1: int64(0)}}}},
	})

	_, has := s.FlushRowWatermark()
	assert.False(t, has)

	require.NoError(t, s.RotateToPassive())
	assert.Equal(t, tablet.StorePassiveDynamic, s.Meta.State)

	watermark, has := s.FlushRowWatermark()
	require.True(t, has)
	assert.Equal(t, uint64(1), watermark)
}

func TestOrderedStoreIsEmptyAndStartingRowIndex(t *testing.T) {
	s := NewOrderedStore("o1", 42)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, uint64(42), s.StartingRowIndex())

	s.ApplyTransaction([]CommitBatch{
		{Signature: 1, Rows: []tablet.WriteRow{{Columns: map[int]tablet.Value{1: int64(0)}}}},
	})
	assert.False(t, s.IsEmpty())
}
