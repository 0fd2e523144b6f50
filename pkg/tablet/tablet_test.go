package tablet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "k", Type: ColumnTypeString, SortOrder: true},
			{Name: "a", Type: ColumnTypeInt64, LockGroup: 0},
			{Name: "b", Type: ColumnTypeString, LockGroup: 1},
		},
		KeyColumnCount: 1,
	}
}

func TestNewSortedTabletHasSingleEdenlessPartition(t *testing.T) {
	tb := NewSortedTablet("t1", "cell1", testSchema(), Key("a"), nil)
	require.NoError(t, tb.CheckInvariants())
	assert.Equal(t, KindSorted, tb.Kind)
	assert.True(t, tb.Eden().IsEden())
	require.Len(t, tb.Partitions(), 1)
	assert.Equal(t, "p0", tb.Partitions()[0].ID)
}

func TestTabletPartitionFor(t *testing.T) {
	tb := NewSortedTablet("t1", "cell1", testSchema(), Key("a"), nil)
	tb.ReplacePartitions([]*Partition{
		{ID: "p0", Pivot: Key("a"), NextPivot: Key("m")},
		{ID: "p1", Pivot: Key("m"), NextPivot: nil},
	})
	assert.Equal(t, "p0", tb.PartitionFor(Key("c")).ID)
	assert.Equal(t, "p1", tb.PartitionFor(Key("z")).ID)
	assert.Nil(t, tb.PartitionFor(Key("0")))
}

func TestTabletCheckInvariantsSortedRejectsStoreOutsidePartitionBounds(t *testing.T) {
	tb := NewSortedTablet("t1", "cell1", testSchema(), Key("a"), nil)
	store := &StoreMeta{ID: "s1", Kind: KindSorted, State: StorePersistent, PartitionID: "p0", MinKey: Key("0"), MaxKey: Key("z")}
	tb.AddStoreLocked(store)
	err := tb.CheckInvariants()
	assert.ErrorContains(t, err, "min_key")
}

func TestTabletCheckInvariantsOrderedRequiresContiguousRowIndexes(t *testing.T) {
	tb := NewOrderedTablet("t1", "cell1", testSchema())
	tb.AddStoreLocked(&StoreMeta{ID: "s0", Kind: KindOrdered, State: StorePersistent, StartingRowIndex: 0, RowCount: 10})
	tb.AddStoreLocked(&StoreMeta{ID: "s1", Kind: KindOrdered, State: StorePersistent, StartingRowIndex: 10, RowCount: 5})
	assert.NoError(t, tb.CheckInvariants())

	tb.AddStoreLocked(&StoreMeta{ID: "s2", Kind: KindOrdered, State: StorePersistent, StartingRowIndex: 20, RowCount: 5})
	assert.ErrorContains(t, tb.CheckInvariants(), "monotonicity")
}

func TestRestoreTabletRoundTripsInMemoryMode(t *testing.T) {
	restored := RestoreTablet("t1", "cell1", KindSorted, testSchema(), Key("a"), nil, 3,
		[]*Partition{{ID: EdenPartitionID, Index: -1}, {ID: "p0", Pivot: Key("a"), NextPivot: nil}},
		nil, "", 0, 0, InMemoryModeUncompressed)
	assert.Equal(t, InMemoryModeUncompressed, restored.InMemoryMode)
	assert.Equal(t, uint64(3), restored.MountRevision)
	assert.True(t, restored.Eden().IsEden())
	require.Len(t, restored.Partitions(), 1)
}

func TestStoreMetaTransition(t *testing.T) {
	s := &StoreMeta{ID: "s1", State: StoreActiveDynamic}
	require.NoError(t, s.Transition(StorePassiveDynamic))
	assert.Equal(t, StorePassiveDynamic, s.State)

	err := s.Transition(StoreActiveDynamic)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStoreMetaCompactable(t *testing.T) {
	s := &StoreMeta{State: StorePersistent}
	assert.True(t, s.Compactable())

	s.FlushState = TaskRunning
	assert.False(t, s.Compactable())

	s.FlushState = TaskNone
	s.Preloading = true
	assert.False(t, s.Compactable())
}

func TestPartitionCheckedSetState(t *testing.T) {
	p := &Partition{ID: "p0", State: PartitionNormal}
	require.NoError(t, p.CheckedSetState(PartitionNormal, PartitionSplitting))
	assert.Equal(t, PartitionSplitting, p.State)

	err := p.CheckedSetState(PartitionNormal, PartitionMerging)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, PartitionSplitting, p.State, "state unchanged on a failed gated transition")
}

func TestPartitionContainsAndIntersects(t *testing.T) {
	p := &Partition{Pivot: Key("d"), NextPivot: Key("m")}
	assert.False(t, p.Contains(Key("a")))
	assert.True(t, p.Contains(Key("d")))
	assert.True(t, p.Contains(Key("f")))
	assert.False(t, p.Contains(Key("m")))

	assert.True(t, p.Intersects(Key("a"), Key("e")))
	assert.False(t, p.Intersects(Key("a"), Key("d")))
	assert.False(t, p.Intersects(Key("m"), Key("z")))

	last := &Partition{Pivot: Key("d"), NextPivot: nil}
	assert.True(t, last.Contains(Key("zzzz")))
}

func TestRevisionTableRegisterAndLookup(t *testing.T) {
	rt := NewRevisionTable()
	r1 := rt.Register(Timestamp(100))
	r2 := rt.Register(Timestamp(200))
	assert.NotEqual(t, r1, r2)

	ts, ok := rt.Timestamp(r1)
	require.True(t, ok)
	assert.Equal(t, Timestamp(100), ts)

	_, ok = rt.Timestamp(InvalidRevision)
	assert.False(t, ok)
	_, ok = rt.Timestamp(UncommittedRevision)
	assert.False(t, ok)

	found, ok := rt.TimestampToRevision(Timestamp(200))
	require.True(t, ok)
	assert.Equal(t, r2, found)

	_, ok = rt.TimestampToRevision(Timestamp(999))
	assert.False(t, ok)
	assert.Equal(t, 2, rt.Len())
}

func TestSchemaLockMaskFor(t *testing.T) {
	s := testSchema()
	assert.Equal(t, uint64(1), s.LockMaskFor(nil))
	assert.Equal(t, 2, s.LockGroupCount())

	mask := s.LockMaskFor([]int{2})
	assert.Equal(t, uint64(1|1<<1), mask)
}

func TestSchemaColumnIndex(t *testing.T) {
	s := testSchema()
	assert.Equal(t, 0, s.ColumnIndex("k"))
	assert.Equal(t, 2, s.ColumnIndex("b"))
	assert.Equal(t, -1, s.ColumnIndex("missing"))
}

func TestTransactionPrepareRequiresCompleteSignature(t *testing.T) {
	txn := NewTransaction("tx1", Timestamp(1), Timestamp(100), 2)
	err := txn.Prepare(Timestamp(2), false)
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	txn.TransientSignature = 2
	require.NoError(t, txn.Prepare(Timestamp(2), false))
	assert.Equal(t, TxTransientCommitPrepared, txn.State())
}

func TestTransactionPrepareDirectToPersistent(t *testing.T) {
	txn := NewTransaction("tx1", Timestamp(1), Timestamp(100), 1)
	txn.PersistentSignature = 1
	require.NoError(t, txn.Prepare(Timestamp(5), true))
	assert.Equal(t, TxPersistentCommitPrepared, txn.State())
}

func TestTransactionFullLifecycle(t *testing.T) {
	txn := NewTransaction("tx1", Timestamp(1), Timestamp(100), 1)
	txn.TransientSignature = 1
	require.NoError(t, txn.Prepare(Timestamp(2), false))
	require.NoError(t, txn.Prepare(Timestamp(3), true))
	require.NoError(t, txn.Commit(Timestamp(4)))
	assert.Equal(t, TxCommitted, txn.State())
	require.NoError(t, txn.Serialize())
	assert.Equal(t, TxSerialized, txn.State())

	assert.True(t, errors.Is(txn.Abort(), ErrInvalidTransition))
}

func TestTransactionAbortFromActive(t *testing.T) {
	txn := NewTransaction("tx1", Timestamp(1), Timestamp(100), 1)
	require.NoError(t, txn.Abort())
	assert.Equal(t, TxAborted, txn.State())
}

func TestErrorWithAttrDoesNotMutateOriginal(t *testing.T) {
	base := NewError(CodeRowBlocked, "row is blocked")
	withAttr := base.WithAttr("key", "abc")

	_, ok := base.Attr("key")
	assert.False(t, ok, "WithAttr must not mutate the receiver")

	v, ok := withAttr.Attr("key")
	require.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestErrorRetriable(t *testing.T) {
	assert.True(t, NewError(CodeTransactionLockConflict, "x").Retriable())
	assert.True(t, NewError(CodeRequestQueueSizeLimitExceeded, "x").Retriable())
	assert.False(t, NewError(CodeFatal, "x").Retriable())
}

func TestCodeOfUnwrapsCause(t *testing.T) {
	wrapped := NewError(CodeChunkUnavailable, "no chunk").WithCause(errors.New("disk error"))
	assert.Equal(t, CodeChunkUnavailable, CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "disk error")
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
