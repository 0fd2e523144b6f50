// Package dynamicstore implements the in-memory MVCC row store that
// buffers recent writes for a tablet, indexed by github.com/google/btree
// ordered by the tablet's row-key comparer.
package dynamicstore

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

func lessRow(a, b *dynamicRow) bool { return tablet.Less(a.key, b.key) }

// SortedStore is the dynamic store of a sorted tablet.
type SortedStore struct {
	mu sync.RWMutex

	Meta   *tablet.StoreMeta
	schema *tablet.Schema

	index *btree.BTreeG[*dynamicRow]
	revs  *tablet.RevisionTable
	arena *Arena

	blocked *blockedSignal

	// lockedByTxn indexes rows by the transaction currently holding any
	// of their locks, so Prepare/Commit/Abort don't need a full scan.
	lockedByTxn map[string][]*dynamicRow

	createdAt time.Time

	flushWatermark    tablet.Revision
	hasFlushWatermark bool
}

// NewSortedStore allocates an empty active dynamic store for schema.
func NewSortedStore(id string, schema *tablet.Schema) *SortedStore {
	return &SortedStore{
		Meta: &tablet.StoreMeta{
			ID:    id,
			Kind:  tablet.KindSorted,
			State: tablet.StoreActiveDynamic,
		},
		schema:      schema,
		index:       btree.NewG[*dynamicRow](32, lessRow),
		revs:        tablet.NewRevisionTable(),
		arena:       &Arena{},
		blocked:     newBlockedSignal(),
		lockedByTxn: make(map[string][]*dynamicRow),
		createdAt:   time.Now(),
	}
}

func (s *SortedStore) locate(key tablet.Key, create bool) *dynamicRow {
	probe := &dynamicRow{key: key}
	if existing, ok := s.index.Get(probe); ok {
		return existing
	}
	if !create {
		return nil
	}
	row := newDynamicRow(append(tablet.Key(nil), key...), s.schema.LockGroupCount(), len(s.schema.ValueColumns()))
	s.index.ReplaceOrInsert(row)
	s.arena.Alloc(int64(len(key)) + 64)
	s.Meta.RowCount++
	return row
}

// WriteResult reports how ExecuteWrite resolved.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteBlocked
)

// ExecuteWrite applies one row mutation under an atomic transaction.
// columnValues maps schema-relative value-column index to the value
// being written; an empty map with delete=true performs a delete.
// prelock routes the acquired lock into the transaction's prelocked
// row list instead of its locked one. blockedGen, when WriteBlocked is
// returned, is the generation the caller should pass to WaitBlocked
// before retrying.
func (s *SortedStore) ExecuteWrite(txn *tablet.Transaction, row tablet.WriteRow, lockMask uint64, prelock, delete bool) (WriteResult, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.locate(row.Key, true)
	groups := lockGroupsIn(lockMask, len(r.locks))

	for _, g := range groups {
		switch r.locks[g].checkConflict(txn.ID, txn.Start) {
		case conflictFail:
			return WriteOK, 0, tablet.NewError(tablet.CodeTransactionLockConflict, "row locked by a conflicting transaction").
				WithAttr("transaction", txn.ID)
		case conflictBlocked:
			return WriteBlocked, s.blocked.generation(), nil
		}
	}

	alreadyHeld := false
	for _, lock := range r.locks {
		if lock.txnID == txn.ID {
			alreadyHeld = true
			break
		}
	}
	acquired := false
	for _, g := range groups {
		lock := r.locks[g]
		if lock.txnID == "" {
			lock.txnID = txn.ID
			acquired = true
		}
	}
	if acquired && !alreadyHeld {
		s.lockedByTxn[txn.ID] = append(s.lockedByTxn[txn.ID], r)
		ref := tablet.LockRef{StoreID: s.Meta.ID, Key: append(tablet.Key(nil), row.Key...)}
		if prelock {
			txn.AddPrelockedRow(ref)
		} else {
			txn.AddLockedRow(ref)
		}
	}
	if delete {
		r.locks[0].pendingDelete = true
	}

	for colIdx, value := range row.Columns {
		valuePos := colIdx - s.schema.KeyColumnCount
		if valuePos < 0 || valuePos >= len(r.columns) {
			continue
		}
		node := r.columns[valuePos].prepend(value)
		group := s.schema.Columns[colIdx].LockGroup
		r.locks[group].writeRevisionList = append(r.locks[group].writeRevisionList, node)
		s.arena.Alloc(32)
	}

	return WriteOK, 0, nil
}

// CheckLockConflict probes an inactive store for a conflicting lock on
// key without creating or mutating the row (the store manager
// pre-checks every passive/still-visible store before dispatching a
// write to the active store). A key absent from this store can never
// conflict.
func (s *SortedStore) CheckLockConflict(txn *tablet.Transaction, key tablet.Key, lockMask uint64) (WriteResult, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.locate(key, false)
	if r == nil {
		return WriteOK, 0, nil
	}
	groups := lockGroupsIn(lockMask, len(r.locks))
	for _, g := range groups {
		switch r.locks[g].checkConflict(txn.ID, txn.Start) {
		case conflictFail:
			return WriteOK, 0, tablet.NewError(tablet.CodeTransactionLockConflict, "row locked by a conflicting transaction").
				WithAttr("transaction", txn.ID)
		case conflictBlocked:
			return WriteBlocked, s.blocked.generation(), nil
		}
	}
	return WriteOK, 0, nil
}

// WaitBlocked blocks until a Broadcast newer than observedGen occurs.
func (s *SortedStore) WaitBlocked(observedGen uint64) uint64 {
	return s.blocked.wait(observedGen)
}

// WaitBlockedUntil is WaitBlocked bounded by deadline; ok is false if
// deadline elapsed before any newer Broadcast occurred; a blocked
// write retries until max_blocked_row_wait elapses.
func (s *SortedStore) WaitBlockedUntil(observedGen uint64, deadline time.Time) (uint64, bool) {
	return s.blocked.waitUntil(observedGen, deadline)
}

// HeldByTransaction reports whether any lock group on key in this store
// is currently held by txnID, regardless of the lock mask a given write
// targets. The store manager uses this to notice a lock stranded in a
// now-passive store by a mid-transaction rotation, so it can Migrate it
// into the active store rather than silently acquiring an unrelated new
// lock there.
func (s *SortedStore) HeldByTransaction(key tablet.Key, txnID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.locate(key, false)
	if r == nil {
		return false
	}
	for _, lock := range r.locks {
		if lock.txnID == txnID {
			return true
		}
	}
	return false
}

// Prepare sets prepare_timestamp on every lock this transaction holds
// in this store.
func (s *SortedStore) Prepare(txn *tablet.Transaction, prepareTS tablet.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.lockedByTxn[txn.ID] {
		for _, lock := range r.locks {
			if lock.txnID == txn.ID {
				lock.prepareTimestamp = prepareTS
			}
		}
	}
}

// Commit registers a fresh revision for commitTS and finalizes every
// edit-list entry this transaction wrote. Fires the
// RowBlocked signal on completion.
func (s *SortedStore) Commit(txn *tablet.Transaction, commitTS tablet.Timestamp) {
	s.mu.Lock()
	rev := s.revs.Register(commitTS)
	for _, r := range s.lockedByTxn[txn.ID] {
		for _, lock := range r.locks {
			if lock.txnID != txn.ID {
				continue
			}
			for _, node := range lock.writeRevisionList {
				node.revision = rev
			}
			if lock.pendingDelete {
				r.deletes.prependCommitted(rev, nil)
			}
			lock.lastCommitTimestamp = commitTS
			lock.reset()
		}
	}
	delete(s.lockedByTxn, txn.ID)
	s.mu.Unlock()
	s.blocked.Broadcast()
}

// Abort pops every uncommitted edit-list head this transaction wrote
// and releases its locks.
func (s *SortedStore) Abort(txn *tablet.Transaction) {
	s.mu.Lock()
	for _, r := range s.lockedByTxn[txn.ID] {
		for _, lock := range r.locks {
			if lock.txnID != txn.ID {
				continue
			}
			for _, node := range lock.writeRevisionList {
				node.list.popUncommittedHead()
			}
			lock.reset()
		}
	}
	delete(s.lockedByTxn, txn.ID)
	s.mu.Unlock()
	s.blocked.Broadcast()
}

// Migrate copies a row this transaction already holds a lock on (in a
// now-passive store) into this (active) store, carrying over the lock
// holder so subsequent writes in the same transaction land here.
func (s *SortedStore) Migrate(from *SortedStore, txn *tablet.Transaction, key tablet.Key) {
	from.mu.Lock()
	srcRow := from.locate(key, false)
	from.mu.Unlock()
	if srcRow == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.locate(key, true)
	for g, lock := range srcRow.locks {
		if lock.txnID == txn.ID {
			dst.locks[g].txnID = txn.ID
			dst.locks[g].prepareTimestamp = lock.prepareTimestamp
			dst.locks[g].pendingDelete = lock.pendingDelete
		}
	}
	found := false
	for _, r := range s.lockedByTxn[txn.ID] {
		if r == dst {
			found = true
			break
		}
	}
	if !found {
		s.lockedByTxn[txn.ID] = append(s.lockedByTxn[txn.ID], dst)
		txn.AddLockedRow(tablet.LockRef{StoreID: s.Meta.ID, Key: append(tablet.Key(nil), key...)})
	}
}

// ReadAt returns the decoded row visible at timestamp ts, or ok=false
// if the row doesn't exist or is fully deleted at ts.
func (s *SortedStore) ReadAt(key tablet.Key, ts tablet.Timestamp, columns []int) (tablet.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.locate(key, false)
	if r == nil {
		return tablet.Row{}, false
	}
	out := tablet.Row{Key: append(tablet.Key(nil), r.key...), Values: make(map[int]tablet.Value)}
	any := false
	for _, colIdx := range columns {
		pos := colIdx - s.schema.KeyColumnCount
		if pos < 0 || pos >= len(r.columns) {
			continue
		}
		value, ok := r.columns[pos].visibleAt(s.revs, ts)
		if !ok {
			continue
		}
		writeTS, _ := s.revs.Timestamp(s.firstCommittedRevisionAt(r.columns[pos], ts))
		if r.deletedAfter(s.revs, writeTS, ts) {
			continue
		}
		out.Values[colIdx] = value
		any = true
	}
	if !any {
		return tablet.Row{}, false
	}
	return out, true
}

func (s *SortedStore) firstCommittedRevisionAt(l *editList, ts tablet.Timestamp) tablet.Revision {
	for n := l.head; n != nil; n = n.next {
		if n.revision == tablet.UncommittedRevision {
			continue
		}
		nts, ok := s.revs.Timestamp(n.revision)
		if ok && nts <= ts {
			return n.revision
		}
	}
	return tablet.InvalidRevision
}

// RangeAt calls fn for every visible row in [lower, upper) at ts, in
// key order, until fn returns false.
func (s *SortedStore) RangeAt(lower, upper tablet.Key, ts tablet.Timestamp, columns []int, fn func(tablet.Row) bool) {
	s.mu.RLock()
	keys := make([]tablet.Key, 0, 64)
	pivot := &dynamicRow{key: lower}
	s.index.AscendGreaterOrEqual(pivot, func(item *dynamicRow) bool {
		if upper != nil && !tablet.Less(item.key, upper) {
			return false
		}
		keys = append(keys, append(tablet.Key(nil), item.key...))
		return true
	})
	s.mu.RUnlock()

	for _, k := range keys {
		if row, ok := s.ReadAt(k, ts, columns); ok {
			if !fn(row) {
				return
			}
		}
	}
}

// ColumnVersion is one committed (value, timestamp) pair from an edit
// list, surfaced to the merging readers of pkg/merger.
type ColumnVersion struct {
	Value     tablet.Value
	Timestamp tablet.Timestamp
}

// Keys returns every row key in [lower, upper) in ascending order —
// used by the merging readers to enumerate candidate keys across
// multiple stores.
func (s *SortedStore) Keys(lower, upper tablet.Key) []tablet.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []tablet.Key
	pivot := &dynamicRow{key: lower}
	s.index.AscendGreaterOrEqual(pivot, func(item *dynamicRow) bool {
		if upper != nil && !tablet.Less(item.key, upper) {
			return false
		}
		keys = append(keys, append(tablet.Key(nil), item.key...))
		return true
	})
	return keys
}

// Bounds returns the store's current min/max key, recomputed from the
// index (cheap enough for test/small-store use; production callers
// should prefer the cached Meta.MinKey/MaxKey once flush populates it).
func (s *SortedStore) Bounds() (tablet.Key, tablet.Key) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var min, max tablet.Key
	s.index.Ascend(func(item *dynamicRow) bool {
		if min == nil {
			min = item.key
		}
		max = item.key
		return true
	})
	return min, max
}

// RawVersions returns every committed version of every column plus the
// full delete-revision list for key, with no timestamp filtering — the
// building block for both the merging readers and the versioned
// reader used by compaction.
func (s *SortedStore) RawVersions(key tablet.Key) (map[int][]ColumnVersion, []tablet.Timestamp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.locate(key, false)
	if r == nil {
		return nil, nil, false
	}
	values := make(map[int][]ColumnVersion)
	for pos, col := range r.columns {
		colIdx := pos + s.schema.KeyColumnCount
		var versions []ColumnVersion
		for n := col.head; n != nil; n = n.next {
			if n.revision == tablet.UncommittedRevision {
				continue
			}
			ts, ok := s.revs.Timestamp(n.revision)
			if !ok {
				continue
			}
			versions = append(versions, ColumnVersion{Value: n.value, Timestamp: ts})
		}
		if len(versions) > 0 {
			values[colIdx] = versions
		}
	}
	var deletes []tablet.Timestamp
	for n := r.deletes.head; n != nil; n = n.next {
		if n.revision == tablet.UncommittedRevision {
			continue
		}
		if ts, ok := s.revs.Timestamp(n.revision); ok {
			deletes = append(deletes, ts)
		}
	}
	return values, deletes, true
}

// RotateToPassive transitions the store Active->Passive and captures
// the flush watermark.
func (s *SortedStore) RotateToPassive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Meta.Transition(tablet.StorePassiveDynamic)
	s.flushWatermark = tablet.Revision(s.revs.Len())
	s.hasFlushWatermark = true
}

// FlushWatermark returns the maximum revision visible to the flush
// reader, captured at rotation. Returns InvalidRevision if the store
// hasn't rotated yet.
func (s *SortedStore) FlushWatermark() tablet.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasFlushWatermark {
		return tablet.InvalidRevision
	}
	return s.flushWatermark
}

// FlushWatermarkTimestamp resolves the flush watermark revision to its
// timestamp, the cutoff the flusher must not read past when draining
// this passive store into a chunk.
func (s *SortedStore) FlushWatermarkTimestamp() (tablet.Timestamp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasFlushWatermark {
		return 0, false
	}
	return s.revs.Timestamp(s.flushWatermark)
}

// IsEmpty reports whether the store has no rows.
func (s *SortedStore) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len() == 0
}

// Age returns how long the store has existed, for periodic-rotation
// and periodic-compaction age checks.
func (s *SortedStore) Age() time.Duration { return time.Since(s.createdAt) }

// AllocatedBytes reports the store's arena usage.
func (s *SortedStore) AllocatedBytes() int64 { return s.arena.Allocated() }

// RevisionCount reports the number of registered revisions, checked
// against HardLimit/SoftLimit by the store manager.
func (s *SortedStore) RevisionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revs.Len()
}

// Drop releases the store's arena. Called once LockCount reaches zero
// after a successful flush.
func (s *SortedStore) Drop() { s.arena.Release() }

// CheckInvariants validates lock exclusivity and edit-list revision
// monotonicity across every row in the store.
func (s *SortedStore) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var err error
	s.index.Ascend(func(r *dynamicRow) bool {
		seen := make(map[string]bool)
		for _, lock := range r.locks {
			if lock.held() {
				if seen[lock.txnID] {
					continue
				}
				seen[lock.txnID] = true
			}
		}
		for _, col := range r.columns {
			if e := col.checkMonotonic(s.revs); e != nil {
				err = e
				return false
			}
		}
		return true
	})
	return err
}
