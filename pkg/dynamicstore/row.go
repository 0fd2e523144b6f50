package dynamicstore

import "github.com/tablekit/tabletnode/pkg/tablet"

// dynamicRow is a contiguous header followed by per-lock descriptors
// and per-value-column edit lists. Key columns never
// have edit lists: a key is fixed for the row's lifetime.
type dynamicRow struct {
	key     tablet.Key
	locks   []*lockDescriptor // indexed by lock group
	columns []*editList       // indexed by value-column position
	deletes *editList         // delete-revision edit list (primary group)
}

func newDynamicRow(key tablet.Key, lockGroups, valueColumns int) *dynamicRow {
	r := &dynamicRow{
		key:     key,
		locks:   make([]*lockDescriptor, lockGroups),
		columns: make([]*editList, valueColumns),
		deletes: &editList{},
	}
	for i := range r.locks {
		r.locks[i] = newLockDescriptor()
	}
	for i := range r.columns {
		r.columns[i] = &editList{}
	}
	return r
}

// lockGroupsIn decomposes a lock mask into the set bits.
func lockGroupsIn(mask uint64, groupCount int) []int {
	var groups []int
	for g := 0; g < groupCount; g++ {
		if mask&(1<<uint(g)) != 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// deletedAfter reports whether a delete-revision entry has a timestamp in
// (writeTS, ts] — if so, any write at or before writeTS is shadowed.
func (r *dynamicRow) deletedAfter(revs *tablet.RevisionTable, writeTS, ts tablet.Timestamp) bool {
	for n := r.deletes.head; n != nil; n = n.next {
		if n.revision == tablet.UncommittedRevision {
			continue
		}
		delTS, ok := revs.Timestamp(n.revision)
		if !ok {
			continue
		}
		if delTS > writeTS && delTS <= ts {
			return true
		}
		if delTS <= writeTS {
			break
		}
	}
	return false
}
