package tablet

// Revision is a 32-bit index into a dynamic store's revision→timestamp
// table. UncommittedRevision marks an edit-list entry
// written but not yet committed; MaxRevision/InvalidRevision bound the
// legal range.
type Revision uint32

const (
	UncommittedRevision Revision = 0
	MaxRevision         Revision = 1<<32 - 2
	InvalidRevision     Revision = 1<<32 - 1
)

// HardLimit is the maximum number of revisions a dynamic store may
// register before writes must be refused. SoftLimit is the watermark
// past which the store manager schedules a forced rotation.
const (
	HardLimit = 1 << 26
	SoftLimit = 1 << 25
)

// Timestamp is a monotonic hybrid logical timestamp minted externally
// by a TimestampProvider — the tablet never mints its own.
type Timestamp uint64

const (
	MinTimestamp Timestamp = 0
	MaxTimestamp Timestamp = ^Timestamp(0)
)

// RevisionTable maps a dynamic store's local revisions to the
// timestamps they were registered for. Entries are append-only and
// revisions increase monotonically with insertion order, which is what
// lets readers binary-search for "newest revision ≤ T".
type RevisionTable struct {
	timestamps []Timestamp // index 0 is Revision(1)
}

// NewRevisionTable returns an empty table.
func NewRevisionTable() *RevisionTable {
	return &RevisionTable{}
}

// Register appends a new revision for ts and returns it. Callers of
// non-atomic writes must check TimestampToRevision first and
// only Register if the timestamp is new to this store.
func (t *RevisionTable) Register(ts Timestamp) Revision {
	t.timestamps = append(t.timestamps, ts)
	rev := Revision(len(t.timestamps))
	if rev >= MaxRevision {
		panic(NewFatalError("revision-overflow", "dynamic store exceeded hard revision limit"))
	}
	return rev
}

// Timestamp resolves a revision to its timestamp. Returns false for
// UncommittedRevision, InvalidRevision, or an out-of-range revision.
func (t *RevisionTable) Timestamp(rev Revision) (Timestamp, bool) {
	if rev == UncommittedRevision || rev == InvalidRevision {
		return 0, false
	}
	idx := int(rev) - 1
	if idx < 0 || idx >= len(t.timestamps) {
		return 0, false
	}
	return t.timestamps[idx], true
}

// TimestampToRevision finds an existing revision already registered
// for ts, if any — used by non-atomic writes to avoid duplicate
// entries for the same commit timestamp.
func (t *RevisionTable) TimestampToRevision(ts Timestamp) (Revision, bool) {
	for i := len(t.timestamps) - 1; i >= 0; i-- {
		if t.timestamps[i] == ts {
			return Revision(i + 1), true
		}
	}
	return 0, false
}

// Len reports the number of registered revisions, used by the store
// manager's HardLimit/SoftLimit rotation checks.
func (t *RevisionTable) Len() int { return len(t.timestamps) }
