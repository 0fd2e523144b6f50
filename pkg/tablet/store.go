package tablet

import "fmt"

// StoreKind distinguishes sorted from ordered tablet stores — the
// per-type inheritance of the source becomes this tag plus dispatch on
// it, rather than a Go interface hierarchy.
type StoreKind int

const (
	KindSorted StoreKind = iota
	KindOrdered
)

// StoreState is the lifecycle state of a store.
type StoreState int

const (
	StoreActiveDynamic StoreState = iota
	StorePassiveDynamic
	StorePersistent
	StoreRemoved
	StoreOrphaned
)

func (s StoreState) String() string {
	switch s {
	case StoreActiveDynamic:
		return "ActiveDynamic"
	case StorePassiveDynamic:
		return "PassiveDynamic"
	case StorePersistent:
		return "Persistent"
	case StoreRemoved:
		return "Removed"
	case StoreOrphaned:
		return "Orphaned"
	default:
		return "Unknown"
	}
}

// storeTransitions enumerates every legal store-state edge. Anything
// else is rejected by Store.Transition.
var storeTransitions = map[StoreState][]StoreState{
	StoreActiveDynamic:  {StorePassiveDynamic},
	StorePassiveDynamic: {StoreRemoved, StoreOrphaned},
	StorePersistent:     {StoreRemoved, StoreOrphaned},
	StoreRemoved:        {},
	StoreOrphaned:       {},
}

// TaskState tracks a store's flush/compaction/preload background-task
// status — used to enforce "at most one of {preloading, flushing,
// compacting}".
type TaskState int

const (
	TaskNone TaskState = iota
	TaskRunning
	TaskFailed
)

// StoreMeta holds the attributes common to every store kind.
// Sorted-specific fields (MinKey/MaxKey) are zero for ordered
// stores; StartingRowIndex is zero/unused for sorted stores.
type StoreMeta struct {
	ID    string
	Kind  StoreKind
	State StoreState

	MinKey Key
	MaxKey Key

	StartingRowIndex uint64
	RowCount         uint64

	MinTimestamp Timestamp
	MaxTimestamp Timestamp

	UncompressedDataSize int64
	CompressedDataSize   int64

	PartitionID string // "" for Eden / ordered tablets

	FlushState      TaskState
	CompactionState TaskState
	Preloading      bool

	// LockCount is the number of live locks held by transactions still
	// referencing rows in this store; a passive store may only be
	// dropped once this reaches zero.
	LockCount int
}

// Compactable reports whether the store is eligible to be selected as
// a compaction/partitioning input: persistent, and not already busy
// with a flush/compaction.
func (m *StoreMeta) Compactable() bool {
	return m.State == StorePersistent &&
		m.FlushState != TaskRunning &&
		m.CompactionState != TaskRunning &&
		!m.Preloading
}

// Transition validates and applies a store-state edge, returning
// ErrInvalidTransition if `next` is not reachable from m.State.
func (m *StoreMeta) Transition(next StoreState) error {
	for _, ok := range storeTransitions[m.State] {
		if ok == next {
			m.State = next
			return nil
		}
	}
	return fmt.Errorf("store %s: %s -> %s: %w", m.ID, m.State, next, ErrInvalidTransition)
}
