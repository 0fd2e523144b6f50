package tablet

import (
	"fmt"
	"sort"
	"sync"
)

// Tablet is one shard of either a sorted or ordered table. The
// store set, partition list, and active-store pointer are mutated
// only through the methods below, each of which preserves the
// invariants enumerated in CheckInvariants.
type Tablet struct {
	mu sync.RWMutex

	ID     string
	CellID string
	Kind   StoreKind
	Schema Schema

	// MountRevision is bumped every time the tablet is (re)mounted;
	// every write carries it so stale RPCs are rejected (Glossary).
	MountRevision uint64

	Pivot     Key
	NextPivot Key

	eden       *Partition            // sorted tablets only
	partitions []*Partition          // sorted, non-Eden, sorted tablets only
	stores     map[string]*StoreMeta // keyed by store id
	activeID   string

	// TrimmedRowCount is the ordered-tablet trim watermark:
	// reads below it return nothing, and [4.2]'s starting-row-index
	// partition of [trimmed_row_count, total_row_count) is defined
	// relative to this value.
	TrimmedRowCount uint64
	TotalRowCount   uint64

	// InMemoryMode selects whether freshly flushed/compacted chunk
	// stores for this tablet should be captured into RAM as they are
	// written. Set at mount time; not mutated afterward, so
	// readers may access it without holding mu (same convention as Kind).
	InMemoryMode InMemoryMode
}

// InMemoryMode mirrors a tablet's in_memory_mode setting.
type InMemoryMode int

const (
	InMemoryModeNone InMemoryMode = iota
	InMemoryModeCompressed
	InMemoryModeUncompressed
)

// NewSortedTablet constructs a tablet with the Eden partition, one
// partition "p0" spanning [pivot, nextPivot), and an empty store set.
func NewSortedTablet(id, cellID string, schema Schema, pivot, nextPivot Key) *Tablet {
	t := &Tablet{
		ID:        id,
		CellID:    cellID,
		Kind:      KindSorted,
		Schema:    schema,
		Pivot:     pivot,
		NextPivot: nextPivot,
		stores:    make(map[string]*StoreMeta),
	}
	t.eden = &Partition{ID: EdenPartitionID, Index: -1}
	t.partitions = []*Partition{{ID: "p0", Index: 0, Pivot: pivot, NextPivot: nextPivot}}
	return t
}

// NewOrderedTablet constructs an ordered tablet with no partitions.
func NewOrderedTablet(id, cellID string, schema Schema) *Tablet {
	return &Tablet{
		ID:     id,
		CellID: cellID,
		Kind:   KindOrdered,
		Schema: schema,
		stores: make(map[string]*StoreMeta),
	}
}

// RestoreTablet rebuilds a mounted Tablet from a previously persisted
// snapshot's fields (the pkg/storage save/load round-trip):
// partitions, stores, and the active store pointer are installed
// directly rather than through the fresh-tablet constructors,
// since a remounted tablet generally already has a nonempty store set
// and partition list.
func RestoreTablet(id, cellID string, kind StoreKind, schema Schema, pivot, nextPivot Key, mountRevision uint64, partitions []*Partition, stores []*StoreMeta, activeStoreID string, trimmedRowCount, totalRowCount uint64, inMemoryMode InMemoryMode) *Tablet {
	t := &Tablet{
		ID:              id,
		CellID:          cellID,
		Kind:            kind,
		Schema:          schema,
		Pivot:           pivot,
		NextPivot:       nextPivot,
		MountRevision:   mountRevision,
		stores:          make(map[string]*StoreMeta, len(stores)),
		activeID:        activeStoreID,
		TrimmedRowCount: trimmedRowCount,
		TotalRowCount:   totalRowCount,
		InMemoryMode:    inMemoryMode,
	}
	for _, s := range stores {
		t.stores[s.ID] = s
	}
	if kind == KindSorted {
		for _, p := range partitions {
			if p.ID == EdenPartitionID {
				t.eden = p
			} else {
				t.partitions = append(t.partitions, p)
			}
		}
		if t.eden == nil {
			t.eden = &Partition{ID: EdenPartitionID, Index: -1}
		}
	}
	return t
}

func (t *Tablet) Lock()    { t.mu.Lock() }
func (t *Tablet) Unlock()  { t.mu.Unlock() }
func (t *Tablet) RLock()   { t.mu.RLock() }
func (t *Tablet) RUnlock() { t.mu.RUnlock() }

// Eden returns the tablet's distinguished Eden partition (nil for
// ordered tablets).
func (t *Tablet) Eden() *Partition { return t.eden }

// Partitions returns the tablet's ordered, non-Eden partition list.
// Callers must hold at least a read lock.
func (t *Tablet) Partitions() []*Partition { return t.partitions }

// PartitionFor returns the partition containing key (not Eden).
func (t *Tablet) PartitionFor(key Key) *Partition {
	idx := sort.Search(len(t.partitions), func(i int) bool {
		return Compare(t.partitions[i].Pivot, key) > 0
	})
	if idx == 0 {
		return nil
	}
	return t.partitions[idx-1]
}

// PartitionsIntersecting returns every non-Eden partition overlapping
// [lower, upper).
func (t *Tablet) PartitionsIntersecting(lower, upper Key) []*Partition {
	var out []*Partition
	for _, p := range t.partitions {
		if p.Intersects(lower, upper) {
			out = append(out, p)
		}
	}
	return out
}

// Store returns the store metadata for id, or nil.
func (t *Tablet) Store(id string) *StoreMeta { return t.stores[id] }

// ActiveStore returns the tablet's current active dynamic store, or
// nil if unmounted/between rotations.
func (t *Tablet) ActiveStore() *StoreMeta {
	if t.activeID == "" {
		return nil
	}
	return t.stores[t.activeID]
}

// SetActiveStore installs store as the tablet's active dynamic store.
func (t *Tablet) SetActiveStore(store *StoreMeta) {
	t.stores[store.ID] = store
	t.activeID = store.ID
}

// ClearActiveStore empties the active-store pointer (left empty until
// SetActiveStore installs a new active store).
func (t *Tablet) ClearActiveStore() { t.activeID = "" }

// StoresInPartition returns every store currently assigned to
// partition p (or Eden, via EdenPartitionID).
func (t *Tablet) StoresInPartition(partitionID string) []*StoreMeta {
	var out []*StoreMeta
	for _, s := range t.stores {
		if s.PartitionID == partitionID || (partitionID == EdenPartitionID && s.PartitionID == "" && t.Kind == KindSorted) {
			out = append(out, s)
		}
	}
	return out
}

// AllStores returns every store in the tablet's store set, in no
// particular order. Callers that need a stable read snapshot should
// copy the slice under a read lock.
func (t *Tablet) AllStores() []*StoreMeta {
	out := make([]*StoreMeta, 0, len(t.stores))
	for _, s := range t.stores {
		out = append(out, s)
	}
	return out
}

// AddStoreLocked inserts store into the store set. Caller must hold
// the write lock. StoreManager.AddStore wraps it and also records the
// store's live instance; neither schedules a preload.
func (t *Tablet) AddStoreLocked(store *StoreMeta) { t.stores[store.ID] = store }

// RemoveStoreLocked deletes store id from the store set.
func (t *Tablet) RemoveStoreLocked(id string) { delete(t.stores, id) }

// CheckInvariants validates store/partition containment and ordered
// row-index monotonicity. It does not lock;
// callers run it under a read lock, typically only in tests.
func (t *Tablet) CheckInvariants() error {
	if t.Kind == KindSorted {
		prev := t.Pivot
		for i, p := range t.partitions {
			if i == 0 && Compare(p.Pivot, t.Pivot) != 0 {
				return fmt.Errorf("partition 0 pivot %v != tablet pivot %v", p.Pivot, t.Pivot)
			}
			if i > 0 && Compare(p.Pivot, prev) <= 0 {
				return fmt.Errorf("partition %d pivot does not strictly exceed previous", i)
			}
			prev = p.Pivot
		}
		for _, s := range t.stores {
			if s.PartitionID == "" || s.PartitionID == EdenPartitionID {
				continue
			}
			p := t.partitionByID(s.PartitionID)
			if p == nil {
				return fmt.Errorf("store %s references unknown partition %s", s.ID, s.PartitionID)
			}
			if Compare(s.MinKey, p.Pivot) < 0 {
				return fmt.Errorf("store %s min_key < partition %s pivot", s.ID, p.ID)
			}
			if p.NextPivot != nil && Compare(s.MaxKey, p.NextPivot) >= 0 {
				return fmt.Errorf("store %s max_key >= partition %s next_pivot", s.ID, p.ID)
			}
		}
	} else {
		byStart := make([]*StoreMeta, 0, len(t.stores))
		for _, s := range t.stores {
			if s.State == StorePersistent {
				byStart = append(byStart, s)
			}
		}
		sort.Slice(byStart, func(i, j int) bool { return byStart[i].StartingRowIndex < byStart[j].StartingRowIndex })
		for i := 1; i < len(byStart); i++ {
			prev, cur := byStart[i-1], byStart[i]
			if prev.StartingRowIndex+prev.RowCount != cur.StartingRowIndex {
				return fmt.Errorf("ordered stores %s/%s violate row-index monotonicity", prev.ID, cur.ID)
			}
		}
	}
	return nil
}

func (t *Tablet) partitionByID(id string) *Partition {
	for _, p := range t.partitions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ReplacePartitions installs a new ordered partition list — used by
// SplitPartition/MergePartitions mutations applied through the
// replicated log.
func (t *Tablet) ReplacePartitions(partitions []*Partition) {
	for i, p := range partitions {
		p.Index = i
	}
	t.partitions = partitions
}
