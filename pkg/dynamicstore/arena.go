package dynamicstore

import "sync/atomic"

// Arena tracks the memory a single dynamic store has allocated:
// allocation bumps a per-store counter, and the
// whole arena is released at once when the store is dropped. Go's
// garbage collector reclaims the underlying memory; Arena exists to
// give the store manager and master-side memory-pressure accounting
// an O(1) view of how much a store has used.
type Arena struct {
	allocated int64
}

// Alloc records n additional bytes as allocated from this arena and
// returns the new total.
func (a *Arena) Alloc(n int64) int64 {
	return atomic.AddInt64(&a.allocated, n)
}

// Allocated returns the arena's current byte count.
func (a *Arena) Allocated() int64 {
	return atomic.LoadInt64(&a.allocated)
}

// Release zeroes the counter; called when the owning store is dropped.
// The arena is never shared across stores.
func (a *Arena) Release() {
	atomic.StoreInt64(&a.allocated, 0)
}
