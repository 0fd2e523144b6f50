package replicatedlog

import (
	"encoding/json"
	"fmt"
)

// CompositeApplier fans a cell's single replicated log out to several
// owners, each responsible for a disjoint slice of the Mutation.Op
// vocabulary — txmanager.Manager owns HandleTransactionBarrier,
// balancer.Applier owns SplitPartition/MergePartitions/
// UpdatePartitionSampleKeys. storemanager does not register here and
// no owner handles UpdateTabletStores: the flusher and compactor apply
// store-set changes directly to the mounted tablet on flush/compaction
// completion; they neither send UpdateTabletStores to the master nor
// route it through this per-cell log.
//
// Registration happens once at startup; Apply itself only looks up the
// op in a plain map, so every replica's dispatch is deterministic as
// long as every replica registers the same ops.
type CompositeApplier struct {
	owners map[string]Applier
}

func NewCompositeApplier() *CompositeApplier {
	return &CompositeApplier{owners: make(map[string]Applier)}
}

// Register binds every op in ops to applier. Register panics on a
// duplicate op, since two owners claiming the same mutation kind is a
// wiring bug, not a runtime condition.
func (c *CompositeApplier) Register(applier Applier, ops ...string) *CompositeApplier {
	for _, op := range ops {
		if _, exists := c.owners[op]; exists {
			panic(fmt.Sprintf("replicatedlog: mutation op %q already registered", op))
		}
		c.owners[op] = applier
	}
	return c
}

func (c *CompositeApplier) Apply(mutation Mutation) error {
	owner, ok := c.owners[mutation.Op]
	if !ok {
		return fmt.Errorf("replicatedlog: no owner registered for mutation %q", mutation.Op)
	}
	return owner.Apply(mutation)
}

// Snapshot/Restore compose each registered owner's snapshot (keyed by
// op) into one envelope, so the raft log can still be truncated even
// though several unrelated owners share it. Owners that don't
// implement Snapshotter are skipped; Restore is a no-op for them.
type compositeSnapshot struct {
	Parts map[string]json.RawMessage `json:"parts"`
}

func (c *CompositeApplier) Snapshot() (json.RawMessage, error) {
	seen := make(map[Applier]bool)
	out := compositeSnapshot{Parts: make(map[string]json.RawMessage)}
	for op, owner := range c.owners {
		if seen[owner] {
			continue
		}
		seen[owner] = true
		snapper, ok := owner.(Snapshotter)
		if !ok {
			continue
		}
		data, err := snapper.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("replicatedlog: snapshot owner of %q: %w", op, err)
		}
		out.Parts[op] = data
	}
	return json.Marshal(out)
}

func (c *CompositeApplier) Restore(data json.RawMessage) error {
	var snap compositeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("replicatedlog: unmarshal composite snapshot: %w", err)
	}
	seen := make(map[Applier]bool)
	for op, part := range snap.Parts {
		owner, ok := c.owners[op]
		if !ok || seen[owner] {
			continue
		}
		seen[owner] = true
		snapper, ok := owner.(Snapshotter)
		if !ok {
			continue
		}
		if err := snapper.Restore(part); err != nil {
			return fmt.Errorf("replicatedlog: restore owner of %q: %w", op, err)
		}
	}
	return nil
}
