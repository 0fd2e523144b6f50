// Package mount owns the set of tablets a tabletnode process currently
// serves: it mounts tablet.Tablet instances from storage.TabletSnapshot
// records, keeps one storemanager.Manager per tablet, and implements
// the small Source/Sink/Registry interfaces that flusher, compactor,
// balancer, and tabletservice each expect from "whatever is mounted
// right now" — a service registry scoped to this node's own tablets
// rather than a cluster of remote services.
package mount

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablekit/tabletnode/pkg/balancer"
	"github.com/tablekit/tabletnode/pkg/chunkstore"
	"github.com/tablekit/tabletnode/pkg/compactor"
	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/events"
	"github.com/tablekit/tabletnode/pkg/flusher"
	"github.com/tablekit/tabletnode/pkg/inmemory"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/merger"
	"github.com/tablekit/tabletnode/pkg/storage"
	"github.com/tablekit/tabletnode/pkg/storemanager"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// entry bundles one mounted tablet with its store manager.
type entry struct {
	tablet  *tablet.Tablet
	manager *storemanager.Manager
}

// Registry tracks every tablet mounted on this node. It satisfies
// tabletservice.Registry, flusher.Source, compactor.Source,
// balancer.Source, balancer.TabletLookup (via Lookup), and
// compactor.Sink, so cmd/tabletnode can wire one value into every
// background component.
type Registry struct {
	chunkDir string

	mu      sync.RWMutex
	tablets map[string]*entry

	chunksMu sync.RWMutex
	chunks   map[string]merger.Source // store id -> readable chunk handle
	closers  map[string]func() error

	inmem  *inmemory.Manager
	broker *events.Broker

	logger zerolog.Logger
}

// New returns an empty Registry. chunkDir is where per-chunk bbolt
// files are created by the flush/compaction chunk-writer factories.
func New(chunkDir string) *Registry {
	return &Registry{
		chunkDir: chunkDir,
		tablets:  make(map[string]*entry),
		chunks:   make(map[string]merger.Source),
		closers:  make(map[string]func() error),
		logger:   log.WithComponent("mount"),
	}
}

// SetInMemoryManager binds the in-memory manager new chunk writers
// should capture into and that already-persistent in-memory
// tablets should preload through on mount.
func (r *Registry) SetInMemoryManager(mgr *inmemory.Manager) {
	r.inmem = mgr
}

// SetEventBroker binds the broker every store manager created by Mount
// from here on publishes EventStoreRotated through.
func (r *Registry) SetEventBroker(b *events.Broker) {
	r.broker = b
}

// Mount installs t and a fresh store manager for it, and registers a
// merger.Source for every already-persistent store found in the
// snapshot (sorted chunk stores read straight off disk; dynamic
// stores are handled by the dynamic store recovery path and never
// appear here).
func (r *Registry) Mount(t *tablet.Tablet, cfg config.StoreManagerConfig) *storemanager.Manager {
	mgr := storemanager.New(t, cfg)
	if r.broker != nil {
		mgr.SetEventBroker(r.broker)
	}

	r.mu.Lock()
	r.tablets[t.ID] = &entry{tablet: t, manager: mgr}
	r.mu.Unlock()

	for _, meta := range t.AllStores() {
		if meta.State == tablet.StorePersistent && meta.Kind == tablet.KindSorted {
			if err := r.openPersistentSorted(meta.ID, t.InMemoryMode); err != nil {
				r.logger.Warn().Err(err).Str("store_id", meta.ID).Msg("reopen persistent chunk on mount")
			}
		}
	}
	return mgr
}

// Unmount removes tabletID from the registry. Chunk handles opened for
// its stores are not closed and stay in the chunk map. Callers are
// expected to have persisted a final storage.TabletSnapshot before
// calling this.
func (r *Registry) Unmount(tabletID string) {
	r.mu.Lock()
	delete(r.tablets, tabletID)
	r.mu.Unlock()
}

func (r *Registry) openPersistentSorted(id string, mode tablet.InMemoryMode) error {
	r.chunksMu.Lock()
	defer r.chunksMu.Unlock()
	if _, ok := r.chunks[id]; ok {
		return nil
	}
	chunk, err := chunkstore.OpenBoltSortedChunk(r.chunkPath(id), id)
	if err != nil {
		return fmt.Errorf("mount: reopen chunk %s: %w", id, err)
	}
	r.chunks[id] = chunk
	r.closers[id] = chunk.CloseFile

	// A store reopened on mount was sealed by an earlier process, so
	// nothing has captured its blocks yet; schedule a background
	// preload instead.
	if mode != tablet.InMemoryModeNone && r.inmem != nil {
		r.inmem.Enqueue(inmemory.PreloadTask{ChunkID: id, Mode: mode, Reader: chunk, Recency: time.Now()})
	}
	return nil
}

func (r *Registry) chunkPath(id string) string {
	return filepath.Join(r.chunkDir, id+".db")
}

// MountedTabletIDs implements tabletservice.Registry.
func (r *Registry) MountedTabletIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tablets))
	for id := range r.tablets {
		ids = append(ids, id)
	}
	return ids
}

// Lookup implements balancer.TabletLookup.
func (r *Registry) Lookup(tabletID string) (*tablet.Tablet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tablets[tabletID]
	if !ok {
		return nil, false
	}
	return e.tablet, true
}

// managers snapshots every mounted tablet's store manager.
func (r *Registry) managers() []*storemanager.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storemanager.Manager, 0, len(r.tablets))
	for _, e := range r.tablets {
		out = append(out, e.manager)
	}
	return out
}

// PrepareTransaction fans a transaction's prepare out to every mounted
// tablet whose stores it locked. Managers whose stores
// the transaction never touched no-op.
func (r *Registry) PrepareTransaction(txn *tablet.Transaction, prepareTS tablet.Timestamp) {
	for _, m := range r.managers() {
		m.PrepareTransaction(txn, prepareTS)
	}
}

// CommitTransaction publishes a committed transaction's revisions in
// every store it locked and applies its buffered ordered write logs
// — the store-side half of txmanager.Commit.
func (r *Registry) CommitTransaction(txn *tablet.Transaction, commitTS tablet.Timestamp) {
	for _, m := range r.managers() {
		m.CommitTransaction(txn, commitTS)
	}
}

// AbortTransaction releases an aborted transaction's locks and rolls
// back its uncommitted edits in every store it touched.
func (r *Registry) AbortTransaction(txn *tablet.Transaction) {
	for _, m := range r.managers() {
		m.AbortTransaction(txn)
	}
}

// NewSortedChunkWriter is the flusher/compactor chunk-writer factory:
// it opens a fresh bbolt-backed chunk under the node's chunk
// directory and registers it in the chunk map immediately, so that by
// the time a candidate scan needs a merger.Source for this store id
// (always after the writer's Close, since the store only becomes
// StorePersistent then) the handle is already there.
func (r *Registry) NewSortedChunkWriter(id string, mode tablet.InMemoryMode) (chunkstore.ChunkWriter, error) {
	chunk, err := chunkstore.OpenBoltSortedChunk(r.chunkPath(id), id)
	if err != nil {
		return nil, fmt.Errorf("mount: create chunk %s: %w", id, err)
	}
	if mode != tablet.InMemoryModeNone && r.inmem != nil {
		chunk.SetCache(inmemory.NewInterceptingCache(r.inmem))
	}
	r.chunksMu.Lock()
	r.chunks[id] = chunk
	r.closers[id] = chunk.CloseFile
	r.chunksMu.Unlock()
	return chunk, nil
}

// NewOrderedChunkWriter is the ordered-store flusher factory. Ordered
// chunk handles aren't read back through merger.Source (range scans on
// ordered tablets go through dynamicstore.OrderedStore/BoltOrderedChunk
// directly), so it doesn't register into the chunk map.
func (r *Registry) NewOrderedChunkWriter(id string, startingRowIndex uint64, mode tablet.InMemoryMode) (chunkstore.ChunkWriter, error) {
	chunk, err := chunkstore.OpenBoltOrderedChunk(r.chunkPath(id), id, startingRowIndex)
	if err != nil {
		return nil, fmt.Errorf("mount: create ordered chunk %s: %w", id, err)
	}
	if mode != tablet.InMemoryModeNone && r.inmem != nil {
		chunk.SetCache(inmemory.NewInterceptingCache(r.inmem))
	}
	r.chunksMu.Lock()
	r.closers[id] = chunk.CloseFile
	r.chunksMu.Unlock()
	return chunk, nil
}

func (r *Registry) sourceFor(meta *tablet.StoreMeta, e *entry) merger.Source {
	switch meta.State {
	case tablet.StorePersistent:
		r.chunksMu.RLock()
		src, ok := r.chunks[meta.ID]
		r.chunksMu.RUnlock()
		if ok {
			return src
		}
	case tablet.StoreActiveDynamic, tablet.StorePassiveDynamic:
		if store, ok := e.manager.SortedInstance(meta.ID); ok {
			return store
		}
	}
	return nil
}

// FlushCandidates implements flusher.Source: every passive, not
// already-flushing sorted or ordered store across every mounted
// tablet.
func (r *Registry) FlushCandidates() []flusher.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []flusher.Candidate
	for _, e := range r.tablets {
		for _, meta := range e.tablet.AllStores() {
			if meta.State != tablet.StorePassiveDynamic || meta.FlushState == tablet.TaskRunning {
				continue
			}
			out = append(out, flusher.Candidate{Tablet: e.tablet, Manager: e.manager, Store: meta})
		}
	}
	return out
}

// CompactionCandidates implements compactor.Source: persistent sorted
// stores grouped by partition id (Eden included under
// tablet.EdenPartitionID), each group becoming one candidate once it
// has more than one store.
func (r *Registry) CompactionCandidates() []compactor.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []compactor.Candidate
	for _, e := range r.tablets {
		if e.tablet.Kind != tablet.KindSorted {
			continue
		}
		groups := make(map[string][]*tablet.StoreMeta)
		for _, meta := range e.tablet.AllStores() {
			if meta.State != tablet.StorePersistent || meta.Kind != tablet.KindSorted {
				continue
			}
			pid := meta.PartitionID
			if pid == "" {
				pid = tablet.EdenPartitionID
			}
			groups[pid] = append(groups[pid], meta)
		}
		for pid, metas := range groups {
			if len(metas) < 2 {
				continue
			}
			sources := make([]merger.Source, 0, len(metas))
			var majorTS tablet.Timestamp
			for _, meta := range metas {
				if src := r.sourceFor(meta, e); src != nil {
					sources = append(sources, src)
				}
				if meta.MinTimestamp < majorTS || majorTS == 0 {
					majorTS = meta.MinTimestamp
				}
			}
			if pid == tablet.EdenPartitionID {
				// Eden stores are always *partitioned* across the
				// tablet's current partition list rather than merged
				// into one store; partitioning lowers the overlapping
				// store count by stores-1 whenever two or more exist.
				out = append(out, compactor.Candidate{
					Tablet: e.tablet, PartitionID: pid, Stores: metas, Sources: sources,
					IsEdenPartitioning: true, Partitions: e.tablet.Partitions(),
				})
				continue
			}
			out = append(out, compactor.Candidate{
				Tablet: e.tablet, PartitionID: pid, Stores: metas, Sources: sources, MajorTS: majorTS,
			})
		}
	}
	return out
}

// ReplaceStores implements compactor.Sink: it swaps the compacted
// stores for the freshly installed one directly on the tablet, then
// drops the replaced stores' chunk handles.
func (r *Registry) ReplaceStores(t *tablet.Tablet, partitionID string, removed []*tablet.StoreMeta, installed *tablet.StoreMeta) {
	t.Lock()
	for _, meta := range removed {
		t.RemoveStoreLocked(meta.ID)
	}
	t.AddStoreLocked(installed)
	t.Unlock()

	r.chunksMu.Lock()
	for _, meta := range removed {
		if closer, ok := r.closers[meta.ID]; ok {
			_ = closer()
			delete(r.closers, meta.ID)
		}
		delete(r.chunks, meta.ID)
	}
	r.chunksMu.Unlock()
}

// InstallPartitionedStores implements compactor.Sink's Eden-partitioner
// output: drops the consumed Eden stores and adds one freshly-written
// store per output partition, atomically under the tablet's lock.
func (r *Registry) InstallPartitionedStores(t *tablet.Tablet, removed []*tablet.StoreMeta, installed []*tablet.StoreMeta) {
	t.Lock()
	for _, meta := range removed {
		t.RemoveStoreLocked(meta.ID)
	}
	for _, meta := range installed {
		t.AddStoreLocked(meta)
	}
	t.Unlock()

	r.chunksMu.Lock()
	for _, meta := range removed {
		if closer, ok := r.closers[meta.ID]; ok {
			_ = closer()
			delete(r.closers, meta.ID)
		}
		delete(r.chunks, meta.ID)
	}
	r.chunksMu.Unlock()
}

// BalanceCandidates implements balancer.Source: every non-Eden
// partition of every mounted sorted tablet, with its current and
// Eden-inclusive potential data size.
func (r *Registry) BalanceCandidates() []balancer.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []balancer.Candidate
	for _, e := range r.tablets {
		if e.tablet.Kind != tablet.KindSorted {
			continue
		}
		partitions := e.tablet.Partitions()
		var edenSize int64
		for _, meta := range e.tablet.StoresInPartition(tablet.EdenPartitionID) {
			edenSize += meta.CompressedDataSize
		}
		for _, p := range partitions {
			var sources []merger.Source
			var dataSize int64
			for _, id := range p.StoreIDs {
				meta := e.tablet.Store(id)
				if meta == nil {
					continue
				}
				dataSize += meta.CompressedDataSize
				if src := r.sourceFor(meta, e); src != nil {
					sources = append(sources, src)
				}
			}
			out = append(out, balancer.Candidate{
				Tablet:           e.tablet,
				Partition:        p,
				Sources:          sources,
				PartitionCount:   len(partitions),
				DataSize:         dataSize,
				MaxPotentialSize: dataSize + edenSize,
			})
		}
	}
	return out
}

// Snapshot builds a storage.TabletSnapshot for tabletID, suitable for
// storage.Store.SaveTablet — used after every mutation that changes a
// tablet's store set or partition list (flush, compaction, split,
// merge).
func (r *Registry) Snapshot(tabletID string) (storage.TabletSnapshot, bool) {
	t, ok := r.Lookup(tabletID)
	if !ok {
		return storage.TabletSnapshot{}, false
	}
	return storage.SnapshotFromTablet(t), true
}
