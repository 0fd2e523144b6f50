// Package inmemory implements the in-memory tablet manager: a
// priority-ordered preload queue drained by a bounded semaphore, and
// an intercepting block cache that captures flush/compaction writes
// so a freshly-sealed chunk store is already preloaded without a
// read-back.
package inmemory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tablekit/tabletnode/pkg/chunkstore"
	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// PreloadTask is one chunk store awaiting preload into RAM.
type PreloadTask struct {
	ChunkID string
	Mode    tablet.InMemoryMode
	Reader  chunkstore.ChunkReader

	// Recency and Pinned drive the preload priority (newer stores and
	// pinned tables win).
	Recency time.Time
	Pinned  bool

	// OnDone receives the preloaded dataset, or an error if the reader
	// fails; a preload aborted at the memory limit passes (nil, nil)
	// and registers no dataset. Called off the preload
	// goroutine.
	OnDone func(*Dataset, error)
}

// Dataset is one chunk's preloaded blocks, held in a lookup table from
// block index to its already-read Block (the per-chunk lookup hash
// table). The table is built whatever HashTableSize is; HashTableSize
// only sets the capacity of the Manager's LRU of datasets.
type Dataset struct {
	mu     sync.RWMutex
	blocks map[uint32]chunkstore.Block
	size   int64
}

func newDataset() *Dataset {
	return &Dataset{blocks: make(map[uint32]chunkstore.Block)}
}

func (d *Dataset) put(index uint32, b chunkstore.Block) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.blocks[index]; !exists {
		d.size += int64(len(b.Data))
	}
	d.blocks[index] = b
}

func (d *Dataset) get(index uint32) (chunkstore.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.blocks[index]
	return b, ok
}

func (d *Dataset) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// preloadHeap orders pending tasks by priority: pinned first, then by
// most recent activity.
type preloadHeap struct {
	items []PreloadTask
}

func (h preloadHeap) Len() int { return len(h.items) }
func (h preloadHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	return a.Recency.After(b.Recency)
}
func (h preloadHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *preloadHeap) Push(x any)   { h.items = append(h.items, x.(PreloadTask)) }
func (h *preloadHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Manager owns the preload queue and the per-chunk datasets of every
// preloaded or intercepted chunk.
type Manager struct {
	cfg    config.InMemoryConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending preloadHeap
	notify  chan struct{}

	sem *semaphore.Weighted

	datasets *lru.Cache[string, *Dataset]

	memUsed int64

	stopCh chan struct{}
}

func New(cfg config.InMemoryConfig) *Manager {
	maxConcurrent := int64(cfg.MaxConcurrentPreloads)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	cacheSize := cfg.HashTableSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[string, *Dataset](cacheSize)
	return &Manager{
		cfg:      cfg,
		logger:   log.WithComponent("inmemory"),
		notify:   make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(maxConcurrent),
		datasets: cache,
		stopCh:   make(chan struct{}),
	}
}

func (m *Manager) Start() { go m.run() }
func (m *Manager) Stop()  { close(m.stopCh) }

// Enqueue schedules a chunk for background preload, used when no
// intercepted dataset exists for it (a chunk reopened on mount).
func (m *Manager) Enqueue(task PreloadTask) {
	m.mu.Lock()
	heap.Push(&m.pending, task)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.notify:
			m.drain()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) drain() {
	for {
		if !m.sem.TryAcquire(1) {
			return
		}
		m.mu.Lock()
		if m.pending.Len() == 0 {
			m.mu.Unlock()
			m.sem.Release(1)
			return
		}
		task := heap.Pop(&m.pending).(PreloadTask)
		m.mu.Unlock()

		go func(t PreloadTask) {
			defer m.sem.Release(1)
			ds, err := m.preload(t)
			if t.OnDone != nil {
				t.OnDone(ds, err)
			}
		}(task)
	}
}

// preload reads a chunk's meta and every block in order, aborting
// gracefully (partial progress discarded) if the tablet's memory
// budget would be exceeded.
func (m *Manager) preload(t PreloadTask) (*Dataset, error) {
	ctx := context.Background()
	meta, err := t.Reader.ReadMeta(ctx)
	if err != nil {
		return nil, err
	}

	ds := newDataset()
	const window = 64
	blockCount := uint32(meta.RowCount/1024 + 1)
	for start := uint32(0); start < blockCount; start += window {
		end := start + window
		if end > blockCount {
			end = blockCount
		}
		indexes := make([]uint32, 0, end-start)
		for i := start; i < end; i++ {
			indexes = append(indexes, i)
		}
		blocks, err := t.Reader.ReadBlocks(ctx, indexes)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			if t.Mode == tablet.InMemoryModeUncompressed {
				b.Data = decompress(b.Data)
			}
			if !m.reserve(int64(len(b.Data))) {
				m.logger.Warn().Str("chunk_id", t.ChunkID).Msg("preload aborted: memory limit exceeded")
				return nil, nil
			}
			ds.put(b.Index, b)
		}
	}

	m.datasets.Add(t.ChunkID, ds)
	return ds, nil
}

func (m *Manager) reserve(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MemoryLimit > 0 && m.memUsed+n > m.cfg.MemoryLimit {
		return false
	}
	m.memUsed += n
	return true
}

// decompress is a placeholder for the codec the real chunk format
// would carry; Uncompressed mode here just returns the bytes as read.
func decompress(b []byte) []byte { return b }

// Lookup returns a preloaded chunk's dataset, if any.
func (m *Manager) Lookup(chunkID string) (*Dataset, bool) {
	return m.datasets.Get(chunkID)
}

// InterceptingCache implements chunkstore.BlockCache: every block a
// flush or compaction writes for an in-memory tablet is captured here
// as it's written, so the chunk is already preloaded on completion
// without reading it back off the chunk store.
type InterceptingCache struct {
	mgr *Manager
}

func NewInterceptingCache(mgr *Manager) *InterceptingCache {
	return &InterceptingCache{mgr: mgr}
}

func (c *InterceptingCache) Put(chunkID string, blockIndex uint32, block chunkstore.Block) {
	ds, ok := c.mgr.datasets.Get(chunkID)
	if !ok {
		ds = newDataset()
		c.mgr.datasets.Add(chunkID, ds)
	}
	ds.put(blockIndex, block)
}

func (c *InterceptingCache) Find(chunkID string, blockIndex uint32) (chunkstore.Block, bool) {
	ds, ok := c.mgr.datasets.Get(chunkID)
	if !ok {
		return chunkstore.Block{}, false
	}
	return ds.get(blockIndex)
}

var _ chunkstore.BlockCache = (*InterceptingCache)(nil)
