// Package compactor selects and runs partition compaction and
// Eden-partitioning: a heap scheduler that pops the highest estimated
// benefit first picks candidates every scan, bounded concurrency runs
// them through the versioned reader, and a failure backs off the whole
// candidate, keyed by its partition id (individual stores carry no
// backoff of their own here).
package compactor

import (
	"container/heap"
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tablekit/tabletnode/pkg/chunkstore"
	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/merger"
	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Candidate is a compactable partition (or Eden) with its current
// store set, scored and scheduled by the compactor. IsEdenPartitioning
// marks an Eden candidate that should be *partitioned* — its rows
// demultiplexed across the tablet's partitions — rather than compacted
// into a single replacement store.
type Candidate struct {
	Tablet             *tablet.Tablet
	PartitionID        string
	Stores             []*tablet.StoreMeta
	Sources            []merger.Source
	MajorTS            tablet.Timestamp
	IsEdenPartitioning bool
	Partitions         []*tablet.Partition // only set when IsEdenPartitioning
}

// Source supplies every candidate partition currently eligible for
// compaction or Eden-partitioning consideration.
type Source interface {
	CompactionCandidates() []Candidate
}

// Sink accepts the merged output of one compaction run and installs
// the resulting chunk(s) into the tablet's store set, replacing the
// stores that were compacted.
type Sink interface {
	ReplaceStores(t *tablet.Tablet, partitionID string, removed []*tablet.StoreMeta, installed *tablet.StoreMeta)

	// InstallPartitionedStores implements the Eden-partitioner's output:
	// removed (the consumed Eden stores) are dropped and installed (one
	// chunk per output partition, already tagged with its PartitionID)
	// are added, atomically.
	InstallPartitionedStores(t *tablet.Tablet, removed []*tablet.StoreMeta, installed []*tablet.StoreMeta)
}

type NewChunkWriter func(id string, mode tablet.InMemoryMode) (chunkstore.ChunkWriter, error)

// candidateHeap orders candidates by estimated benefit: more
// overlapping stores and larger total data size sort first, with a
// random tiebreak so equally-ranked partitions don't starve each other
// across repeated scans.
type candidateHeap struct {
	items []scoredCandidate
}

type scoredCandidate struct {
	Candidate
	score    float64
	tiebreak float64
}

func (h candidateHeap) Len() int { return len(h.items) }
func (h candidateHeap) Less(i, j int) bool {
	if h.items[i].score != h.items[j].score {
		return h.items[i].score > h.items[j].score
	}
	return h.items[i].tiebreak > h.items[j].tiebreak
}
func (h candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap) Push(x any)   { h.items = append(h.items, x.(scoredCandidate)) }
func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

type Compactor struct {
	cfg    config.CompactorConfig
	src    Source
	sink   Sink
	logger zerolog.Logger

	newChunk NewChunkWriter

	// sem bounds concurrent compactions; partitionSem bounds concurrent
	// Eden-partitionings, so a burst of one kind cannot starve the
	// other.
	sem          *semaphore.Weighted
	partitionSem *semaphore.Weighted

	backoffUntil map[string]time.Time

	stopCh chan struct{}
}

func New(cfg config.CompactorConfig, src Source, sink Sink, newChunk NewChunkWriter) *Compactor {
	maxConcurrent := int64(cfg.MaxConcurrentCompactions)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	maxPartitioning := int64(cfg.MaxConcurrentPartitionings)
	if maxPartitioning <= 0 {
		maxPartitioning = 1
	}
	return &Compactor{
		cfg:          cfg,
		src:          src,
		sink:         sink,
		logger:       log.WithComponent("compactor"),
		newChunk:     newChunk,
		sem:          semaphore.NewWeighted(maxConcurrent),
		partitionSem: semaphore.NewWeighted(maxPartitioning),
		backoffUntil: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

func (c *Compactor) Start() { go c.run() }
func (c *Compactor) Stop()  { close(c.stopCh) }

func (c *Compactor) run() {
	interval := c.cfg.ScanInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scan()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Compactor) scan() {
	candidates := c.src.CompactionCandidates()
	h := &candidateHeap{}
	heap.Init(h)
	now := time.Now()
	for _, cand := range candidates {
		if until, ok := c.backoffUntil[cand.PartitionID]; ok && now.Before(until) {
			continue
		}
		if len(cand.Stores) < 2 {
			continue
		}
		heap.Push(h, scoredCandidate{Candidate: cand, score: c.score(cand), tiebreak: rand.Float64()})
	}

	for h.Len() > 0 {
		sc := heap.Pop(h).(scoredCandidate)
		cand := sc.Candidate

		if cand.IsEdenPartitioning {
			if !c.partitionSem.TryAcquire(1) {
				continue
			}
			go func(cand Candidate) {
				defer c.partitionSem.Release(1)
				if err := c.partitionOne(cand); err != nil {
					c.backoffUntil[cand.PartitionID] = time.Now().Add(c.jitteredBackoff())
					c.logger.Error().Err(err).Str("partition_id", cand.PartitionID).Msg("eden partitioning failed")
					metrics.CompactionsTotal.WithLabelValues("partitioning", "failure").Inc()
				} else {
					delete(c.backoffUntil, cand.PartitionID)
				}
			}(cand)
			continue
		}

		if !c.sem.TryAcquire(1) {
			continue
		}
		go func(cand Candidate) {
			defer c.sem.Release(1)
			if err := c.compactOne(cand); err != nil {
				c.backoffUntil[cand.PartitionID] = time.Now().Add(c.jitteredBackoff())
				c.logger.Error().Err(err).Str("partition_id", cand.PartitionID).Msg("compaction failed")
				metrics.CompactionsTotal.WithLabelValues("compaction", "failure").Inc()
			} else {
				delete(c.backoffUntil, cand.PartitionID)
			}
		}(cand)
	}
}

// score ranks a candidate by its overlapping-store-count and combined
// data size: more overlapping stores and bigger combined size rank a
// partition higher for compaction.
func (c *Compactor) score(cand Candidate) float64 {
	var totalSize int64
	for _, s := range cand.Stores {
		totalSize += s.UncompressedDataSize
	}
	return float64(len(cand.Stores)) + float64(totalSize)/float64(c.cfg.CompactionDataSizeBase+1)
}

func (c *Compactor) jitteredBackoff() time.Duration {
	base := c.cfg.CompactionErrorBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	jitter := c.cfg.CompactionErrorBackoffJitter
	if jitter <= 0 {
		return base
	}
	delta := time.Duration(float64(base) * jitter * (rand.Float64()*2 - 1))
	return base + delta
}

func (c *Compactor) compactOne(cand Candidate) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, "compaction")

	chunkID := uuid.New().String()
	writer, err := c.newChunk(chunkID, cand.Tablet.InMemoryMode)
	if err != nil {
		return err
	}
	if err := writer.Open(context.Background()); err != nil {
		return err
	}

	reader := &merger.VersionedReader{MajorTimestamp: cand.MajorTS}
	var lower, upper tablet.Key
	var writeErr error
	reader.Read(lower, upper, cand.Sources, func(row merger.VersionedRow) bool {
		if writeErr = writer.WriteVersionedRow(chunkstore.VersionedRowWrite{
			Key: row.Key, Columns: row.Columns, Deletes: row.Deletes,
		}); writeErr != nil {
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}

	meta, err := writer.Close(context.Background())
	if err != nil {
		return err
	}

	installed := &tablet.StoreMeta{
		ID: meta.ID, Kind: tablet.KindSorted, State: tablet.StorePersistent,
		MinKey: meta.MinKey, MaxKey: meta.MaxKey,
		MinTimestamp: meta.MinTimestamp, MaxTimestamp: meta.MaxTimestamp,
		UncompressedDataSize: meta.UncompressedDataSize, CompressedDataSize: meta.CompressedDataSize,
		PartitionID: cand.PartitionID,
	}
	c.sink.ReplaceStores(cand.Tablet, cand.PartitionID, cand.Stores, installed)
	metrics.CompactionsTotal.WithLabelValues("compaction", "success").Inc()
	return nil
}

// partitionOne executes Eden partitioning: a pool of writers, one per
// output partition, fed rows demultiplexed against the tablet's pivot
// key array, always lowering OSC by (stores-1) when >=2 Eden stores
// exist. Eden partitioning never applies a major
// timestamp ("partitioning uses MinTimestamp = 'no major compaction'"),
// so every version the Eden stores hold is preserved in the output.
func (c *Compactor) partitionOne(cand Candidate) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, "partitioning")

	writers := make(map[string]chunkstore.ChunkWriter, len(cand.Partitions))
	for _, p := range cand.Partitions {
		chunkID := uuid.New().String()
		w, err := c.newChunk(chunkID, cand.Tablet.InMemoryMode)
		if err != nil {
			return err
		}
		if err := w.Open(context.Background()); err != nil {
			return err
		}
		writers[p.ID] = w
	}

	reader := &merger.VersionedReader{MajorTimestamp: 0}
	var lower, upper tablet.Key
	var writeErr error
	reader.Read(lower, upper, cand.Sources, func(row merger.VersionedRow) bool {
		p := partitionForKey(cand.Partitions, row.Key)
		if p == nil {
			return true
		}
		w := writers[p.ID]
		if writeErr = w.WriteVersionedRow(chunkstore.VersionedRowWrite{
			Key: row.Key, Columns: row.Columns, Deletes: row.Deletes,
		}); writeErr != nil {
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}

	installed := make([]*tablet.StoreMeta, 0, len(cand.Partitions))
	for _, p := range cand.Partitions {
		meta, err := writers[p.ID].Close(context.Background())
		if err != nil {
			return err
		}
		if meta.RowCount == 0 {
			continue
		}
		installed = append(installed, &tablet.StoreMeta{
			ID: meta.ID, Kind: tablet.KindSorted, State: tablet.StorePersistent,
			MinKey: meta.MinKey, MaxKey: meta.MaxKey,
			MinTimestamp: meta.MinTimestamp, MaxTimestamp: meta.MaxTimestamp,
			UncompressedDataSize: meta.UncompressedDataSize, CompressedDataSize: meta.CompressedDataSize,
			PartitionID: p.ID,
		})
	}

	c.sink.InstallPartitionedStores(cand.Tablet, cand.Stores, installed)
	metrics.CompactionsTotal.WithLabelValues("partitioning", "success").Inc()
	return nil
}

// partitionForKey returns the partition owning key. Partitions are
// contiguous and cover the tablet's entire key range, so every Eden
// row maps to exactly one; nil is only possible if
// the tablet has no partitions, which partitioning never runs against.
func partitionForKey(partitions []*tablet.Partition, key tablet.Key) *tablet.Partition {
	for _, p := range partitions {
		if p.Contains(key) {
			return p
		}
	}
	return nil
}
