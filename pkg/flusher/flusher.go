// Package flusher drains passive dynamic stores into persistent chunk
// stores: a periodic scan finds every passive store not
// already flushing, and up to MaxConcurrentFlush run concurrently,
// each writing the store's committed contents up to its flush
// watermark into a freshly opened chunk.
package flusher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tablekit/tabletnode/pkg/chunkstore"
	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/storemanager"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// NewSortedChunkWriter/NewOrderedChunkWriter construct the backing
// chunk (bbolt file, in production allocated through the master's
// BeginUpload/EndUpload exchange) for a flush task. Tests supply a
// temp-file or in-memory stand-in.
type NewSortedChunkWriter func(id string, mode tablet.InMemoryMode) (chunkstore.ChunkWriter, error)
type NewOrderedChunkWriter func(id string, startingRowIndex uint64, mode tablet.InMemoryMode) (chunkstore.ChunkWriter, error)

// Candidate is one passive store the flusher should consider, plus the
// collaborators needed to read it and to update the owning tablet's
// store set once the flush completes.
type Candidate struct {
	Tablet  *tablet.Tablet
	Manager *storemanager.Manager
	Store   *tablet.StoreMeta
}

// Source supplies the current flush candidate set, typically a thin
// wrapper iterating every mounted tablet's passive, not-yet-flushing
// stores.
type Source interface {
	FlushCandidates() []Candidate
}

type Flusher struct {
	cfg    config.FlusherConfig
	src    Source
	logger zerolog.Logger

	newSortedChunk  NewSortedChunkWriter
	newOrderedChunk NewOrderedChunkWriter

	sem *semaphore.Weighted

	stopCh chan struct{}
}

func New(cfg config.FlusherConfig, src Source, sortedFactory NewSortedChunkWriter, orderedFactory NewOrderedChunkWriter) *Flusher {
	maxConcurrent := int64(cfg.MaxConcurrentFlush)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Flusher{
		cfg:             cfg,
		src:             src,
		logger:          log.WithComponent("flusher"),
		newSortedChunk:  sortedFactory,
		newOrderedChunk: orderedFactory,
		sem:             semaphore.NewWeighted(maxConcurrent),
		stopCh:          make(chan struct{}),
	}
}

func (f *Flusher) Start() { go f.run() }
func (f *Flusher) Stop()  { close(f.stopCh) }

func (f *Flusher) run() {
	interval := f.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.scan()
		case <-f.stopCh:
			return
		}
	}
}

func (f *Flusher) scan() {
	for _, c := range f.src.FlushCandidates() {
		if c.Store.FlushState == tablet.TaskRunning {
			continue
		}
		if !f.sem.TryAcquire(1) {
			continue
		}
		c.Store.FlushState = tablet.TaskRunning
		go func(cand Candidate) {
			defer f.sem.Release(1)
			err := f.flushOne(cand)
			if err != nil {
				cand.Store.FlushState = tablet.TaskFailed
				f.logger.Error().Err(err).Str("store_id", cand.Store.ID).Msg("flush failed")
			} else {
				cand.Store.FlushState = tablet.TaskNone
			}
		}(c)
	}
}

func (f *Flusher) flushOne(c Candidate) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	var err error
	switch c.Store.Kind {
	case tablet.KindSorted:
		err = f.flushSorted(c)
	case tablet.KindOrdered:
		err = f.flushOrdered(c)
	}
	if err == nil {
		metrics.FlushesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.FlushesTotal.WithLabelValues("failure").Inc()
	}
	return err
}

func (f *Flusher) flushSorted(c Candidate) error {
	store, ok := c.Manager.SortedInstance(c.Store.ID)
	if !ok {
		return tablet.NewError(tablet.CodeInvalidState, "flusher: no sorted store instance").WithAttr("store", c.Store.ID)
	}
	watermark, ok := store.FlushWatermarkTimestamp()
	if !ok {
		return tablet.NewError(tablet.CodeInvalidState, "flusher: store has not rotated").WithAttr("store", c.Store.ID)
	}

	chunkID := uuid.New().String()
	writer, err := f.newSortedChunk(chunkID, c.Tablet.InMemoryMode)
	if err != nil {
		return err
	}
	if err := writer.Open(context.Background()); err != nil {
		return err
	}

	keys := store.Keys(nil, nil)
	batch := 0
	for _, key := range keys {
		cols, deletes, ok := store.RawVersions(key)
		if !ok {
			continue
		}
		filteredCols := make(map[int][]dynamicstore.ColumnVersion, len(cols))
		for col, versions := range cols {
			for _, v := range versions {
				if v.Timestamp <= watermark {
					filteredCols[col] = append(filteredCols[col], v)
				}
			}
		}
		var filteredDeletes []tablet.Timestamp
		for _, d := range deletes {
			if d <= watermark {
				filteredDeletes = append(filteredDeletes, d)
			}
		}
		if len(filteredCols) == 0 && len(filteredDeletes) == 0 {
			continue
		}
		if err := writer.WriteVersionedRow(chunkstore.VersionedRowWrite{Key: key, Columns: filteredCols, Deletes: filteredDeletes}); err != nil {
			return err
		}
		batch++
	}

	meta, err := writer.Close(context.Background())
	if err != nil {
		return err
	}

	c.Tablet.Lock()
	c.Store.State = tablet.StoreRemoved
	newMeta := &tablet.StoreMeta{
		ID: meta.ID, Kind: tablet.KindSorted, State: tablet.StorePersistent,
		MinKey: meta.MinKey, MaxKey: meta.MaxKey,
		MinTimestamp: meta.MinTimestamp, MaxTimestamp: meta.MaxTimestamp,
		UncompressedDataSize: meta.UncompressedDataSize, CompressedDataSize: meta.CompressedDataSize,
		PartitionID: c.Store.PartitionID,
	}
	c.Tablet.AddStoreLocked(newMeta)
	c.Tablet.Unlock()
	return nil
}

func (f *Flusher) flushOrdered(c Candidate) error {
	store, ok := c.Manager.OrderedInstance(c.Store.ID)
	if !ok {
		return tablet.NewError(tablet.CodeInvalidState, "flusher: no ordered store instance").WithAttr("store", c.Store.ID)
	}
	watermark, ok := store.FlushRowWatermark()
	if !ok {
		return tablet.NewError(tablet.CodeInvalidState, "flusher: store has not rotated").WithAttr("store", c.Store.ID)
	}

	chunkID := uuid.New().String()
	writer, err := f.newOrderedChunk(chunkID, store.StartingRowIndex(), c.Tablet.InMemoryMode)
	if err != nil {
		return err
	}
	if err := writer.Open(context.Background()); err != nil {
		return err
	}

	var rowCount uint64
	store.RangeAt(store.StartingRowIndex(), watermark, 0, func(index uint64, values map[int]tablet.Value) bool {
		if err := writer.WriteOrderedRow(index, values); err != nil {
			return false
		}
		rowCount++
		return true
	})

	meta, err := writer.Close(context.Background())
	if err != nil {
		return err
	}

	c.Tablet.Lock()
	c.Store.State = tablet.StoreRemoved
	newMeta := &tablet.StoreMeta{
		ID: meta.ID, Kind: tablet.KindOrdered, State: tablet.StorePersistent,
		StartingRowIndex: meta.StartingRowIndex, RowCount: rowCount,
		UncompressedDataSize: meta.UncompressedDataSize, CompressedDataSize: meta.CompressedDataSize,
	}
	c.Tablet.AddStoreLocked(newMeta)
	c.Tablet.Unlock()
	return nil
}
