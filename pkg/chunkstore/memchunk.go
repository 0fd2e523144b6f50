package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

var rowsBucket = []byte("rows")
var metaBucket = []byte("meta")
var blocksBucket = []byte("blocks")

// blockRowSpan is how many written rows the chunk writer groups into one
// Block for the in-memory manager; the preload reader assumes the
// same span when it estimates a chunk's block count from its row count.
const blockRowSpan = 1024

// BoltSortedChunk is a sealed sorted chunk store, persisted to a
// single bbolt file. It
// implements merger.Source so it can be fanned into the same merging
// readers as an active dynamicstore.SortedStore.
type BoltSortedChunk struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	meta ChunkMeta

	writing bool

	cache        BlockCache
	blockBuf     []byte
	rowsInBlock  int
	nextBlockIdx uint32
}

// SetCache installs the intercepting block cache this writer
// should populate as rows are written. Must be called before Open.
func (c *BoltSortedChunk) SetCache(cache BlockCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = cache
}

func (c *BoltSortedChunk) appendToBlock(raw []byte) error {
	c.blockBuf = append(c.blockBuf, raw...)
	c.blockBuf = append(c.blockBuf, '\n')
	c.rowsInBlock++
	if c.rowsInBlock >= blockRowSpan {
		return c.flushBlock()
	}
	return nil
}

func (c *BoltSortedChunk) flushBlock() error {
	if c.rowsInBlock == 0 {
		return nil
	}
	index := c.nextBlockIdx
	data := append([]byte(nil), c.blockBuf...)
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(blocksBucket)
		if err != nil {
			return err
		}
		return b.Put(blockIndexKey(index), data)
	}); err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Put(c.meta.ID, index, Block{Index: index, Data: data})
	}
	c.nextBlockIdx++
	c.blockBuf = c.blockBuf[:0]
	c.rowsInBlock = 0
	return nil
}

func blockIndexKey(index uint32) []byte {
	return []byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)}
}

type sortedRowRecord struct {
	Columns map[int][]dynamicstore.ColumnVersion
	Deletes []tablet.Timestamp
}

// OpenBoltSortedChunk opens (or creates, when writing) a chunk file.
func OpenBoltSortedChunk(path string, id string) (*BoltSortedChunk, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, tablet.NewError(tablet.CodeChunkUnavailable, "opening chunk file").WithCause(err)
	}
	c := &BoltSortedChunk{db: db, meta: ChunkMeta{ID: id}}
	if err := c.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *BoltSortedChunk) loadMeta() error {
	return c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte("meta"))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &c.meta)
	})
}

func (c *BoltSortedChunk) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = true
	return c.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(rowsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
}

func (c *BoltSortedChunk) WriteVersionedRow(row VersionedRowWrite) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writing {
		return tablet.NewError(tablet.CodeInvalidState, "chunk writer not open")
	}
	rec := sortedRowRecord{Columns: row.Columns, Deletes: row.Deletes}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(rowsBucket).Put(row.Key, raw)
	}); err != nil {
		return err
	}

	if c.meta.RowCount == 0 || tablet.Less(row.Key, c.meta.MinKey) {
		c.meta.MinKey = append(tablet.Key(nil), row.Key...)
	}
	if c.meta.RowCount == 0 || tablet.Less(c.meta.MaxKey, row.Key) {
		c.meta.MaxKey = append(tablet.Key(nil), row.Key...)
	}
	c.meta.RowCount++
	for _, versions := range row.Columns {
		for _, v := range versions {
			if c.meta.MinTimestamp == 0 || v.Timestamp < c.meta.MinTimestamp {
				c.meta.MinTimestamp = v.Timestamp
			}
			if v.Timestamp > c.meta.MaxTimestamp {
				c.meta.MaxTimestamp = v.Timestamp
			}
		}
	}
	c.meta.UncompressedDataSize += int64(len(raw))
	return c.appendToBlock(raw)
}

func (c *BoltSortedChunk) WriteOrderedRow(index uint64, values map[int]tablet.Value) error {
	return fmt.Errorf("WriteOrderedRow not supported on a sorted chunk")
}

func (c *BoltSortedChunk) Close(ctx context.Context) (ChunkMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = false
	if err := c.flushBlock(); err != nil {
		return ChunkMeta{}, err
	}
	raw, err := json.Marshal(c.meta)
	if err != nil {
		return ChunkMeta{}, err
	}
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte("meta"), raw)
	}); err != nil {
		return ChunkMeta{}, err
	}
	return c.meta, nil
}

func (c *BoltSortedChunk) ReadMeta(ctx context.Context) (ChunkMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta, nil
}

// ReadBlocks satisfies chunkstore.ChunkReader, checking the intercepting
// cache before falling back to the blocks bucket written alongside the
// row data.
func (c *BoltSortedChunk) ReadBlocks(ctx context.Context, indexes []uint32) ([]Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, 0, len(indexes))
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		for _, idx := range indexes {
			if c.cache != nil {
				if blk, ok := c.cache.Find(c.meta.ID, idx); ok {
					out = append(out, blk)
					continue
				}
			}
			if b == nil {
				continue
			}
			raw := b.Get(blockIndexKey(idx))
			if raw == nil {
				continue
			}
			out = append(out, Block{Index: idx, Data: append([]byte(nil), raw...)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Keys implements merger.Source.
func (c *BoltSortedChunk) Keys(lower, upper tablet.Key) []tablet.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []tablet.Key
	c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		if b == nil {
			return nil
		}
		cur := b.Cursor()
		for k, _ := cur.Seek(lower); k != nil; k, _ = cur.Next() {
			key := tablet.Key(append([]byte(nil), k...))
			if upper != nil && !tablet.Less(key, upper) {
				break
			}
			out = append(out, key)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return tablet.Less(out[i], out[j]) })
	return out
}

// RawVersions implements merger.Source.
func (c *BoltSortedChunk) RawVersions(key tablet.Key) (map[int][]dynamicstore.ColumnVersion, []tablet.Timestamp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var rec sortedRowRecord
	found := false
	c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		found = json.Unmarshal(raw, &rec) == nil
		return nil
	})
	if !found {
		return nil, nil, false
	}
	return rec.Columns, rec.Deletes, true
}

// CloseFile releases the underlying bbolt file handle once the chunk
// is evicted from the working set.
func (c *BoltSortedChunk) CloseFile() error { return c.db.Close() }

// BoltOrderedChunk is a sealed ordered chunk store. It implements
// merger.OrderedSource.
type BoltOrderedChunk struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	meta ChunkMeta

	writing   bool
	nextIndex uint64

	cache        BlockCache
	blockBuf     []byte
	rowsInBlock  int
	nextBlockIdx uint32
}

func OpenBoltOrderedChunk(path, id string, startingRowIndex uint64) (*BoltOrderedChunk, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, tablet.NewError(tablet.CodeChunkUnavailable, "opening chunk file").WithCause(err)
	}
	c := &BoltOrderedChunk{db: db, meta: ChunkMeta{ID: id, StartingRowIndex: startingRowIndex}, nextIndex: startingRowIndex}
	return c, nil
}

// SetCache installs the intercepting block cache this writer
// should populate as rows are written. Must be called before Open.
func (c *BoltOrderedChunk) SetCache(cache BlockCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = cache
}

func (c *BoltOrderedChunk) appendToBlock(raw []byte) error {
	c.blockBuf = append(c.blockBuf, raw...)
	c.blockBuf = append(c.blockBuf, '\n')
	c.rowsInBlock++
	if c.rowsInBlock >= blockRowSpan {
		return c.flushBlock()
	}
	return nil
}

func (c *BoltOrderedChunk) flushBlock() error {
	if c.rowsInBlock == 0 {
		return nil
	}
	index := c.nextBlockIdx
	data := append([]byte(nil), c.blockBuf...)
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(blocksBucket)
		if err != nil {
			return err
		}
		return b.Put(blockIndexKey(index), data)
	}); err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Put(c.meta.ID, index, Block{Index: index, Data: data})
	}
	c.nextBlockIdx++
	c.blockBuf = c.blockBuf[:0]
	c.rowsInBlock = 0
	return nil
}

func (c *BoltOrderedChunk) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = true
	return c.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rowsBucket)
		return err
	})
}

func (c *BoltOrderedChunk) WriteVersionedRow(row VersionedRowWrite) error {
	return fmt.Errorf("WriteVersionedRow not supported on an ordered chunk")
}

func (c *BoltOrderedChunk) WriteOrderedRow(index uint64, values map[int]tablet.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writing {
		return tablet.NewError(tablet.CodeInvalidState, "chunk writer not open")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	key := rowIndexKey(index)
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(rowsBucket).Put(key, raw)
	}); err != nil {
		return err
	}
	c.meta.RowCount++
	c.meta.UncompressedDataSize += int64(len(raw))
	if index+1 > c.nextIndex {
		c.nextIndex = index + 1
	}
	return c.appendToBlock(raw)
}

func (c *BoltOrderedChunk) Close(ctx context.Context) (ChunkMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = false
	if err := c.flushBlock(); err != nil {
		return ChunkMeta{}, err
	}
	return c.meta, nil
}

func (c *BoltOrderedChunk) ReadMeta(ctx context.Context) (ChunkMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta, nil
}

// ReadBlocks satisfies chunkstore.ChunkReader for ordered chunks,
// mirroring BoltSortedChunk.ReadBlocks.
func (c *BoltOrderedChunk) ReadBlocks(ctx context.Context, indexes []uint32) ([]Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, 0, len(indexes))
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		for _, idx := range indexes {
			if c.cache != nil {
				if blk, ok := c.cache.Find(c.meta.ID, idx); ok {
					out = append(out, blk)
					continue
				}
			}
			if b == nil {
				continue
			}
			raw := b.Get(blockIndexKey(idx))
			if raw == nil {
				continue
			}
			out = append(out, Block{Index: idx, Data: append([]byte(nil), raw...)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BoltOrderedChunk) StartingRowIndex() uint64 { return c.meta.StartingRowIndex }

func (c *BoltOrderedChunk) RowCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.RowCount
}

func (c *BoltOrderedChunk) RangeAt(lower, upper, trimmedRowCount uint64, fn func(index uint64, values map[int]tablet.Value) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		if b == nil {
			return nil
		}
		cur := b.Cursor()
		for k, v := cur.Seek(rowIndexKey(lower)); k != nil; k, v = cur.Next() {
			idx := indexFromKey(k)
			if idx >= upper {
				break
			}
			if idx < trimmedRowCount {
				continue
			}
			var values map[int]tablet.Value
			if err := json.Unmarshal(v, &values); err != nil {
				continue
			}
			if !fn(idx, values) {
				return nil
			}
		}
		return nil
	})
}

// CloseFile releases the underlying bbolt file handle once the chunk
// is evicted from the working set.
func (c *BoltOrderedChunk) CloseFile() error { return c.db.Close() }

func rowIndexKey(index uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(index)
		index >>= 8
	}
	return b
}

func indexFromKey(k []byte) uint64 {
	var idx uint64
	for _, b := range k {
		idx = idx<<8 | uint64(b)
	}
	return idx
}
