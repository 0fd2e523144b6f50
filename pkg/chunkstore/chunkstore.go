// Package chunkstore implements the chunk storage interface:
// ChunkReader/ChunkWriter/BlockCache. A cluster deployment would back
// these with a remote chunk service; this package provides a concrete,
// in-process implementation backed by go.etcd.io/bbolt so the flush,
// compaction, and read paths are independently testable without a
// real cluster-wide chunk allocation service.
package chunkstore

import (
	"context"

	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// ChunkMeta is a chunk's catalog-visible metadata; sorted chunks
// additionally carry their boundary keys.
type ChunkMeta struct {
	ID                   string
	MinKey               tablet.Key
	MaxKey               tablet.Key
	StartingRowIndex     uint64
	RowCount             uint64
	MinTimestamp         tablet.Timestamp
	MaxTimestamp         tablet.Timestamp
	UncompressedDataSize int64
	CompressedDataSize   int64
}

// Block is one unit of a chunk's row data, the granularity at which
// the in-memory manager preloads and the intercepting cache captures
// writes.
type Block struct {
	Index uint32
	Data  []byte
}

// ChunkReader reads a previously-sealed chunk's blocks and metadata.
type ChunkReader interface {
	ReadBlocks(ctx context.Context, indexes []uint32) ([]Block, error)
	ReadMeta(ctx context.Context) (ChunkMeta, error)
}

// ChunkWriter builds a new chunk from a stream of merged rows.
type ChunkWriter interface {
	Open(ctx context.Context) error
	WriteVersionedRow(row VersionedRowWrite) error
	WriteOrderedRow(index uint64, values map[int]tablet.Value) error
	Close(ctx context.Context) (ChunkMeta, error)
}

// VersionedRowWrite is what the flusher/compactor pipeline feeds a
// ChunkWriter for sorted tablets: a key and its per-column committed
// versions plus delete timestamps (mirrors merger.VersionedRow without
// importing pkg/merger, to avoid a cycle — chunkstore is a dependency
// of pkg/merger's Source implementations, not the reverse).
type VersionedRowWrite struct {
	Key     tablet.Key
	Columns map[int][]dynamicstore.ColumnVersion
	Deletes []tablet.Timestamp
}

// BlockCache is the intercepting block cache: every block a
// flush/compaction writes for an in-memory tablet is captured here so
// the freshly-created chunk store is already preloaded.
type BlockCache interface {
	Put(chunkID string, blockIndex uint32, block Block)
	Find(chunkID string, blockIndex uint32) (Block, bool)
}
