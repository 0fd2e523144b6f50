package chunkstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

type fakeCache struct {
	puts map[uint32]Block
}

func newFakeCache() *fakeCache { return &fakeCache{puts: make(map[uint32]Block)} }

func (f *fakeCache) Put(chunkID string, blockIndex uint32, block Block) { f.puts[blockIndex] = block }
func (f *fakeCache) Find(chunkID string, blockIndex uint32) (Block, bool) {
	b, ok := f.puts[blockIndex]
	return b, ok
}

func TestBoltSortedChunkWriteAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")

	w, err := OpenBoltSortedChunk(path, "c1")
	require.NoError(t, err)
	require.NoError(t, w.Open(ctx))

	require.NoError(t, w.WriteVersionedRow(VersionedRowWrite{
		Key:     tablet.Key("a"),
		Columns: map[int][]dynamicstore.ColumnVersion{1: {{Value: int64(1), Timestamp: 5}}},
	}))
	require.NoError(t, w.WriteVersionedRow(VersionedRowWrite{
		Key:     tablet.Key("b"),
		Columns: map[int][]dynamicstore.ColumnVersion{1: {{Value: int64(2), Timestamp: 6}}},
	}))

	meta, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.RowCount)
	assert.Equal(t, tablet.Key("a"), meta.MinKey)
	assert.Equal(t, tablet.Key("b"), meta.MaxKey)
	require.NoError(t, w.CloseFile())

	r, err := OpenBoltSortedChunk(path, "c1")
	require.NoError(t, err)
	defer r.CloseFile()

	keys := r.Keys(nil, nil)
	assert.Equal(t, []tablet.Key{tablet.Key("a"), tablet.Key("b")}, keys)

	versions, _, ok := r.RawVersions(tablet.Key("a"))
	require.True(t, ok)
	require.Len(t, versions[1], 1)
	assert.Equal(t, int64(1), versions[1][0].Value)

	blocks, err := r.ReadBlocks(ctx, []uint32{0})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(0), blocks[0].Index)
	assert.NotEmpty(t, blocks[0].Data)
}

func TestBoltSortedChunkSetCachePopulatesOnFlush(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")

	w, err := OpenBoltSortedChunk(path, "c1")
	require.NoError(t, err)
	cache := newFakeCache()
	w.SetCache(cache)
	require.NoError(t, w.Open(ctx))

	require.NoError(t, w.WriteVersionedRow(VersionedRowWrite{Key: tablet.Key("a")}))
	_, err = w.Close(ctx)
	require.NoError(t, err)
	defer w.CloseFile()

	assert.Len(t, cache.puts, 1, "closing the writer must flush the partial block into the cache")
}

func TestBoltSortedChunkReadBlocksPrefersCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")

	w, err := OpenBoltSortedChunk(path, "c1")
	require.NoError(t, err)
	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.WriteVersionedRow(VersionedRowWrite{Key: tablet.Key("a")}))
	_, err = w.Close(ctx)
	require.NoError(t, err)
	defer w.CloseFile()

	w.SetCache(&fakeCache{puts: map[uint32]Block{0: {Index: 0, Data: []byte("from-cache")}}})

	blocks, err := w.ReadBlocks(ctx, []uint32{0})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []byte("from-cache"), blocks[0].Data)
}

func TestBoltOrderedChunkWriteAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")

	w, err := OpenBoltOrderedChunk(path, "c1", 100)
	require.NoError(t, err)
	require.NoError(t, w.Open(ctx))

	require.NoError(t, w.WriteOrderedRow(100, map[int]tablet.Value{1: "x"}))
	require.NoError(t, w.WriteOrderedRow(101, map[int]tablet.Value{1: "y"}))

	meta, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.RowCount)
	require.NoError(t, w.CloseFile())

	r, err := OpenBoltOrderedChunk(path, "c1", 100)
	require.NoError(t, err)
	defer r.CloseFile()

	gotMeta, err := r.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), gotMeta.StartingRowIndex)

	var indexes []uint64
	r.RangeAt(100, 102, 0, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{100, 101}, indexes)

	blocks, err := r.ReadBlocks(ctx, []uint32{0})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}

func TestBoltOrderedChunkRangeAtRespectsTrim(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")

	w, err := OpenBoltOrderedChunk(path, "c1", 0)
	require.NoError(t, err)
	require.NoError(t, w.Open(ctx))
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, w.WriteOrderedRow(i, map[int]tablet.Value{1: i}))
	}
	_, err = w.Close(ctx)
	require.NoError(t, err)
	defer w.CloseFile()

	var indexes []uint64
	w.RangeAt(0, 5, 3, func(index uint64, values map[int]tablet.Value) bool {
		indexes = append(indexes, index)
		return true
	})
	assert.Equal(t, []uint64{3, 4}, indexes)
}
