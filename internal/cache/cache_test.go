package cache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudmount/cloudmount/internal/store"
)

func newTestLayer(t *testing.T) (*Layer, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	l, err := New(st, dir, 8, 16) // 8-byte chunks, 16-byte partial threshold
	require.NoError(t, err)
	return l, st
}

func TestEnsurePlaceholderSmallObjectStartsMissing(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	cr, err := l.EnsurePlaceholder(ctx, "obj-1", 10)
	require.NoError(t, err)
	require.Equal(t, store.PresenceMissing, cr.Present)

	info, err := os.Stat(cr.CachePath)
	require.NoError(t, err)
	require.Equal(t, int64(10), info.Size())
}

func TestEnsurePlaceholderZeroSizeIsImmediatelyFull(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	cr, err := l.EnsurePlaceholder(ctx, "obj-empty", 0)
	require.NoError(t, err)
	require.Equal(t, store.PresenceFull, cr.Present)
}

func TestEnsurePlaceholderLargeObjectStartsPartial(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	cr, err := l.EnsurePlaceholder(ctx, "obj-big", 100) // > 16-byte threshold
	require.NoError(t, err)
	require.Equal(t, store.PresencePartial, cr.Present)
}

func TestEnsurePlaceholderIsIdempotent(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	first, err := l.EnsurePlaceholder(ctx, "obj-1", 10)
	require.NoError(t, err)
	second, err := l.EnsurePlaceholder(ctx, "obj-1", 999)
	require.NoError(t, err)
	require.Equal(t, first.CachePath, second.CachePath)
	require.Equal(t, int64(10), second.CachedSize)
}

func TestReadAtMissingObjectReturnsMissingChunks(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 10)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = l.ReadAt(ctx, "obj-1", buf, 0)
	require.Error(t, err)
	var missing *ErrMissingChunks
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []int{0, 1}, missing.Missing)
}

func TestWriteChunkFlipsToFullOnce(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	// size 20 with chunkSize 8 -> 3 chunks (0,1,2).
	cr, err := l.EnsurePlaceholder(ctx, "obj-1", 20)
	require.NoError(t, err)
	require.Equal(t, store.PresencePartial, cr.Present)

	require.NoError(t, l.WriteChunk(ctx, "obj-1", 0, []byte("AAAAAAAA")))
	require.NoError(t, l.WriteChunk(ctx, "obj-1", 1, []byte("BBBBBBBB")))

	mid, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, store.PresencePartial, mid.Present)

	require.NoError(t, l.WriteChunk(ctx, "obj-1", 2, []byte("CCCC")))

	final, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, store.PresenceFull, final.Present)

	present, err := l.store.ListPresentChunks(ctx, "obj-1")
	require.NoError(t, err)
	require.Empty(t, present)

	buf := make([]byte, 20)
	n, err := l.ReadAt(ctx, "obj-1", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, "AAAAAAAABBBBBBBBCCCC", string(buf))
}

func TestReadAtPartialWithSomeChunksMissing(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 20)
	require.NoError(t, err)
	require.NoError(t, l.WriteChunk(ctx, "obj-1", 0, []byte("AAAAAAAA")))

	buf := make([]byte, 8)
	_, err = l.ReadAt(ctx, "obj-1", buf, 8)
	require.Error(t, err)
	var missing *ErrMissingChunks
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []int{1}, missing.Missing)

	buf0 := make([]byte, 8)
	n, err := l.ReadAt(ctx, "obj-1", buf0, 0)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, "AAAAAAAA", string(buf0))
}

func TestWriteWholeMarksFull(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 5)
	require.NoError(t, err)
	require.NoError(t, l.WriteWhole(ctx, "obj-1", []byte("hello")))

	cr, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, store.PresenceFull, cr.Present)

	buf := make([]byte, 5)
	n, err := l.ReadAt(ctx, "obj-1", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestWriteAtLocalEditFlipsPartialToFull(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 20)
	require.NoError(t, err)
	require.NoError(t, l.WriteChunk(ctx, "obj-1", 0, []byte("AAAAAAAA")))

	_, err = l.WriteAt(ctx, "obj-1", []byte("ZZZZ"), 0)
	require.NoError(t, err)

	cr, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, store.PresenceFull, cr.Present)

	present, err := l.store.ListPresentChunks(ctx, "obj-1")
	require.NoError(t, err)
	require.Empty(t, present)
}

func TestWriteAtGrowsCachedSize(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 4)
	require.NoError(t, err)
	_, err = l.WriteAt(ctx, "obj-1", []byte("abcdef"), 0)
	require.NoError(t, err)

	cr, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), cr.CachedSize)
}

func TestTruncateShrinksFile(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	cr, err := l.EnsurePlaceholder(ctx, "obj-1", 10)
	require.NoError(t, err)
	require.NoError(t, l.Truncate(ctx, "obj-1", 3))

	info, err := os.Stat(cr.CachePath)
	require.NoError(t, err)
	require.Equal(t, int64(3), info.Size())
}

func TestEvictRefusesPinnedEntry(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 5)
	require.NoError(t, err)
	require.NoError(t, l.Pin(ctx, "obj-1", true))

	err = l.Evict(ctx, "obj-1")
	require.ErrorIs(t, err, ErrBusy)
}

func TestEvictRefusesOpenEntry(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 5)
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, "obj-1"))

	require.ErrorIs(t, l.Evict(ctx, "obj-1"), ErrBusy)

	require.NoError(t, l.Close(ctx, "obj-1"))
	require.NoError(t, l.Evict(ctx, "obj-1"))

	cr, err := l.Stat(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, store.PresenceMissing, cr.Present)
	require.Equal(t, int64(0), cr.CachedSize)

	info, err := os.Stat(cr.CachePath)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestPurgeRemovesFileAndRecord(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	cr, err := l.EnsurePlaceholder(ctx, "obj-1", 5)
	require.NoError(t, err)

	require.NoError(t, l.Purge(ctx, "obj-1"))

	_, err = os.Stat(cr.CachePath)
	require.True(t, os.IsNotExist(err))

	_, err = l.Stat(ctx, "obj-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestChunkPresentReflectsPartialAndFullStates(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	_, err := l.EnsurePlaceholder(ctx, "obj-1", 20)
	require.NoError(t, err)

	present, err := l.ChunkPresent(ctx, "obj-1", 0)
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, l.WriteChunk(ctx, "obj-1", 0, []byte("AAAAAAAA")))
	present, err = l.ChunkPresent(ctx, "obj-1", 0)
	require.NoError(t, err)
	require.True(t, present)

	present, err = l.ChunkPresent(ctx, "obj-1", 1)
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, l.WriteChunk(ctx, "obj-1", 1, []byte("BBBBBBBB")))
	require.NoError(t, l.WriteChunk(ctx, "obj-1", 2, []byte("CCCC")))
	present, err = l.ChunkPresent(ctx, "obj-1", 2)
	require.NoError(t, err)
	require.True(t, present)
}

func TestRequiredChunksClampsToObjectSize(t *testing.T) {
	l, _ := newTestLayer(t)
	// chunkSize 8, object size 20: reading [16,24) should clamp to chunk 2 only.
	require.Equal(t, []int{2}, l.RequiredChunks(16, 8, 20))
}
