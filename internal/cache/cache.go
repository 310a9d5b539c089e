// Package cache is the on-disk materialization layer between the
// filesystem adapter and the durable store: one file per Object, named
// by the object id, created sparse on first touch and filled in either
// wholesale or chunk-by-chunk, with presence tracked in
// store.CacheRecord/cache_chunks rather than in a second in-memory
// index.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cloudmount/cloudmount/internal/store"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
)

// Layer manages the cache directory and fronts store.CacheRecord /
// store.cache_chunks with file-level reads, writes and eviction.
type Layer struct {
	store            *store.Store
	dir              string
	chunkSize        int64
	partialThreshold int64

	// mu serializes placeholder-creation and presence-flip transitions
	// for a given object; the file's own ReadAt/WriteAt calls need no
	// lock beyond this since os.File is safe for concurrent use at
	// distinct offsets.
	mu sync.Mutex
}

// New opens (creating if necessary) a cache directory rooted at dir.
// chunkSize is the partial-materialization granularity; partialThreshold
// is the size above which EnsurePlaceholder defers to chunked download
// instead of fetching the whole object at once.
func New(st *store.Store, dir string, chunkSize, partialThreshold int64) (*Layer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Layer{store: st, dir: dir, chunkSize: chunkSize, partialThreshold: partialThreshold}, nil
}

// ErrMissingChunks is returned by ReadAt when the requested range spans
// chunks that have not been materialized yet. Callers (the adapter, via
// the sync engine's chunk fetcher) use Missing to decide what to
// request before retrying the read.
type ErrMissingChunks struct {
	ObjectID string
	Missing  []int
}

func (e *ErrMissingChunks) Error() string {
	return fmt.Sprintf("object %s: chunks %v not materialized", e.ObjectID, e.Missing)
}

// path returns the cache file path for objectID: a file directly under
// the cache directory whose name is the object id.
func (l *Layer) path(objectID string) string {
	return filepath.Join(l.dir, objectID)
}

// ShouldChunk reports whether an object of the given size should be
// materialized chunk-by-chunk instead of fetched whole.
func (l *Layer) ShouldChunk(size int64) bool {
	return size > l.partialThreshold
}

// ChunkSize returns the configured chunk granularity.
func (l *Layer) ChunkSize() int64 { return l.chunkSize }

func (l *Layer) chunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + l.chunkSize - 1) / l.chunkSize)
}

// RequiredChunks returns the sorted, deduplicated set of chunk indices
// that overlap the byte range [offset, offset+length) of an object of
// the given total size.
func (l *Layer) RequiredChunks(offset, length, size int64) []int {
	if length <= 0 {
		return nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	if end <= offset {
		return nil
	}
	first := int(offset / l.chunkSize)
	last := int((end - 1) / l.chunkSize)
	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

// Stat returns the CacheRecord for objectID, or store.ErrNotFound if no
// placeholder has been created yet.
func (l *Layer) Stat(ctx context.Context, objectID string) (*store.CacheRecord, error) {
	return l.store.GetCacheRecord(ctx, objectID)
}

// ChunkPresent reports whether chunkIndex has already been materialized
// for objectID. A Full record answers true for every index without
// consulting the per-chunk table, since cache_chunks is cleared the
// moment a record flips to Full.
func (l *Layer) ChunkPresent(ctx context.Context, objectID string, chunkIndex int) (bool, error) {
	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return false, fmt.Errorf("chunk present: %w", err)
	}
	if cr.Present == store.PresenceFull {
		return true, nil
	}
	present, err := l.store.ListPresentChunks(ctx, objectID)
	if err != nil {
		return false, fmt.Errorf("chunk present: %w", err)
	}
	for _, p := range present {
		if p == chunkIndex {
			return true, nil
		}
	}
	return false, nil
}

// EnsurePlaceholder creates the sparse on-disk file and CacheRecord row
// for objectID if they don't already exist. A zero-size object is
// immediately marked Full since there is nothing to materialize. A
// larger object starts Missing (whole-file fetch) or Partial (chunked
// fetch) depending on ShouldChunk.
func (l *Layer) EnsurePlaceholder(ctx context.Context, objectID string, size int64) (*store.CacheRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.GetCacheRecord(ctx, objectID)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("ensure placeholder: %w", err)
	}

	p := l.path(objectID)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, cacheIOErr("ensure_placeholder", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, cacheIOErr("ensure_placeholder", err)
	}
	if err := f.Close(); err != nil {
		return nil, cacheIOErr("ensure_placeholder", err)
	}

	present := store.PresenceMissing
	if size == 0 {
		present = store.PresenceFull
	} else if l.ShouldChunk(size) {
		present = store.PresencePartial
	}

	cr := &store.CacheRecord{
		ObjectID:     objectID,
		CachePath:    p,
		CachedSize:   size,
		Present:      present,
		LastAccessed: time.Now().Unix(),
	}
	if err := l.store.UpsertCacheRecord(ctx, cr); err != nil {
		return nil, fmt.Errorf("ensure placeholder: %w", err)
	}
	return cr, nil
}

// WriteChunk materializes chunkIndex with data, records it present, and
// flips the record to Full once every chunk for the object's size has
// landed.
func (l *Layer) WriteChunk(ctx context.Context, objectID string, chunkIndex int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	f, err := os.OpenFile(cr.CachePath, os.O_WRONLY, 0o600)
	if err != nil {
		return cacheIOErr("write_chunk", err)
	}
	offset := int64(chunkIndex) * l.chunkSize
	_, werr := f.WriteAt(data, offset)
	cerr := f.Close()
	if werr != nil {
		return cacheIOErr("write_chunk", werr)
	}
	if cerr != nil {
		return cacheIOErr("write_chunk", cerr)
	}

	if err := l.store.AddPresentChunk(ctx, objectID, chunkIndex); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	present, err := l.store.ListPresentChunks(ctx, objectID)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if len(present) >= l.chunkCount(cr.CachedSize) {
		cr.Present = store.PresenceFull
		cr.LastAccessed = time.Now().Unix()
		if err := l.store.UpsertCacheRecord(ctx, cr); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		if err := l.store.ClearPresentChunks(ctx, objectID); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
	}
	return nil
}

// WriteWhole materializes the entire object from data in one shot (the
// non-chunked path for objects at or below partialThreshold) and marks
// the record Full.
func (l *Layer) WriteWhole(ctx context.Context, objectID string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("write whole: %w", err)
	}
	f, err := os.OpenFile(cr.CachePath, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return cacheIOErr("write_whole", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return cacheIOErr("write_whole", werr)
	}
	if cerr != nil {
		return cacheIOErr("write_whole", cerr)
	}

	cr.CachedSize = int64(len(data))
	cr.Present = store.PresenceFull
	cr.LastAccessed = time.Now().Unix()
	if err := l.store.UpsertCacheRecord(ctx, cr); err != nil {
		return fmt.Errorf("write whole: %w", err)
	}
	return l.store.ClearPresentChunks(ctx, objectID)
}

// ReadAt reads len(buf) bytes at offset from objectID's cache file. It
// returns *ErrMissingChunks if the record is Partial and the range
// touches a chunk that hasn't materialized yet; callers request the
// missing chunks and retry.
func (l *Layer) ReadAt(ctx context.Context, objectID string, buf []byte, offset int64) (int, error) {
	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}

	switch cr.Present {
	case store.PresenceMissing:
		return 0, &ErrMissingChunks{ObjectID: objectID, Missing: l.RequiredChunks(offset, int64(len(buf)), cr.CachedSize)}
	case store.PresencePartial:
		need := l.RequiredChunks(offset, int64(len(buf)), cr.CachedSize)
		present, err := l.store.ListPresentChunks(ctx, objectID)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		if missing := subtractSorted(need, present); len(missing) > 0 {
			return 0, &ErrMissingChunks{ObjectID: objectID, Missing: missing}
		}
	}

	f, err := os.Open(cr.CachePath)
	if err != nil {
		return 0, cacheIOErr("read", err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, cacheIOErr("read", err)
	}

	cr.LastAccessed = time.Now().Unix()
	_ = l.store.UpsertCacheRecord(ctx, cr)
	return n, nil
}

// WriteAt performs a local write into objectID's cache file. The
// adapter is responsible for fully materializing the file before
// allowing writes, so a successful WriteAt always leaves the record
// Full: a locally dirty file is never partially present.
func (l *Layer) WriteAt(ctx context.Context, objectID string, data []byte, offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	f, err := os.OpenFile(cr.CachePath, os.O_RDWR, 0o600)
	if err != nil {
		return 0, cacheIOErr("write", err)
	}
	n, werr := f.WriteAt(data, offset)
	cerr := f.Close()
	if werr != nil {
		return n, cacheIOErr("write", werr)
	}
	if cerr != nil {
		return n, cacheIOErr("write", cerr)
	}

	if grown := offset + int64(n); grown > cr.CachedSize {
		cr.CachedSize = grown
	}
	cr.Present = store.PresenceFull
	cr.LastAccessed = time.Now().Unix()
	if err := l.store.UpsertCacheRecord(ctx, cr); err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	return n, l.store.ClearPresentChunks(ctx, objectID)
}

// Truncate resizes objectID's cache file to size.
func (l *Layer) Truncate(ctx context.Context, objectID string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if err := os.Truncate(cr.CachePath, size); err != nil {
		return cacheIOErr("truncate", err)
	}
	cr.CachedSize = size
	cr.Present = store.PresenceFull
	if err := l.store.UpsertCacheRecord(ctx, cr); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return l.store.ClearPresentChunks(ctx, objectID)
}

// Open bumps the open-handle reference count, the guard Evict consults
// to refuse evicting a file a process currently has open.
func (l *Layer) Open(ctx context.Context, objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	cr.OpenCount++
	cr.LastAccessed = time.Now().Unix()
	return l.store.UpsertCacheRecord(ctx, cr)
}

// Close decrements the open-handle reference count set by Open.
func (l *Layer) Close(ctx context.Context, objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if cr.OpenCount > 0 {
		cr.OpenCount--
	}
	return l.store.UpsertCacheRecord(ctx, cr)
}

// Pin sets or clears the record's eviction-exempt flag.
func (l *Layer) Pin(ctx context.Context, objectID string, pinned bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("pin: %w", err)
	}
	cr.Pinned = pinned
	return l.store.UpsertCacheRecord(ctx, cr)
}

// ErrBusy is returned by Evict when the object is pinned, still open, or
// dirty in the store.
var ErrBusy = cloudmounterrors.NewError(cloudmounterrors.ErrCodeCacheBusy, "cache entry is pinned, open, or dirty")

// Evict reclaims a cached object's on-disk bytes without forgetting it
// was ever cached: the file is truncated to zero, its chunk set
// cleared, and its CacheRecord flipped to present = missing, so a
// status read still finds a record (derived as "cloud", not "local")
// rather than an evicted object looking the same as one never opened.
// Refuses with ErrBusy when the object is pinned, still open, or dirty
// in the store (an unflushed local write has nothing to re-download).
func (l *Layer) Evict(ctx context.Context, objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	if cr.Pinned || cr.OpenCount > 0 {
		return ErrBusy
	}
	obj, err := l.store.FetchObjectByID(ctx, objectID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("evict: %w", err)
	}
	if obj != nil && obj.Dirty {
		return ErrBusy
	}

	if err := os.Truncate(cr.CachePath, 0); err != nil && !os.IsNotExist(err) {
		return cacheIOErr("evict", err)
	}
	if err := l.store.ClearPresentChunks(ctx, objectID); err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	cr.Present = store.PresenceMissing
	cr.CachedSize = 0
	return l.store.UpsertCacheRecord(ctx, cr)
}

// Purge removes objectID's cache file and CacheRecord row outright. Use
// this only on a real deletion (local unlink or a remote-side delete
// reconciled by the sync engine), where there is no surviving object to
// re-materialize later; Evict is the right call everywhere else.
func (l *Layer) Purge(ctx context.Context, objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cr, err := l.store.GetCacheRecord(ctx, objectID)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if err := os.Remove(cr.CachePath); err != nil && !os.IsNotExist(err) {
		return cacheIOErr("purge", err)
	}
	return l.store.DeleteCacheRecord(ctx, objectID)
}

func cacheIOErr(op string, cause error) error {
	return cloudmounterrors.NewError(cloudmounterrors.ErrCodeCacheIO, "cache file operation failed").
		WithOperation(op).WithCause(cause)
}

// subtractSorted returns the elements of need not present in have; both
// slices must already be sorted ascending.
func subtractSorted(need, have []int) []int {
	if len(have) == 0 {
		return need
	}
	set := make(map[int]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	out := make([]int, 0)
	for _, n := range need {
		if _, ok := set[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
