// Package fuse adapts the model and cache layers to a POSIX surface via
// go-fuse/v2's low-maintenance Inode tree (github.com/hanwen/go-fuse/v2/fs),
// the way a FUSE filesystem adapter fronts an object storage backend.
package fuse

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cloudmount/cloudmount/internal/cache"
	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/metrics"
	"github.com/cloudmount/cloudmount/internal/model"
	"github.com/cloudmount/cloudmount/internal/store"
	"github.com/cloudmount/cloudmount/pkg/logging"
)

// FileSystem is the go-fuse root: it holds the shared dependencies every
// cloudNode and FileHandle needs and owns the chunk-wait deduplication
// group so two readers blocked on the same missing chunk only enqueue
// one download_chunk Action between them.
type FileSystem struct {
	gofs.Inode

	model  *model.Model
	cache  *cache.Layer
	config *config.DriveConfig
	logger zerolog.Logger

	chunkWaits singleflight.Group

	mu        sync.Mutex
	callerIDs map[uint32]string // pid -> cached process identity for the blacklist check

	metrics *metrics.Collector
}

// AttachMetrics wires a metrics.Collector into the filesystem so reads
// record a cache hit/miss; nil (the default) disables recording.
func (f *FileSystem) AttachMetrics(c *metrics.Collector) {
	f.metrics = c
}

// New builds the FUSE root. m and c must already be open; cfg supplies
// the bounded-wait and blacklist tunables.
func New(m *model.Model, c *cache.Layer, cfg *config.DriveConfig) *FileSystem {
	return &FileSystem{
		model:     m,
		cache:     c,
		config:    cfg,
		logger:    logging.Component("fuse"),
		callerIDs: make(map[uint32]string),
	}
}

// Root returns the inode embedder go-fuse mounts as the filesystem root,
// backed by the synthetic filesystem-root Object.
func (f *FileSystem) Root() gofs.InodeEmbedder {
	return &cloudNode{fsys: f, objectID: store.FSRootID}
}

// inoFor derives a stable, non-zero inode number from an Object id by
// fnv-1a hashing it, so the same logical file always reports the same
// Ino without a second id<->ino table alongside the store.
func inoFor(objectID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(objectID))
	n := h.Sum64()
	if n == 0 {
		return 1
	}
	return n
}

func clampPositive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

// backgroundContext is used where go-fuse hands us a request context
// that is canceled the moment the kernel op returns, but the store call
// it wraps (enqueuing an Action) must outlive that window.
func backgroundContext() context.Context { return context.Background() }
