package fuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cloudmount/cloudmount/internal/cache"
	"github.com/cloudmount/cloudmount/internal/model"
	"github.com/cloudmount/cloudmount/internal/store"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
)

// errChunkWaitTimeout marks a bounded chunk wait that ran past its
// deadline without the chunk materializing.
var errChunkWaitTimeout = errors.New("timed out waiting for chunk")

// cloudNode is the go-fuse inode for one entry in the logical tree,
// identified by its stable store.Object id rather than by path, the way
// model.Node already addresses everything by id.
type cloudNode struct {
	gofs.Inode
	fsys     *FileSystem
	objectID string
}

var (
	_ gofs.NodeLookuper      = (*cloudNode)(nil)
	_ gofs.NodeReaddirer     = (*cloudNode)(nil)
	_ gofs.NodeGetattrer     = (*cloudNode)(nil)
	_ gofs.NodeSetattrer     = (*cloudNode)(nil)
	_ gofs.NodeCreater       = (*cloudNode)(nil)
	_ gofs.NodeMkdirer       = (*cloudNode)(nil)
	_ gofs.NodeUnlinker      = (*cloudNode)(nil)
	_ gofs.NodeRmdirer       = (*cloudNode)(nil)
	_ gofs.NodeRenamer       = (*cloudNode)(nil)
	_ gofs.NodeOpener        = (*cloudNode)(nil)
	_ gofs.NodeGetxattrer    = (*cloudNode)(nil)
	_ gofs.NodeSetxattrer    = (*cloudNode)(nil)
	_ gofs.NodeListxattrer   = (*cloudNode)(nil)
	_ gofs.NodeRemovexattrer = (*cloudNode)(nil)
)

// xattrStatus and xattrPinned are the two pseudo-attributes this
// filesystem exposes per file: a read-only sync state and a read-write
// eviction-exempt flag. Every other name reports ENOTSUP rather than
// silently accepting writes it cannot persist.
const (
	xattrStatus = "user.cloudmount.status"
	xattrPinned = "user.cloudmount.pinned"
)

func (n *cloudNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string
	switch attr {
	case xattrStatus:
		node, errno := n.self(ctx)
		if errno != 0 {
			return 0, errno
		}
		switch {
		case node.SyncState() == store.SyncStateConflict:
			value = "conflict"
		case node.Dirty():
			value = "modified"
		default:
			value = "cloud"
			if cr, err := n.fsys.cache.Stat(ctx, n.objectID); err == nil && cr.Present == store.PresenceFull {
				value = "local"
			} else if err == nil && cr.Present == store.PresencePartial {
				value = "partial"
			}
		}
	case xattrPinned:
		cr, err := n.fsys.cache.Stat(ctx, n.objectID)
		if err != nil {
			return 0, syscall.EIO
		}
		if cr.Pinned {
			value = "1"
		} else {
			value = "0"
		}
	default:
		return 0, syscall.ENOTSUP
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func (n *cloudNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if attr != xattrPinned {
		return syscall.ENOTSUP
	}
	pinned := string(data) == "1"
	if err := n.fsys.cache.Pin(ctx, n.objectID, pinned); err != nil {
		return syscall.EIO
	}
	if !pinned {
		if err := n.fsys.cache.Evict(ctx, n.objectID); err != nil && !errors.Is(err, cache.ErrBusy) {
			return syscall.EIO
		}
	}
	return 0
}

func (n *cloudNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names := xattrStatus + "\x00" + xattrPinned + "\x00"
	if len(dest) == 0 {
		return uint32(len(names)), 0
	}
	if len(dest) < len(names) {
		return 0, syscall.ERANGE
	}
	return uint32(copy(dest, names)), 0
}

func (n *cloudNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if attr != xattrPinned {
		return syscall.ENOTSUP
	}
	if err := n.fsys.cache.Pin(ctx, n.objectID, false); err != nil {
		return syscall.EIO
	}
	if err := n.fsys.cache.Evict(ctx, n.objectID); err != nil && !errors.Is(err, cache.ErrBusy) {
		return syscall.EIO
	}
	return 0
}

func (n *cloudNode) self(ctx context.Context) (*model.Node, syscall.Errno) {
	node, err := n.fsys.model.Lookup(ctx, n.objectID)
	if err != nil {
		return nil, errnoFor(err)
	}
	return node, 0
}

func (n *cloudNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	child, err := n.fsys.model.Child(ctx, n.objectID, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	fillAttr(child, &out.Attr)
	return n.newChildInode(ctx, child), 0
}

func (n *cloudNode) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	node, errno := n.self(ctx)
	if errno != 0 {
		return nil, errno
	}

	switch lastSynced := node.Object().LastSyncedTime; {
	case lastSynced == 0 && n.objectID != store.FSRootID:
		if err := n.fsys.model.RequestListChildren(ctx, node); err != nil {
			return nil, syscall.EIO
		}
		n.fsys.waitForSync(ctx, n.objectID)
	case time.Since(time.Unix(lastSynced, 0)) > n.fsys.config.ReaddirStaleness:
		if err := n.fsys.model.RequestListChildren(ctx, node); err != nil {
			n.fsys.logger.Warn().Err(err).Str("object_id", n.objectID).Msg("enqueue readdir refresh failed")
		}
	}

	kids, err := n.fsys.model.Children(ctx, n.objectID)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(kids))
	for _, k := range kids {
		mode := uint32(fuse.S_IFREG)
		if k.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: k.Name(), Mode: mode, Ino: inoFor(k.ID())})
	}
	return gofs.NewListDirStream(entries), 0
}

func (n *cloudNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	node, errno := n.self(ctx)
	if errno != 0 {
		return errno
	}
	fillAttr(node, &out.Attr)
	return 0
}

func (n *cloudNode) Setattr(ctx context.Context, fh gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	node, errno := n.self(ctx)
	if errno != 0 {
		return errno
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		size := in.Size
		if err := n.fsys.cache.Truncate(ctx, n.objectID, int64(size)); err != nil {
			return syscall.EIO
		}
		if err := n.fsys.model.MarkWritten(ctx, node, int64(size), ""); err != nil {
			return syscall.EIO
		}
		node, errno = n.self(ctx)
		if errno != 0 {
			return errno
		}
	}
	fillAttr(node, &out.Attr)
	return 0
}

func (n *cloudNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	child, err := n.fsys.model.Create(ctx, model.CreateInput{ParentID: n.objectID, Name: name})
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	if _, err := n.fsys.cache.EnsurePlaceholder(ctx, child.ID(), 0); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	if err := n.fsys.cache.Open(ctx, child.ID()); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	fillAttr(child, &out.Attr)
	inode := n.newChildInode(ctx, child)
	return inode, &FileHandle{fsys: n.fsys, objectID: child.ID()}, 0, 0
}

func (n *cloudNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	child, err := n.fsys.model.Create(ctx, model.CreateInput{ParentID: n.objectID, Name: name, IsDir: true})
	if err != nil {
		return nil, errnoFor(err)
	}
	fillAttr(child, &out.Attr)
	return n.newChildInode(ctx, child), 0
}

func (n *cloudNode) Unlink(ctx context.Context, name string) syscall.Errno {
	child, err := n.fsys.model.Child(ctx, n.objectID, name)
	if err != nil {
		return errnoFor(err)
	}
	if child.IsDir() {
		return syscall.EISDIR
	}
	if err := n.fsys.model.Remove(ctx, child); err != nil {
		return errnoFor(err)
	}
	if err := n.fsys.cache.Purge(ctx, child.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		n.fsys.logger.Warn().Err(err).Str("object_id", child.ID()).Msg("purge on unlink failed")
	}
	return 0
}

func (n *cloudNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	child, err := n.fsys.model.Child(ctx, n.objectID, name)
	if err != nil {
		return errnoFor(err)
	}
	if !child.IsDir() {
		return syscall.ENOTDIR
	}
	kids, err := n.fsys.model.Children(ctx, child.ID())
	if err != nil {
		return syscall.EIO
	}
	if len(kids) > 0 {
		return syscall.ENOTEMPTY
	}
	if err := n.fsys.model.Remove(ctx, child); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *cloudNode) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*cloudNode)
	if !ok {
		return syscall.EINVAL
	}
	child, err := n.fsys.model.Child(ctx, n.objectID, name)
	if err != nil {
		return errnoFor(err)
	}
	if err := n.fsys.model.Rename(ctx, child, dest.objectID, newName); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *cloudNode) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	node, errno := n.self(ctx)
	if errno != 0 {
		return nil, 0, errno
	}
	if node.IsDir() {
		return nil, 0, syscall.EISDIR
	}

	if blocked, identity := n.fsys.isBlacklistedCaller(ctx); blocked {
		n.fsys.logger.Debug().Str("process", identity).Str("object_id", n.objectID).Msg("denying open for blacklisted caller")
		return nil, 0, syscall.EACCES
	}

	cr, err := n.fsys.cache.Stat(ctx, n.objectID)
	if errors.Is(err, store.ErrNotFound) {
		cr, err = n.fsys.cache.EnsurePlaceholder(ctx, n.objectID, node.Size())
	}
	if err != nil {
		return nil, 0, syscall.EIO
	}

	if cr.Present == store.PresenceMissing {
		if err := n.fsys.model.RequestMaterialization(ctx, node); err != nil {
			return nil, 0, syscall.EIO
		}
		if !n.fsys.waitForWhole(ctx, n.objectID) {
			return nil, 0, syscall.EAGAIN
		}
	}

	if err := n.fsys.cache.Open(ctx, n.objectID); err != nil {
		return nil, 0, syscall.EIO
	}
	return &FileHandle{fsys: n.fsys, objectID: n.objectID}, 0, 0
}

func (n *cloudNode) newChildInode(ctx context.Context, child *model.Node) *gofs.Inode {
	mode := uint32(fuse.S_IFREG)
	if child.IsDir() {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, &cloudNode{fsys: n.fsys, objectID: child.ID()}, gofs.StableAttr{
		Mode: mode,
		Ino:  inoFor(child.ID()),
	})
}

// FileHandle is the open-file state go-fuse hands back from Open and
// Create; reads and writes thread entirely through the cache layer, with
// the durable tree only updated on Flush/Release.
type FileHandle struct {
	fsys     *FileSystem
	objectID string

	mu    sync.Mutex
	dirty bool
}

var (
	_ gofs.FileReader   = (*FileHandle)(nil)
	_ gofs.FileWriter   = (*FileHandle)(nil)
	_ gofs.FileFlusher  = (*FileHandle)(nil)
	_ gofs.FileReleaser = (*FileHandle)(nil)
)

// maxReadRetries bounds the number of wait-for-chunks/retry cycles a
// single Read performs before giving up; each cycle already blocks up to
// the configured chunk wait, so this only guards against a chunk
// flickering present/missing across concurrent evictions.
const maxReadRetries = 3

func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	modelNode, err := fh.fsys.model.Lookup(ctx, fh.objectID)
	if err != nil {
		return nil, errnoFor(err)
	}

	for attempt := 0; attempt < maxReadRetries; attempt++ {
		n, err := fh.fsys.cache.ReadAt(ctx, fh.objectID, dest, off)
		if err == nil {
			if fh.fsys.metrics != nil {
				if attempt == 0 {
					fh.fsys.metrics.RecordCacheHit(fh.objectID, int64(n))
				} else {
					fh.fsys.metrics.RecordCacheMiss(fh.objectID, int64(n))
				}
			}
			return fuse.ReadResultData(dest[:n]), 0
		}
		var missing *cache.ErrMissingChunks
		if !errors.As(err, &missing) {
			fh.fsys.logger.Error().Err(err).Str("object_id", fh.objectID).Msg("cache read failed")
			return nil, syscall.EIO
		}
		if fh.fsys.metrics != nil {
			fh.fsys.metrics.RecordCacheMiss(fh.objectID, 0)
		}
		for _, idx := range missing.Missing {
			if err := fh.fsys.waitForChunk(ctx, modelNode, idx); err != nil {
				return nil, syscall.EAGAIN
			}
		}
	}
	return nil, syscall.EAGAIN
}

func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.fsys.cache.WriteAt(ctx, fh.objectID, data, off)
	if err != nil {
		fh.fsys.logger.Error().Err(err).Str("object_id", fh.objectID).Msg("cache write failed")
		return 0, syscall.EIO
	}
	fh.mu.Lock()
	fh.dirty = true
	fh.mu.Unlock()
	return uint32(n), 0
}

func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	dirty := fh.dirty
	fh.mu.Unlock()
	if !dirty {
		return 0
	}
	return fh.persist(ctx)
}

func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	errno := fh.Flush(ctx)
	if err := fh.fsys.cache.Close(ctx, fh.objectID); err != nil {
		fh.fsys.logger.Warn().Err(err).Str("object_id", fh.objectID).Msg("cache close on release failed")
	}
	return errno
}

// persist hashes the current cache file content and records it on the
// Object, enqueueing the coalesced update_content push.
func (fh *FileHandle) persist(ctx context.Context) syscall.Errno {
	node, err := fh.fsys.model.Lookup(ctx, fh.objectID)
	if err != nil {
		return errnoFor(err)
	}
	if fh.fsys.config.IsTempFile(node.Name()) {
		// Editor swap files and lock placeholders are never pushed to the
		// remote; the write just lands in the cache and nothing is
		// enqueued.
		fh.mu.Lock()
		fh.dirty = false
		fh.mu.Unlock()
		return 0
	}
	cr, err := fh.fsys.cache.Stat(ctx, fh.objectID)
	if err != nil {
		return syscall.EIO
	}
	f, err := os.Open(cr.CachePath)
	if err != nil {
		return syscall.EIO
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return syscall.EIO
	}
	hash := hex.EncodeToString(h.Sum(nil))

	if err := fh.fsys.model.MarkWritten(ctx, node, size, hash); err != nil {
		return syscall.EIO
	}
	fh.mu.Lock()
	fh.dirty = false
	fh.mu.Unlock()
	return 0
}

// waitForWhole polls the cache record until it flips to Full or the
// configured first-sync wait elapses.
func (f *FileSystem) waitForWhole(ctx context.Context, objectID string) bool {
	deadline := time.Now().Add(clampPositive(f.config.FirstSyncWait))
	for {
		cr, err := f.cache.Stat(ctx, objectID)
		if err == nil && cr.Present == store.PresenceFull {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// waitForSync polls a folder's object row until a list_children pull
// stamps last-synced or the configured first-sync wait elapses, then
// returns either way so readdir lists whatever is locally present.
func (f *FileSystem) waitForSync(ctx context.Context, objectID string) {
	deadline := time.Now().Add(clampPositive(f.config.FirstSyncWait))
	for {
		node, err := f.model.Lookup(ctx, objectID)
		if err == nil && node.Object().LastSyncedTime != 0 {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(pollInterval)
	}
}

// waitForChunk enqueues a download_chunk request (deduped with any
// other reader already waiting on the same object+chunk) and polls the
// cache until it materializes or the configured chunk wait elapses.
func (f *FileSystem) waitForChunk(ctx context.Context, node *model.Node, idx int) error {
	key := fmt.Sprintf("%s:%d", node.ID(), idx)
	_, err, _ := f.chunkWaits.Do(key, func() (interface{}, error) {
		if err := f.model.RequestChunk(backgroundContext(), node, idx); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(clampPositive(f.config.ChunkWait))
		for {
			present, err := f.cache.ChunkPresent(ctx, node.ID(), idx)
			if err != nil {
				return nil, err
			}
			if present {
				return nil, nil
			}
			if time.Now().After(deadline) {
				return nil, errChunkWaitTimeout
			}
			time.Sleep(pollInterval)
		}
	})
	return err
}

const pollInterval = 100 * time.Millisecond

func fillAttr(node *model.Node, attr *fuse.Attr) {
	kind := uint32(fuse.S_IFREG)
	if node.IsDir() {
		kind = fuse.S_IFDIR
	}
	attr.Mode = kind | uint32(node.Mode().Perm())
	attr.Size = uint64(node.Size())
	mtime := uint64(node.ModTime().Unix())
	attr.Mtime = mtime
	attr.Atime = mtime
	attr.Ctime = mtime
}

func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var cme *cloudmounterrors.CloudMountError
	if errors.As(err, &cme) {
		return cme.POSIXCode()
	}
	return syscall.EIO
}
