package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/store"
)

// pullListChildren reconciles obj's local children against the remote
// folder's current listing: new remote entries are inserted, entries
// whose local copy is dirty and whose etag has diverged are flagged as
// conflicts rather than overwritten, and local children that still
// carry a cloud id but no longer appear remotely are treated as
// deleted-on-the-other-side and hard-deleted.
func (e *Engine) pullListChildren(ctx context.Context, obj *store.Object) error {
	folderCloudID, ready := cloudFolderID(obj)
	if !ready {
		return nil
	}

	items, err := e.remote.ListDirectory(ctx, folderCloudID)
	if err != nil {
		return fmt.Errorf("list directory: %w", err)
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.CloudID] = struct{}{}
		if err := e.mergeRemoteItem(ctx, obj.ID, item); err != nil {
			return err
		}
	}

	if err := e.pruneGoneChildren(ctx, obj.ID, seen); err != nil {
		return err
	}

	now := time.Now().Unix()
	obj.SyncState = store.SyncStateSynced
	obj.LastSyncedTime = now
	return e.store.SaveObject(ctx, obj)
}

func (e *Engine) mergeRemoteItem(ctx context.Context, localParentID string, item remote.Item) error {
	existing, err := e.store.FindByCloudID(ctx, item.CloudID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("find by cloud id: %w", err)
	}

	now := time.Now().Unix()
	if existing == nil {
		name, extension := splitNameExtension(item.Name, item.Type == remote.TypeFolder)
		objType := store.TypeFile
		if item.Type == remote.TypeFolder {
			objType = store.TypeFolder
		}
		cloudID, etag := item.CloudID, item.ETag
		o := &store.Object{
			ID:                store.NewObjectID(),
			Type:              objType,
			LocalParentID:     &localParentID,
			Name:              name,
			Extension:         extension,
			Size:              item.Size,
			CloudID:           &cloudID,
			CloudParentID:     &item.ParentCloudID,
			CloudEtag:         &etag,
			Origin:            store.OriginCloud,
			LocalModifiedTime: now,
			CloudModifiedTime: now,
			LastSyncedTime:    now,
			SyncState:         store.SyncStateSynced,
		}
		if err := e.store.InsertObject(ctx, o); err != nil {
			return fmt.Errorf("insert remote child: %w", err)
		}
		return e.store.UpdateShadow(ctx, o.ID, store.ShadowPatch{
			CloudID: &cloudID, LocalParentID: &localParentID, Name: strPtr(o.DisplayName()),
			Etag: &etag, ModifiedTime: &now,
		})
	}

	if existing.Dirty && etagOf(existing) != item.ETag {
		existing.SyncState = store.SyncStateConflict
		return e.store.SaveObject(ctx, existing)
	}

	existing.Size = item.Size
	etag := item.ETag
	existing.CloudEtag = &etag
	existing.CloudModifiedTime = now
	existing.SyncState = store.SyncStateSynced
	existing.LastSyncedTime = now
	return e.store.SaveObject(ctx, existing)
}

// pruneGoneChildren hard-deletes local children of parentID that carry a
// cloud id absent from seen and are not locally dirty. A dirty child
// missing remotely is left alone; the next push attempt will surface it
// as a conflict or simply re-create it.
func (e *Engine) pruneGoneChildren(ctx context.Context, parentID string, seen map[string]struct{}) error {
	children, err := e.store.ListChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("list local children: %w", err)
	}
	for _, child := range children {
		if child.CloudID == nil || child.Dirty {
			continue
		}
		if _, ok := seen[*child.CloudID]; ok {
			continue
		}
		if err := e.store.HardDeleteObject(ctx, child.ID); err != nil {
			return fmt.Errorf("prune gone child: %w", err)
		}
	}
	return nil
}

// pullEnsureLatest refreshes obj's metadata from the remote without
// fetching content, enqueuing a download only when the etag or size has
// actually moved.
func (e *Engine) pullEnsureLatest(ctx context.Context, obj *store.Object) error {
	if obj.CloudID == nil {
		return nil
	}
	parentCloudID := ""
	if obj.CloudParentID != nil {
		parentCloudID = *obj.CloudParentID
	}

	item, err := e.remote.GetMetadata(ctx, *obj.CloudID, parentCloudID)
	if err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}
	if item == nil {
		if obj.Dirty {
			obj.SyncState = store.SyncStateConflict
			return e.store.SaveObject(ctx, obj)
		}
		return e.store.HardDeleteObject(ctx, obj.ID)
	}

	if obj.Dirty && etagOf(obj) != item.ETag {
		obj.SyncState = store.SyncStateConflict
		return e.store.SaveObject(ctx, obj)
	}

	now := time.Now().Unix()
	if etagOf(obj) == item.ETag && obj.Size == item.Size {
		obj.SyncState = store.SyncStateSynced
		obj.LastSyncedTime = now
		return e.store.SaveObject(ctx, obj)
	}

	etag := item.ETag
	obj.Size = item.Size
	obj.CloudEtag = &etag
	obj.CloudModifiedTime = now
	obj.SyncState = store.SyncStatePendingPull
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save object after metadata refresh: %w", err)
	}

	_, err = e.store.EnqueueAction(ctx, &store.Action{
		Kind: store.KindDownload, TargetID: obj.ID, Direction: store.DirectionPull,
		CreatedTime: now, Status: store.StatusPending,
	})
	return err
}

// pullDownload materializes obj's entire content from the remote into
// the cache layer.
func (e *Engine) pullDownload(ctx context.Context, obj *store.Object) error {
	if obj.CloudID == nil {
		return nil
	}
	if _, err := e.cache.EnsurePlaceholder(ctx, obj.ID, obj.Size); err != nil {
		return fmt.Errorf("ensure placeholder: %w", err)
	}

	w := &offsetWriter{base: 0, buf: make([]byte, 0, obj.Size)}
	if err := e.remote.Download(ctx, *obj.CloudID, w, nil); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := e.cache.WriteWhole(ctx, obj.ID, w.buf); err != nil {
		return fmt.Errorf("write whole: %w", err)
	}

	return e.finishDownload(ctx, obj)
}

// pullDownloadChunk materializes a single chunk of obj's content, used
// for on-demand partial reads of large objects.
func (e *Engine) pullDownloadChunk(ctx context.Context, obj *store.Object, act *store.Action) error {
	if obj.CloudID == nil {
		return nil
	}
	idxStr, ok := act.Metadata["chunk_index"]
	if !ok {
		return fmt.Errorf("download_chunk action missing chunk_index")
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return fmt.Errorf("invalid chunk_index %q: %w", idxStr, err)
	}

	if _, err := e.cache.EnsurePlaceholder(ctx, obj.ID, obj.Size); err != nil {
		return fmt.Errorf("ensure placeholder: %w", err)
	}

	chunkSize := e.cache.ChunkSize()
	offset := int64(idx) * chunkSize
	end := offset + chunkSize
	if end > obj.Size {
		end = obj.Size
	}
	if end <= offset {
		return nil
	}

	w := &offsetWriter{base: offset, buf: make([]byte, 0, end-offset)}
	if err := e.remote.Download(ctx, *obj.CloudID, w, &remote.ByteRange{Start: offset, End: end}); err != nil {
		return fmt.Errorf("download chunk: %w", err)
	}
	return e.cache.WriteChunk(ctx, obj.ID, idx, w.buf)
}

func (e *Engine) finishDownload(ctx context.Context, obj *store.Object) error {
	now := time.Now().Unix()
	obj.Dirty = false
	obj.SyncState = store.SyncStateSynced
	obj.LastSyncedTime = now
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save object after download: %w", err)
	}
	return e.store.UpdateShadow(ctx, obj.ID, store.ShadowPatch{
		CloudID: obj.CloudID, LocalParentID: obj.LocalParentID, Name: strPtr(obj.DisplayName()),
		Etag: obj.CloudEtag, ModifiedTime: &now,
	})
}
