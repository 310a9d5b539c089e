package syncengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudmount/cloudmount/internal/store"
)

// resolveParentCloudID fetches obj's local parent and resolves its
// cloud-side id. ready is false when the parent itself has not yet been
// pushed (no CloudID and not a root), meaning this push must wait.
func (e *Engine) resolveParentCloudID(ctx context.Context, obj *store.Object) (parentCloudID string, ready bool, err error) {
	if obj.LocalParentID == nil {
		return "", false, fmt.Errorf("object %s has no local parent", obj.ID)
	}
	parent, err := e.store.FetchObjectByID(ctx, *obj.LocalParentID)
	if err != nil {
		return "", false, fmt.Errorf("fetch parent: %w", err)
	}
	id, ready := cloudFolderID(parent)
	return id, ready, nil
}

func (e *Engine) pushUpload(ctx context.Context, obj *store.Object, act *store.Action) error {
	parentCloudID, ready, err := e.resolveParentCloudID(ctx, obj)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("parent of %s not yet synced to remote", obj.ID)
	}

	name := obj.DisplayName()
	if n, ok := act.Metadata["name"]; ok && n != "" {
		name = n
	}

	if obj.Type == store.TypeFolder {
		item, err := e.remote.CreateFolder(ctx, parentCloudID, name)
		if err != nil {
			return fmt.Errorf("create remote folder: %w", err)
		}
		return e.commitPushed(ctx, obj, item.CloudID, parentCloudID, item.ETag, "")
	}

	cr, err := e.cache.Stat(ctx, obj.ID)
	if err != nil {
		return fmt.Errorf("stat cache entry for upload: %w", err)
	}
	f, err := os.Open(cr.CachePath)
	if err != nil {
		return fmt.Errorf("open cache entry for upload: %w", err)
	}
	defer f.Close()

	res, err := e.remote.Upload(ctx, f, obj.Size, parentCloudID, name)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return e.commitPushed(ctx, obj, res.CloudID, parentCloudID, res.ETag, act.Metadata["hash"])
}

func (e *Engine) commitPushed(ctx context.Context, obj *store.Object, cloudID, parentCloudID, etag, contentHash string) error {
	now := time.Now().Unix()
	obj.CloudID = &cloudID
	obj.CloudParentID = &parentCloudID
	obj.CloudEtag = &etag
	obj.Dirty = false
	obj.SyncState = store.SyncStateSynced
	obj.LastSyncedTime = now
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save pushed object: %w", err)
	}

	patch := store.ShadowPatch{
		CloudID:       &cloudID,
		LocalParentID: obj.LocalParentID,
		Name:          strPtr(obj.DisplayName()),
		Etag:          &etag,
		ModifiedTime:  &now,
	}
	if contentHash != "" {
		patch.ContentHash = &contentHash
	}
	return e.store.UpdateShadow(ctx, obj.ID, patch)
}

func (e *Engine) pushUpdateContent(ctx context.Context, obj *store.Object, act *store.Action) error {
	if obj.CloudID == nil {
		// Never reached an initial upload; fold into the same path an
		// upload action would take.
		return e.pushUpload(ctx, obj, act)
	}

	cr, err := e.cache.Stat(ctx, obj.ID)
	if err != nil {
		return fmt.Errorf("stat cache entry for update: %w", err)
	}
	f, err := os.Open(cr.CachePath)
	if err != nil {
		return fmt.Errorf("open cache entry for update: %w", err)
	}
	defer f.Close()

	res, err := e.remote.UpdateContent(ctx, *obj.CloudID, etagOf(obj), f, obj.Size)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}

	now := time.Now().Unix()
	obj.CloudEtag = &res.ETag
	obj.Dirty = false
	obj.SyncState = store.SyncStateSynced
	obj.LastSyncedTime = now
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save object after update: %w", err)
	}

	patch := store.ShadowPatch{Etag: &res.ETag, ModifiedTime: &now}
	if h, ok := act.Metadata["hash"]; ok && h != "" {
		patch.ContentHash = &h
	}
	return e.store.UpdateShadow(ctx, obj.ID, patch)
}

func (e *Engine) pushRename(ctx context.Context, obj *store.Object, act *store.Action) error {
	if obj.CloudID == nil {
		// Nothing to tell the remote yet; the local rename already
		// landed via model.Rename.
		return nil
	}
	newName := obj.DisplayName()
	if err := e.remote.Rename(ctx, *obj.CloudID, etagOf(obj), newName); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return e.refreshAfterMutation(ctx, obj, newName)
}

func (e *Engine) pushMove(ctx context.Context, obj *store.Object, act *store.Action) error {
	if obj.CloudID == nil {
		return nil
	}
	newParentLocalID, ok := act.Metadata["new_parent_id"]
	if !ok || newParentLocalID == "" {
		return fmt.Errorf("move action missing new_parent_id")
	}
	newParent, err := e.store.FetchObjectByID(ctx, newParentLocalID)
	if err != nil {
		return fmt.Errorf("fetch destination parent: %w", err)
	}
	newParentCloudID, ready := cloudFolderID(newParent)
	if !ready {
		return fmt.Errorf("destination parent %s not yet synced to remote", newParentLocalID)
	}

	if err := e.remote.Move(ctx, *obj.CloudID, etagOf(obj), newParentCloudID); err != nil {
		return fmt.Errorf("move: %w", err)
	}

	obj.CloudParentID = &newParentCloudID
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save object after move: %w", err)
	}
	return e.refreshAfterMutation(ctx, obj, obj.DisplayName())
}

// refreshAfterMutation re-fetches metadata for obj to pick up the fresh
// etag a Rename/Move left behind (neither returns one directly), then
// marks obj synced.
func (e *Engine) refreshAfterMutation(ctx context.Context, obj *store.Object, name string) error {
	parentCloudID := ""
	if obj.CloudParentID != nil {
		parentCloudID = *obj.CloudParentID
	}
	item, err := e.remote.GetMetadata(ctx, *obj.CloudID, parentCloudID)
	if err != nil {
		return fmt.Errorf("refresh metadata: %w", err)
	}

	now := time.Now().Unix()
	etag := etagOf(obj)
	if item != nil {
		etag = item.ETag
		obj.CloudEtag = &etag
	}
	obj.Dirty = false
	obj.SyncState = store.SyncStateSynced
	obj.LastSyncedTime = now
	if err := e.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("save object after refresh: %w", err)
	}

	return e.store.UpdateShadow(ctx, obj.ID, store.ShadowPatch{
		LocalParentID: obj.LocalParentID,
		Name:          &name,
		Etag:          &etag,
		ModifiedTime:  &now,
	})
}

func (e *Engine) pushDelete(ctx context.Context, obj *store.Object, act *store.Action) error {
	if obj.CloudID == nil {
		return e.cleanupDeletedLocal(ctx, obj)
	}
	if err := e.remote.Delete(ctx, *obj.CloudID, etagOf(obj)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return e.cleanupDeletedLocal(ctx, obj)
}

func (e *Engine) cleanupDeletedLocal(ctx context.Context, obj *store.Object) error {
	_ = e.cache.Purge(ctx, obj.ID) // best-effort; HardDeleteObject below drops the row regardless
	return e.store.HardDeleteObject(ctx, obj.ID)
}

func strPtr(s string) *string { return &s }
