package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsRoots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.FetchObjectByID(ctx, FSRootID)
	require.NoError(t, err)
	require.Equal(t, TypeFolder, root.Type)

	drive, err := s.FetchObjectByID(ctx, DriveRootID)
	require.NoError(t, err)
	require.Equal(t, FSRootID, *drive.LocalParentID)
	require.Equal(t, "Drive", drive.Name)
}

func TestObjectRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := NewObjectID()
	obj := &Object{
		ID:            id,
		Type:          TypeFile,
		LocalParentID: strPtr(DriveRootID),
		Name:          "report",
		Extension:     "pdf",
		Origin:        OriginLocal,
		SyncState:     SyncStatePendingPush,
		Dirty:         true,
	}
	require.NoError(t, s.InsertObject(ctx, obj))

	got, err := s.FetchObjectByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "report.pdf", got.DisplayName())
	require.True(t, got.Dirty)

	got.Dirty = false
	got.SyncState = SyncStateSynced
	require.NoError(t, s.SaveObject(ctx, got))

	reloaded, err := s.FetchObjectByID(ctx, id)
	require.NoError(t, err)
	require.False(t, reloaded.Dirty)
	require.Equal(t, SyncStateSynced, reloaded.SyncState)
}

func TestFetchChildByNameToleratesExtension(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := NewObjectID()
	require.NoError(t, s.InsertObject(ctx, &Object{
		ID: id, Type: TypeFile, LocalParentID: strPtr(DriveRootID),
		Name: "photo", Extension: "jpg", Origin: OriginCloud, SyncState: SyncStateSynced,
	}))

	byBare, err := s.FetchChildByName(ctx, DriveRootID, "photo")
	require.NoError(t, err)
	require.Equal(t, id, byBare.ID)

	byFull, err := s.FetchChildByName(ctx, DriveRootID, "photo.jpg")
	require.NoError(t, err)
	require.Equal(t, id, byFull.ID)

	_, err = s.FetchChildByName(ctx, DriveRootID, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHardDeleteObjectCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := NewObjectID()
	require.NoError(t, s.InsertObject(ctx, &Object{
		ID: id, Type: TypeFile, LocalParentID: strPtr(DriveRootID),
		Name: "doomed", Origin: OriginLocal, SyncState: SyncStateSynced,
	}))
	require.NoError(t, s.UpdateShadow(ctx, id, ShadowPatch{Name: strPtr("doomed")}))
	require.NoError(t, s.UpsertCacheRecord(ctx, &CacheRecord{ObjectID: id, CachePath: "/tmp/x", Present: PresenceFull}))
	require.NoError(t, s.AddPresentChunk(ctx, id, 0))

	require.NoError(t, s.HardDeleteObject(ctx, id))

	_, err := s.FetchObjectByID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetShadow(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCacheRecord(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	chunks, err := s.ListPresentChunks(ctx, id)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestUpdateShadowPartialPatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()
	require.NoError(t, s.InsertObject(ctx, &Object{ID: id, Type: TypeFile, Name: "x", Origin: OriginLocal, SyncState: SyncStateSynced}))

	require.NoError(t, s.UpdateShadow(ctx, id, ShadowPatch{Name: strPtr("x"), Etag: strPtr("etag-1")}))
	sh, err := s.GetShadow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "etag-1", sh.Etag)

	// Patch touching only ContentHash must not clobber Etag.
	require.NoError(t, s.UpdateShadow(ctx, id, ShadowPatch{ContentHash: strPtr("hash-1")}))
	sh, err = s.GetShadow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "etag-1", sh.Etag)
	require.Equal(t, "hash-1", sh.ContentHash)
}

func TestClearPresentChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()
	require.NoError(t, s.InsertObject(ctx, &Object{ID: id, Type: TypeFile, Name: "big", Origin: OriginCloud, SyncState: SyncStateSynced}))
	require.NoError(t, s.AddPresentChunk(ctx, id, 0))
	require.NoError(t, s.AddPresentChunk(ctx, id, 1))

	chunks, err := s.ListPresentChunks(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, chunks)

	require.NoError(t, s.ClearPresentChunks(ctx, id))
	chunks, err = s.ListPresentChunks(ctx, id)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestEnqueueListChildrenDropsDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueAction(ctx, &Action{Kind: KindListChildren, TargetID: DriveRootID, Direction: DirectionPull})
	require.NoError(t, err)

	second, err := s.EnqueueAction(ctx, &Action{Kind: KindListChildren, TargetID: DriveRootID, Direction: DirectionPull})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	n, err := s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnqueueDeleteDiscardsPriorIntents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	_, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: id, Direction: DirectionPush})
	require.NoError(t, err)
	_, err = s.EnqueueAction(ctx, &Action{Kind: KindUpdateContent, TargetID: id, Direction: DirectionPush, Metadata: map[string]string{"hash": "h1"}})
	require.NoError(t, err)

	_, err = s.EnqueueAction(ctx, &Action{Kind: KindDelete, TargetID: id, Direction: DirectionPush})
	require.NoError(t, err)

	n, err := s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	act, err := s.DequeueNextAction(ctx, time.Second, 5)
	require.NoError(t, err)
	require.Equal(t, KindDelete, act.Kind)
}

func TestEnqueueRenameFoldsIntoPendingUpload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	upload, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: id, Direction: DirectionPush, Metadata: map[string]string{}})
	require.NoError(t, err)

	newName := "renamed.txt"
	folded, err := s.EnqueueAction(ctx, &Action{Kind: KindRename, TargetID: id, Direction: DirectionPush, Destination: &newName})
	require.NoError(t, err)

	require.Equal(t, upload.ID, folded.ID)
	require.Equal(t, KindUpload, folded.Kind)
	require.Equal(t, newName, folded.Metadata["name"])

	n, err := s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnqueueUpdateContentNewerHashWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	first, err := s.EnqueueAction(ctx, &Action{Kind: KindUpdateContent, TargetID: id, Direction: DirectionPush, Metadata: map[string]string{"hash": "h1"}})
	require.NoError(t, err)

	second, err := s.EnqueueAction(ctx, &Action{Kind: KindUpdateContent, TargetID: id, Direction: DirectionPush, Metadata: map[string]string{"hash": "h2"}})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "h2", second.Metadata["hash"])
}

func TestEnqueueDownloadChunkKeepsDistinctChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	_, err := s.EnqueueAction(ctx, &Action{Kind: KindDownloadChunk, TargetID: id, Direction: DirectionPull, Metadata: map[string]string{"chunk_index": "0"}})
	require.NoError(t, err)
	_, err = s.EnqueueAction(ctx, &Action{Kind: KindDownloadChunk, TargetID: id, Direction: DirectionPull, Metadata: map[string]string{"chunk_index": "1"}})
	require.NoError(t, err)

	n, err := s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Re-enqueuing the same chunk index dedupes rather than duplicating.
	_, err = s.EnqueueAction(ctx, &Action{Kind: KindDownloadChunk, TargetID: id, Direction: DirectionPull, Metadata: map[string]string{"chunk_index": "0"}})
	require.NoError(t, err)
	n, err = s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDequeuePrefersPendingOverBackoffDueFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	failedID := NewObjectID()
	pendingID := NewObjectID()

	failed, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: failedID, Direction: DirectionPush})
	require.NoError(t, err)
	require.NoError(t, s.FailAction(ctx, failed.ID, nil, false, 5))
	// Backdate so its backoff deadline has already passed.
	_, err = s.db.ExecContext(ctx, "UPDATE actions SET failed_at = ? WHERE id = ?", nowUnix()-3600, failed.ID)
	require.NoError(t, err)

	_, err = s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: pendingID, Direction: DirectionPush})
	require.NoError(t, err)

	act, err := s.DequeueNextAction(ctx, 30*time.Second, 5)
	require.NoError(t, err)
	require.Equal(t, pendingID, act.TargetID)
	require.Equal(t, StatusProcessing, act.Status)
}

func TestDequeueFallsBackToDueFailedWhenNoPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	act, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: id, Direction: DirectionPush})
	require.NoError(t, err)
	require.NoError(t, s.FailAction(ctx, act.ID, nil, false, 5))
	_, err = s.db.ExecContext(ctx, "UPDATE actions SET failed_at = ? WHERE id = ?", nowUnix()-3600, act.ID)
	require.NoError(t, err)

	due, err := s.DequeueNextAction(ctx, 30*time.Second, 5)
	require.NoError(t, err)
	require.NotNil(t, due)
	require.Equal(t, id, due.TargetID)

	// Immediately after failing again, the backoff clock restarts from now
	// and it should not be due yet.
	require.NoError(t, s.FailAction(ctx, due.ID, nil, false, 5))
	notDue, err := s.DequeueNextAction(ctx, 30*time.Second, 5)
	require.NoError(t, err)
	require.Nil(t, notDue)
}

func TestFailActionRemovesRowPastRetryCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	act, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: id, Direction: DirectionPush})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.FailAction(ctx, act.ID, nil, false, 1))
	}

	n, err := s.CountPendingOrProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestResetProcessingToPendingOnOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewObjectID()

	act, err := s.EnqueueAction(ctx, &Action{Kind: KindUpload, TargetID: id, Direction: DirectionPush})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE actions SET status = ? WHERE id = ?", StatusProcessing, act.ID)
	require.NoError(t, err)

	n, err := s.resetProcessingToPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func strPtr(s string) *string { return &s }
