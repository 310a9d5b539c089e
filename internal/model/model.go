// Package model is the logical tree sitting between the filesystem adapter
// and the durable store: it turns adapter-level intents (create a file,
// rename an entry, drop a directory) into atomic store.Object mutations
// plus the matching coalesced Action, and exposes a POSIX-flavored view
// (os.FileMode, size, times) over store.Object the way
// a POSIX FileInfo view does for a multi-protocol filesystem surface.
package model

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudmount/cloudmount/internal/store"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
)

// Model is the single entry point the filesystem adapter and sync engine
// use to read and mutate the logical tree.
type Model struct {
	store *store.Store
}

// New wraps st as a Model.
func New(st *store.Store) *Model {
	return &Model{store: st}
}

// Node is a read view of a store.Object plus the POSIX metadata the
// adapter needs to answer getattr/readdir.
type Node struct {
	obj *store.Object
}

// Object exposes the underlying store row for callers (the sync engine)
// that need direct field access.
func (n *Node) Object() *store.Object { return n.obj }

func (n *Node) ID() string     { return n.obj.ID }
func (n *Node) IsDir() bool    { return n.obj.Type == store.TypeFolder }
func (n *Node) Name() string   { return n.obj.DisplayName() }
func (n *Node) Size() int64    { return n.obj.Size }
func (n *Node) Dirty() bool    { return n.obj.Dirty }
func (n *Node) Deleted() bool  { return n.obj.Deleted }
func (n *Node) SyncState() store.SyncState { return n.obj.SyncState }

func (n *Node) ModTime() time.Time {
	t := n.obj.LocalModifiedTime
	if t == 0 {
		t = n.obj.CloudModifiedTime
	}
	return time.Unix(t, 0)
}

func (n *Node) Mode() os.FileMode {
	if n.IsDir() {
		return os.ModeDir | 0755
	}
	return 0644
}

func newNode(o *store.Object) *Node { return &Node{obj: o} }

// Root returns the synthetic filesystem root.
func (m *Model) Root(ctx context.Context) (*Node, error) {
	return m.Lookup(ctx, store.FSRootID)
}

// Lookup fetches a Node by its stable id.
func (m *Model) Lookup(ctx context.Context, id string) (*Node, error) {
	obj, err := m.store.FetchObjectByID(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return newNode(obj), nil
}

// Child resolves name under parentID, tolerant of both bare and
// extension-qualified file names.
func (m *Model) Child(ctx context.Context, parentID, name string) (*Node, error) {
	obj, err := m.store.FetchChildByName(ctx, parentID, name)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return newNode(obj), nil
}

// Children lists the non-deleted entries under parentID.
func (m *Model) Children(ctx context.Context, parentID string) ([]*Node, error) {
	objs, err := m.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	nodes := make([]*Node, 0, len(objs))
	for _, o := range objs {
		nodes = append(nodes, newNode(o))
	}
	return nodes, nil
}

// CreateInput describes a new local file or folder.
type CreateInput struct {
	ParentID string
	Name     string
	IsDir    bool
}

// Create allocates a brand-new locally-originated Object, marks it dirty,
// and enqueues the matching push Action. The uploaded bytes themselves are
// written to the cache layer by the adapter before this returns — Create
// only establishes the logical-tree row.
func (m *Model) Create(ctx context.Context, in CreateInput) (*Node, error) {
	if _, err := m.store.FetchChildByName(ctx, in.ParentID, in.Name); err == nil {
		return nil, cloudmounterrors.NewError(cloudmounterrors.ErrCodeAlreadyExists, "an entry with that name already exists").
			WithContext("parent", in.ParentID).WithContext("name", in.Name)
	}

	name, ext := splitNameExtension(in.Name, in.IsDir)
	now := time.Now().Unix()
	objType := store.TypeFile
	if in.IsDir {
		objType = store.TypeFolder
	}

	obj := &store.Object{
		ID:                store.NewObjectID(),
		Type:              objType,
		LocalParentID:     &in.ParentID,
		Name:              name,
		Extension:         ext,
		Origin:            store.OriginLocal,
		LocalModifiedTime: now,
		Dirty:             true,
		SyncState:         store.SyncStatePendingPush,
	}
	if err := m.store.InsertObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	// Folders use the same push intent as files; the engine distinguishes
	// upload-a-folder from upload-a-file by obj.Type when it dispatches.
	if _, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      store.KindUpload,
		TargetID:  obj.ID,
		Direction: store.DirectionPush,
		Metadata:  map[string]string{"name": in.Name},
	}); err != nil {
		return nil, fmt.Errorf("enqueue create: %w", err)
	}
	return newNode(obj), nil
}

// MarkWritten records that node's content changed locally (a write or
// truncate landed in the cache layer) and enqueues the coalesced
// update_content Action carrying the new size/hash/mtime.
func (m *Model) MarkWritten(ctx context.Context, node *Node, newSize int64, contentHash string) error {
	obj := node.obj
	obj.Size = newSize
	obj.Dirty = true
	obj.LocalModifiedTime = time.Now().Unix()
	obj.SyncState = store.SyncStatePendingPush
	if err := m.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("mark written: %w", err)
	}
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      store.KindUpdateContent,
		TargetID:  obj.ID,
		Direction: store.DirectionPush,
		Metadata:  map[string]string{"hash": contentHash},
	})
	if err != nil {
		return fmt.Errorf("enqueue update_content: %w", err)
	}
	return nil
}

// Rename moves node to (newParentID, newName), updating the logical tree
// and enqueueing a rename Action when only the name changed, a move
// Action when the parent changed, and both when both changed.
func (m *Model) Rename(ctx context.Context, node *Node, newParentID, newName string) error {
	obj := node.obj
	oldName := obj.DisplayName()
	oldParentID := ""
	if obj.LocalParentID != nil {
		oldParentID = *obj.LocalParentID
	}
	name, ext := splitNameExtension(newName, obj.Type == store.TypeFolder)

	parentChanged := oldParentID != newParentID
	obj.LocalParentID = &newParentID
	obj.Name = name
	obj.Extension = ext
	obj.Dirty = true
	obj.LocalModifiedTime = time.Now().Unix()
	if obj.SyncState == store.SyncStateSynced {
		obj.SyncState = store.SyncStatePendingPush
	}
	if err := m.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	kind := store.KindRename
	if parentChanged {
		kind = store.KindMove
	}
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:        kind,
		TargetID:    obj.ID,
		Direction:   store.DirectionPush,
		Destination: &newName,
		Metadata:    map[string]string{"new_parent_id": newParentID},
	})
	if err != nil {
		return fmt.Errorf("enqueue rename/move: %w", err)
	}
	if parentChanged && newName != oldName {
		act := &store.Action{Kind: store.KindRename, TargetID: obj.ID, Direction: store.DirectionPush, Destination: &newName}
		if _, err := m.store.EnqueueAction(ctx, act); err != nil {
			return fmt.Errorf("enqueue rename: %w", err)
		}
	}
	return nil
}

// Remove marks node deleted locally and enqueues the delete Action. A
// never-synced, locally-originated object (no cloud id yet) is hard
// deleted immediately since there is nothing to tell the remote about.
func (m *Model) Remove(ctx context.Context, node *Node) error {
	obj := node.obj
	if obj.Origin == store.OriginLocal && obj.CloudID == nil {
		return m.store.HardDeleteObject(ctx, obj.ID)
	}
	obj.Deleted = true
	obj.Dirty = true
	if err := m.store.SaveObject(ctx, obj); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      store.KindDelete,
		TargetID:  obj.ID,
		Direction: store.DirectionPush,
	})
	if err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	return nil
}

// RequestMaterialization enqueues an ensure_latest Action for node,
// asking the sync engine to confirm (and if needed re-download) the
// object's content before the adapter blocks on it. Folders pull their
// child listing instead of content, so they enqueue list_children.
func (m *Model) RequestMaterialization(ctx context.Context, node *Node) error {
	kind := store.KindEnsureLatest
	if node.IsDir() {
		kind = store.KindListChildren
	}
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      kind,
		TargetID:  node.ID(),
		Direction: store.DirectionPull,
	})
	if err != nil {
		return fmt.Errorf("request materialization: %w", err)
	}
	return nil
}

// listChildrenPriority is the priority stamped on a readdir-triggered
// refresh so it jumps ahead of routine pulls already queued for the
// same folder.
const listChildrenPriority = 10

// RequestListChildren enqueues a high-priority list_children Action for
// node, used by the adapter's readdir when the cached listing is stale
// or the folder has never been synced.
func (m *Model) RequestListChildren(ctx context.Context, node *Node) error {
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      store.KindListChildren,
		TargetID:  node.ID(),
		Direction: store.DirectionPull,
		Priority:  listChildrenPriority,
	})
	if err != nil {
		return fmt.Errorf("request list children: %w", err)
	}
	return nil
}

// RequestChunk enqueues a download_chunk Action for a single chunk of
// node's content, for the partial-materialization read path.
func (m *Model) RequestChunk(ctx context.Context, node *Node, chunkIndex int) error {
	_, err := m.store.EnqueueAction(ctx, &store.Action{
		Kind:      store.KindDownloadChunk,
		TargetID:  node.ID(),
		Direction: store.DirectionPull,
		Metadata:  map[string]string{"chunk_index": fmt.Sprintf("%d", chunkIndex)},
	})
	if err != nil {
		return fmt.Errorf("request chunk: %w", err)
	}
	return nil
}

func translateNotFound(err error) error {
	if err == store.ErrNotFound {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "no such file or directory")
	}
	return err
}

// splitNameExtension mirrors store.Object.DisplayName's reconstruction
// rule in reverse: a folder keeps its whole name in Name with no
// Extension; a file's last dot-delimited segment becomes Extension.
func splitNameExtension(full string, isDir bool) (name, extension string) {
	if isDir || full == "" {
		return full, ""
	}
	for i := len(full) - 1; i > 0; i-- {
		if full[i] == '.' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}
