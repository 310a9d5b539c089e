package store

// ObjectType distinguishes a file from a folder.
type ObjectType string

const (
	TypeFile   ObjectType = "file"
	TypeFolder ObjectType = "folder"
)

// Origin records whether an Object was first observed locally or pulled
// from the remote.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginCloud Origin = "cloud"
)

// SyncState is the Object's reconciliation state.
type SyncState string

const (
	SyncStateSynced       SyncState = "synced"
	SyncStatePendingPush  SyncState = "pending-push"
	SyncStatePendingPull  SyncState = "pending-pull"
	SyncStateConflict     SyncState = "conflict"
	SyncStateError        SyncState = "error"
)

// Presence is the CacheRecord materialization state.
type Presence string

const (
	PresenceMissing Presence = "missing"
	PresenceFull    Presence = "full"
	PresencePartial Presence = "partial"
)

// ActionKind enumerates the operations an Action can represent.
type ActionKind string

const (
	KindUpload         ActionKind = "upload"
	KindUpdateContent  ActionKind = "update_content"
	KindRename         ActionKind = "rename"
	KindMove           ActionKind = "move"
	KindDelete         ActionKind = "delete"
	KindDownload       ActionKind = "download"
	KindEnsureLatest   ActionKind = "ensure_latest"
	KindListChildren   ActionKind = "list_children"
	KindDownloadChunk  ActionKind = "download_chunk"
)

// Direction is push (local change to remote) or pull (remote change to
// local), 
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// ActionStatus is the Action's lifecycle state, 
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusFailed     ActionStatus = "failed"
)

// Object is a file or folder in the logical tree.
type Object struct {
	ID                string
	Type              ObjectType
	LocalParentID     *string
	Name              string
	Extension         string
	Size              int64
	CloudID           *string
	CloudParentID     *string
	CloudEtag         *string
	Revision          int64
	Origin            Origin
	LocalModifiedTime int64
	CloudModifiedTime int64
	LastSyncedTime    int64
	Dirty             bool
	Deleted           bool
	MissingFromCloud  bool
	SyncState         SyncState
}

// DisplayName synthesizes the presentation name: name plus an
// optional extension for files.
func (o *Object) DisplayName() string {
	if o.Type == TypeFile && o.Extension != "" {
		return o.Name + "." + o.Extension
	}
	return o.Name
}

// Shadow is the last-known-synced state of an Object.
type Shadow struct {
	ObjectID      string
	CloudID       *string
	LocalParentID *string
	Name          string
	Etag          string
	ContentHash   string
	ModifiedTime  int64
}

// CacheRecord is per-file local materialization state.
type CacheRecord struct {
	ObjectID     string
	CachePath    string
	CachedSize   int64
	Present      Presence
	Pinned       bool
	LastAccessed int64
	OpenCount    int
}

// Action is a durable intent.
type Action struct {
	ID          int64
	Kind        ActionKind
	TargetID    string
	Direction   Direction
	Destination *string
	Metadata    map[string]string
	Priority    int
	CreatedTime int64
	Status      ActionStatus
	RetryCount  int
	LastError   string
	FailedAt    int64
}
