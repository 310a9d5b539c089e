// Package remote defines the external Remote client interface the sync
// engine consumes: a thin collaborator over whatever authenticated
// session the account subsystem holds. internal/remote/s3backend
// provides one concrete, testable implementation against an S3-API
// object store; a production mount can swap in another Client without
// changing the engine.
package remote

import (
	"context"
	"io"
)

// ItemType distinguishes a remote directory entry from a plain file.
type ItemType string

const (
	TypeFile   ItemType = "file"
	TypeFolder ItemType = "folder"
)

// Item is one remote directory entry or metadata lookup result.
type Item struct {
	CloudID       string
	ParentCloudID string
	Name          string
	Extension     string
	Size          int64
	ETag          string
	Type          ItemType
}

// ByteRange requests a partial download; End is exclusive. Callers
// wanting the full object pass a nil *ByteRange to Download instead.
type ByteRange struct {
	Start int64
	End   int64
}

// UploadResult reports the server-assigned identity and etag for content
// the engine just pushed.
type UploadResult struct {
	CloudID string
	ETag    string
	Size    int64
}

// Client is the external Remote client interface named in spec §6: every
// method the sync engine needs from the authenticated remote session,
// independent of which cloud backend realizes it.
type Client interface {
	// ListDirectory returns the ordered children of folderCloudID.
	ListDirectory(ctx context.Context, folderCloudID string) ([]Item, error)

	// GetMetadata returns the item for cloudID under parentCloudID, or
	// (nil, nil) if it no longer exists remotely.
	GetMetadata(ctx context.Context, cloudID, parentCloudID string) (*Item, error)

	// Download writes cloudID's content to w. A nil rng downloads the
	// whole object; a non-nil rng downloads only [rng.Start, rng.End).
	Download(ctx context.Context, cloudID string, w io.WriterAt, rng *ByteRange) error

	// Upload reads the full content of r (of the given size) and creates
	// a new object named name under parentCloudID, with a newly assigned
	// cloud id.
	Upload(ctx context.Context, r io.Reader, size int64, parentCloudID, name string) (UploadResult, error)

	// UpdateContent overwrites cloudID's content in place, preserving its
	// cloud id (unlike Upload, which always mints a new one), guarded by
	// etag.
	UpdateContent(ctx context.Context, cloudID, etag string, r io.Reader, size int64) (UploadResult, error)

	// CreateFolder creates a new folder named name under parentCloudID.
	CreateFolder(ctx context.Context, parentCloudID, name string) (Item, error)

	// Rename changes cloudID's display name in place, guarded by etag.
	Rename(ctx context.Context, cloudID, etag, newName string) error

	// Move relocates cloudID to newParentCloudID, guarded by etag.
	Move(ctx context.Context, cloudID, etag, newParentCloudID string) error

	// Delete removes cloudID, guarded by etag.
	Delete(ctx context.Context, cloudID, etag string) error

	// Healthy reports whether the remote session currently accepts
	// requests, without the side effects of a real data operation.
	Healthy(ctx context.Context) bool
}
