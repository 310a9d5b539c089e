package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by fetch operations when no matching row exists.
var ErrNotFound = errors.New("store: not found")

// NewObjectID generates the opaque stable local id assigned at Object
// creation time.
func NewObjectID() string {
	return uuid.NewString()
}

// FetchObjectByID returns the Object with the given id.
func (s *Store) FetchObjectByID(ctx context.Context, id string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, objectSelectSQL+" WHERE id = ?", id)
	return scanObject(row)
}

// FetchChildByName looks up a non-deleted child of parentID matching name,
// tolerating both "name" and "name.ext" matches on files.
func (s *Store) FetchChildByName(ctx context.Context, parentID, name string) (*Object, error) {
	rows, err := s.db.QueryContext(ctx, objectSelectSQL+" WHERE local_parent_id = ? AND deleted = 0", parentID)
	if err != nil {
		return nil, fmt.Errorf("fetch children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		obj, err := scanObjectRows(rows)
		if err != nil {
			return nil, err
		}
		if obj.Name == name || obj.DisplayName() == name {
			return obj, nil
		}
	}
	return nil, ErrNotFound
}

// ListChildren enumerates non-deleted children of parentID.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*Object, error) {
	rows, err := s.db.QueryContext(ctx, objectSelectSQL+" WHERE local_parent_id = ? AND deleted = 0 ORDER BY name", parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []*Object
	for rows.Next() {
		obj, err := scanObjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// FindByCloudID matches an Object by its cloud id, used by the reconciler
// to decide new-vs-existing during list_children.
func (s *Store) FindByCloudID(ctx context.Context, cloudID string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, objectSelectSQL+" WHERE cloud_id = ?", cloudID)
	return scanObject(row)
}

// InsertObject persists a brand-new Object row.
func (s *Store) InsertObject(ctx context.Context, o *Object) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (
			id, type, local_parent_id, name, extension, size,
			cloud_id, cloud_parent_id, cloud_etag, revision, origin,
			local_modified_time, cloud_modified_time, last_synced_time,
			dirty, deleted, missing_from_cloud, sync_state
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Type, o.LocalParentID, o.Name, o.Extension, o.Size,
		o.CloudID, o.CloudParentID, o.CloudEtag, o.Revision, o.Origin,
		o.LocalModifiedTime, o.CloudModifiedTime, o.LastSyncedTime,
		boolToInt(o.Dirty), boolToInt(o.Deleted), boolToInt(o.MissingFromCloud), o.SyncState,
	)
	if err != nil {
		return fmt.Errorf("insert object: %w", err)
	}
	return nil
}

// SaveObject persists all mutable fields of o (full-row update). Used by
// the Object Model's commit and by the engine after a
// successful push/pull.
func (s *Store) SaveObject(ctx context.Context, o *Object) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE objects SET
			type = ?, local_parent_id = ?, name = ?, extension = ?, size = ?,
			cloud_id = ?, cloud_parent_id = ?, cloud_etag = ?, revision = ?, origin = ?,
			local_modified_time = ?, cloud_modified_time = ?, last_synced_time = ?,
			dirty = ?, deleted = ?, missing_from_cloud = ?, sync_state = ?
		WHERE id = ?`,
		o.Type, o.LocalParentID, o.Name, o.Extension, o.Size,
		o.CloudID, o.CloudParentID, o.CloudEtag, o.Revision, o.Origin,
		o.LocalModifiedTime, o.CloudModifiedTime, o.LastSyncedTime,
		boolToInt(o.Dirty), boolToInt(o.Deleted), boolToInt(o.MissingFromCloud), o.SyncState,
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("save object: %w", err)
	}
	return nil
}

// HardDeleteObject removes the Object row along with its Shadow,
// CacheRecord, and chunk rows.
func (s *Store) HardDeleteObject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM cache_chunks WHERE object_id = ?",
		"DELETE FROM cache_records WHERE object_id = ?",
		"DELETE FROM shadows WHERE object_id = ?",
		"DELETE FROM objects WHERE id = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("hard delete: %w", err)
		}
	}
	return tx.Commit()
}

const objectSelectSQL = `SELECT
	id, type, local_parent_id, name, extension, size,
	cloud_id, cloud_parent_id, cloud_etag, revision, origin,
	local_modified_time, cloud_modified_time, last_synced_time,
	dirty, deleted, missing_from_cloud, sync_state
FROM objects`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObject(row *sql.Row) (*Object, error) {
	o, err := scanObjectRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func scanObjectRows(rows *sql.Rows) (*Object, error) {
	return scanObjectRow(rows)
}

func scanObjectRow(rs rowScanner) (*Object, error) {
	var o Object
	var dirty, deleted, missing int
	if err := rs.Scan(
		&o.ID, &o.Type, &o.LocalParentID, &o.Name, &o.Extension, &o.Size,
		&o.CloudID, &o.CloudParentID, &o.CloudEtag, &o.Revision, &o.Origin,
		&o.LocalModifiedTime, &o.CloudModifiedTime, &o.LastSyncedTime,
		&dirty, &deleted, &missing, &o.SyncState,
	); err != nil {
		return nil, fmt.Errorf("scan object: %w", err)
	}
	o.Dirty = dirty != 0
	o.Deleted = deleted != 0
	o.MissingFromCloud = missing != 0
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
