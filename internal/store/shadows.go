package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetShadow returns the Shadow for objectID, or ErrNotFound if the Object
// has never reached synced state.
func (s *Store) GetShadow(ctx context.Context, objectID string) (*Shadow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT object_id, cloud_id, local_parent_id, name, etag, content_hash, modified_time
		FROM shadows WHERE object_id = ?`, objectID)

	var sh Shadow
	if err := row.Scan(&sh.ObjectID, &sh.CloudID, &sh.LocalParentID, &sh.Name, &sh.Etag, &sh.ContentHash, &sh.ModifiedTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get shadow: %w", err)
	}
	return &sh, nil
}

// UpdateShadow inserts or merges a partial patch onto the Shadow row for
// objectID.
// Only non-nil fields in patch are applied; a field absent from patch keeps
// its previous value (or SQL default on first insert).
func (s *Store) UpdateShadow(ctx context.Context, objectID string, patch ShadowPatch) error {
	existing, err := s.GetShadow(ctx, objectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		existing = &Shadow{ObjectID: objectID}
	}

	if patch.CloudID != nil {
		existing.CloudID = patch.CloudID
	}
	if patch.LocalParentID != nil {
		existing.LocalParentID = patch.LocalParentID
	}
	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Etag != nil {
		existing.Etag = *patch.Etag
	}
	if patch.ContentHash != nil {
		existing.ContentHash = *patch.ContentHash
	}
	if patch.ModifiedTime != nil {
		existing.ModifiedTime = *patch.ModifiedTime
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shadows (object_id, cloud_id, local_parent_id, name, etag, content_hash, modified_time)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(object_id) DO UPDATE SET
			cloud_id = excluded.cloud_id,
			local_parent_id = excluded.local_parent_id,
			name = excluded.name,
			etag = excluded.etag,
			content_hash = excluded.content_hash,
			modified_time = excluded.modified_time`,
		existing.ObjectID, existing.CloudID, existing.LocalParentID, existing.Name,
		existing.Etag, existing.ContentHash, existing.ModifiedTime,
	)
	if err != nil {
		return fmt.Errorf("update shadow: %w", err)
	}
	return nil
}

// DeleteShadow removes the Shadow row. Shadows are removed only when the
// Object is hard-deleted locally; HardDeleteObject already does
// this, so this is for the rare case a Shadow must be dropped standalone
// (e.g. forced re-pull after a keep-cloud conflict resolution).
func (s *Store) DeleteShadow(ctx context.Context, objectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM shadows WHERE object_id = ?", objectID)
	if err != nil {
		return fmt.Errorf("delete shadow: %w", err)
	}
	return nil
}

// ShadowPatch is a partial update applied to a Shadow row.
type ShadowPatch struct {
	CloudID       *string
	LocalParentID *string
	Name          *string
	Etag          *string
	ContentHash   *string
	ModifiedTime  *int64
}
