package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCacheRecord returns the CacheRecord for objectID.
func (s *Store) GetCacheRecord(ctx context.Context, objectID string) (*CacheRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT object_id, cache_path, cached_size, present, pinned, last_accessed, open_count
		FROM cache_records WHERE object_id = ?`, objectID)

	var cr CacheRecord
	var pinned int
	if err := row.Scan(&cr.ObjectID, &cr.CachePath, &cr.CachedSize, &cr.Present, &pinned, &cr.LastAccessed, &cr.OpenCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache record: %w", err)
	}
	cr.Pinned = pinned != 0
	return &cr, nil
}

// UpsertCacheRecord creates or fully replaces the CacheRecord row for
// cr.ObjectID.
func (s *Store) UpsertCacheRecord(ctx context.Context, cr *CacheRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_records (object_id, cache_path, cached_size, present, pinned, last_accessed, open_count)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(object_id) DO UPDATE SET
			cache_path = excluded.cache_path,
			cached_size = excluded.cached_size,
			present = excluded.present,
			pinned = excluded.pinned,
			last_accessed = excluded.last_accessed,
			open_count = excluded.open_count`,
		cr.ObjectID, cr.CachePath, cr.CachedSize, cr.Present, boolToInt(cr.Pinned), cr.LastAccessed, cr.OpenCount,
	)
	if err != nil {
		return fmt.Errorf("upsert cache record: %w", err)
	}
	return nil
}

// DeleteCacheRecord removes the CacheRecord row (and its chunk set) for
// objectID.
func (s *Store) DeleteCacheRecord(ctx context.Context, objectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_chunks WHERE object_id = ?", objectID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_records WHERE object_id = ?", objectID); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return tx.Commit()
}

// ListPresentChunks returns the set of chunk indices materialized for a
// partial file.
func (s *Store) ListPresentChunks(ctx context.Context, objectID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_index FROM cache_chunks WHERE object_id = ? ORDER BY chunk_index", objectID)
	if err != nil {
		return nil, fmt.Errorf("list present chunks: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// AddPresentChunk records that chunkIndex has been materialized for
// objectID.
func (s *Store) AddPresentChunk(ctx context.Context, objectID string, chunkIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_chunks (object_id, chunk_index) VALUES (?, ?)
		ON CONFLICT(object_id, chunk_index) DO NOTHING`, objectID, chunkIndex)
	if err != nil {
		return fmt.Errorf("add present chunk: %w", err)
	}
	return nil
}

// ClearPresentChunks removes all chunk-set rows for objectID. Must be
// called when a file's CacheRecord flips to full or missing, so stale
// chunk-set rows never linger after the flip.
func (s *Store) ClearPresentChunks(ctx context.Context, objectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_chunks WHERE object_id = ?", objectID)
	if err != nil {
		return fmt.Errorf("clear present chunks: %w", err)
	}
	return nil
}
