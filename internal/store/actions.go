package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// EnqueueAction is invoked by the adapter and by the engine. It inspects all
// non-completed (pending, failed; an in-flight `processing` row is left
// alone since it cannot be folded while a remote call may already be in
// flight for it and nothing here cancels in-flight calls) actions for the
// same target in descending-time order and folds the new intent into them,
// operating on the head of that list and skipping over intervening
// move/rename rows that are commutative with the new intent.
//
// Returns the Action row that now represents the intent: either the newly
// inserted row, or the existing row that absorbed it.
func (s *Store) EnqueueAction(ctx context.Context, a *Action) (*Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if a.CreatedTime == 0 {
		a.CreatedTime = nowUnix()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.Metadata == nil {
		a.Metadata = map[string]string{}
	}

	result, err := coalesce(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	folded := result != a
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	if folded && s.onFold != nil {
		s.onFold()
	}
	return result, nil
}

// coalesce implements the per-kind folding rules. It must run inside tx so
// the read-then-write is atomic against concurrent enqueues.
func coalesce(ctx context.Context, tx *sql.Tx, a *Action) (*Action, error) {
	switch a.Kind {
	case KindListChildren:
		// I2: at most one pending/processing list_children action per folder.
		existing, err := activeActionOfKind(ctx, tx, a.TargetID, KindListChildren, []ActionStatus{StatusPending, StatusProcessing})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil // drop the new one
		}
		return insertAction(ctx, tx, a)

	case KindDelete:
		if _, err := tx.ExecContext(ctx, "DELETE FROM actions WHERE target_id = ? AND status != ?", a.TargetID, StatusProcessing); err != nil {
			return nil, fmt.Errorf("discard actions before delete: %w", err)
		}
		return insertAction(ctx, tx, a)

	case KindRename:
		head, err := foldableHead(ctx, tx, a.TargetID, []ActionKind{KindRename, KindUpload, KindUpdateContent}, []ActionKind{KindMove})
		if err != nil {
			return nil, err
		}
		if head == nil {
			return insertAction(ctx, tx, a)
		}
		switch head.Kind {
		case KindRename:
			head.Destination = a.Destination
			if a.Destination != nil {
				head.Metadata["to"] = *a.Destination
			}
			return resetAndUpdate(ctx, tx, head)
		case KindUpload, KindUpdateContent:
			if a.Destination != nil {
				head.Metadata["name"] = *a.Destination
			}
			return resetAndUpdate(ctx, tx, head)
		}
		return insertAction(ctx, tx, a)

	case KindMove:
		head, err := foldableHead(ctx, tx, a.TargetID, []ActionKind{KindMove}, nil)
		if err != nil {
			return nil, err
		}
		if head == nil {
			return insertAction(ctx, tx, a)
		}
		head.Destination = a.Destination
		for k, v := range a.Metadata {
			head.Metadata[k] = v
		}
		return resetAndUpdate(ctx, tx, head)

	case KindUpdateContent:
		head, err := foldableHead(ctx, tx, a.TargetID, []ActionKind{KindUpdateContent, KindUpload}, []ActionKind{KindMove, KindRename})
		if err != nil {
			return nil, err
		}
		if head == nil {
			return insertAction(ctx, tx, a)
		}
		// newer hash wins, regardless of whether the head is update_content
		// (merge metadata) or upload (merge hash into its metadata).
		if h, ok := a.Metadata["hash"]; ok {
			head.Metadata["hash"] = h
		}
		return resetAndUpdate(ctx, tx, head)

	case KindEnsureLatest, KindDownload, KindUpload:
		existing, err := activeActionOfKind(ctx, tx, a.TargetID, a.Kind, []ActionStatus{StatusPending, StatusProcessing, StatusFailed})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return insertAction(ctx, tx, a)

	case KindDownloadChunk:
		// Distinct chunk indices for the same target coexist; dedupe only
		// on an exact (target, chunk_index) match.
		existing, err := activeDownloadChunk(ctx, tx, a.TargetID, a.Metadata["chunk_index"])
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return insertAction(ctx, tx, a)

	default:
		return insertAction(ctx, tx, a)
	}
}

// foldableHead returns the most recent active (pending/failed) action for
// target whose kind is in relevant, scanning from newest and skipping over
// rows whose kind is in skip (the "intervening moves/renames that are
// commutative" carve-out). It stops and returns nil at the first row whose
// kind is neither in relevant nor skip.
func foldableHead(ctx context.Context, tx *sql.Tx, targetID string, relevant, skip []ActionKind) (*Action, error) {
	rows, err := tx.QueryContext(ctx, actionSelectSQL+` WHERE target_id = ? AND status IN (?, ?) ORDER BY created_time DESC, id DESC`,
		targetID, StatusPending, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query foldable head: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if containsKind(relevant, act.Kind) {
			return act, nil
		}
		if containsKind(skip, act.Kind) {
			continue
		}
		return nil, nil
	}
	return nil, rows.Err()
}

func containsKind(kinds []ActionKind, k ActionKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func activeActionOfKind(ctx context.Context, tx *sql.Tx, targetID string, kind ActionKind, statuses []ActionStatus) (*Action, error) {
	args := []interface{}{targetID, kind}
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}
	row := tx.QueryRowContext(ctx, actionSelectSQL+fmt.Sprintf(" WHERE target_id = ? AND kind = ? AND status IN (%s) ORDER BY created_time DESC LIMIT 1", placeholders), args...)
	act, err := scanActionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return act, err
}

func activeDownloadChunk(ctx context.Context, tx *sql.Tx, targetID, chunkIndex string) (*Action, error) {
	rows, err := tx.QueryContext(ctx, actionSelectSQL+` WHERE target_id = ? AND kind = ? AND status IN (?, ?, ?)`,
		targetID, KindDownloadChunk, StatusPending, StatusProcessing, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query active download_chunk: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if act.Metadata["chunk_index"] == chunkIndex {
			return act, nil
		}
	}
	return nil, rows.Err()
}

// resetAndUpdate persists a folded row. A row that was previously failed
// is reset to pending with retry-count = 0 and last-error cleared, so a
// folded intent gets a fresh attempt rather than inheriting the old
// backoff.
func resetAndUpdate(ctx context.Context, tx *sql.Tx, a *Action) (*Action, error) {
	if a.Status == StatusFailed {
		a.Status = StatusPending
		a.RetryCount = 0
		a.LastError = ""
		a.FailedAt = 0
	}
	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE actions SET destination = ?, metadata = ?, status = ?, retry_count = ?, last_error = ?, failed_at = ?
		WHERE id = ?`, a.Destination, string(metadataJSON), a.Status, a.RetryCount, a.LastError, a.FailedAt, a.ID)
	if err != nil {
		return nil, fmt.Errorf("update folded action: %w", err)
	}
	return a, nil
}

func insertAction(ctx context.Context, tx *sql.Tx, a *Action) (*Action, error) {
	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO actions (kind, target_id, direction, destination, metadata, priority, created_time, status, retry_count, last_error, failed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.Kind, a.TargetID, a.Direction, a.Destination, string(metadataJSON), a.Priority, a.CreatedTime, a.Status, a.RetryCount, a.LastError, a.FailedAt)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	return a, nil
}

// DequeueNextAction atomically selects and transitions the next Action to
// process: Tier A is the oldest pending row
// (FIFO, higher priority first); Tier B, used only when no row is pending,
// is the failed row whose exponential backoff deadline has passed. Returns
// (nil, nil) if nothing is ready.
func (s *Store) DequeueNextAction(ctx context.Context, baseBackoff time.Duration, retryCap int) (*Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, actionSelectSQL+` WHERE status = ? ORDER BY priority DESC, created_time ASC, id ASC LIMIT 1`, StatusPending)
	act, err := scanActionRow(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	if act == nil {
		act, err = selectDueFailed(ctx, tx, baseBackoff, retryCap)
		if err != nil {
			return nil, err
		}
	}
	if act == nil {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE actions SET status = ? WHERE id = ?", StatusProcessing, act.ID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	act.Status = StatusProcessing
	return act, nil
}

func selectDueFailed(ctx context.Context, tx *sql.Tx, baseBackoff time.Duration, retryCap int) (*Action, error) {
	rows, err := tx.QueryContext(ctx, actionSelectSQL+` WHERE status = ?`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("select failed: %w", err)
	}
	defer rows.Close()

	now := nowUnix()
	var best *Action
	var bestDeadline int64
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if act.RetryCount > retryCap {
			continue
		}
		backoff := int64(baseBackoff.Seconds() * math.Pow(2, float64(act.RetryCount)))
		deadline := act.FailedAt + backoff
		if deadline > now {
			continue
		}
		if best == nil || deadline < bestDeadline {
			best = act
			bestDeadline = deadline
		}
	}
	return best, rows.Err()
}

// CompleteAction deletes the Action row on success.
func (s *Store) CompleteAction(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("complete action: %w", err)
	}
	return nil
}

// FailAction records an error against the Action.
// If resetToPendingZeroBackoff is true (a transient remote fault), the
// action goes back to pending with its retry-count left untouched so the
// next tick retries immediately; otherwise it goes to failed with
// retry-count incremented and is picked up again only once its
// exponential-backoff deadline has passed.
//
// When retry-count exceeds retryCap, the caller is expected to have
// already set the target Object's sync-state to error; this method still
// removes the action row, since it has given up retrying it.
func (s *Store) FailAction(ctx context.Context, id int64, syncErr error, resetToPendingZeroBackoff bool, retryCap int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, actionSelectSQL+" WHERE id = ?", id)
	act, err := scanActionRow(row)
	if err != nil {
		return fmt.Errorf("fetch action to fail: %w", err)
	}

	errMsg := ""
	if syncErr != nil {
		errMsg = syncErr.Error()
	}

	if resetToPendingZeroBackoff {
		if _, err := tx.ExecContext(ctx, "UPDATE actions SET status = ?, last_error = ? WHERE id = ?", StatusPending, errMsg, id); err != nil {
			return fmt.Errorf("reset to pending: %w", err)
		}
		return tx.Commit()
	}

	act.RetryCount++
	if act.RetryCount > retryCap {
		if _, err := tx.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id); err != nil {
			return fmt.Errorf("remove action past retry cap: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "UPDATE actions SET status = ?, retry_count = ?, last_error = ?, failed_at = ? WHERE id = ?",
		StatusFailed, act.RetryCount, errMsg, nowUnix(), id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return tx.Commit()
}

// resetProcessingToPending recovers from an unclean shutdown: on open, all
// rows left in status=processing (the dispatcher died mid-call) are reset
// to pending so they get picked up again.
func (s *Store) resetProcessingToPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE actions SET status = ? WHERE status = ?", StatusPending, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset processing actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountPendingOrProcessing returns the queue depth, used by the engine's
// Status() aggregate.
func (s *Store) CountPendingOrProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM actions WHERE status IN (?, ?)", StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// OldestPendingAge returns the age in seconds of the oldest pending Action,
// or -1 if the queue is empty of pending rows.
func (s *Store) OldestPendingAge(ctx context.Context) (int64, error) {
	var created sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MIN(created_time) FROM actions WHERE status = ?", StatusPending).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("oldest pending: %w", err)
	}
	if !created.Valid {
		return -1, nil
	}
	return nowUnix() - created.Int64, nil
}

const actionSelectSQL = `SELECT
	id, kind, target_id, direction, destination, metadata, priority, created_time, status, retry_count, last_error, failed_at
FROM actions`

func scanAction(rows *sql.Rows) (*Action, error) {
	return scanActionRow(rows)
}

func scanActionRow(rs rowScanner) (*Action, error) {
	var a Action
	var metadataJSON string
	if err := rs.Scan(&a.ID, &a.Kind, &a.TargetID, &a.Direction, &a.Destination, &metadataJSON, &a.Priority, &a.CreatedTime, &a.Status, &a.RetryCount, &a.LastError, &a.FailedAt); err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	a.Metadata = map[string]string{}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal action metadata: %w", err)
		}
	}
	return &a, nil
}
