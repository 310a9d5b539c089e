// Package store implements cloudmount's durable, transactional metadata
// store: the Object, Shadow, CacheRecord, and Action tables, fronted by a
// small set of typed row accessors.
//
// The store is backed by a single SQLite file (modernc.org/sqlite, a
// pure-Go driver) with schema migrations applied idempotently at open via
// pressly/goose, following the pattern in tonimelisma-onedrive-go's
// internal/sync.SQLiteStore. Writes serialize through a single
// *sql.DB connection (MaxOpenConns=1) with a busy-timeout pragma, so the
// Store is the single arbiter of shared state.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/cloudmount/cloudmount/pkg/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Well-known ids for the two roots that always exist. DriveRootID also
// doubles as the sentinel folder id used as an Action's target_id when
// listing the top of the drive.
const (
	FSRootID    = "root"
	DriveRootID = "drive-root"
)

const busyTimeoutMillis = 5000

// Store owns all persisted cloudmount state.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	onFold func()
}

// AttachFoldMetrics wires a callback invoked once per EnqueueAction call
// that folds its intent into an already-queued Action rather than
// inserting a new row; nil (the default) disables the callback.
func (s *Store) AttachFoldMetrics(onFold func()) {
	s.onFold = onFold
}

// Open opens (creating if absent) the SQLite database at path, applies
// migrations, and resets any Action left in `processing` back to `pending`
// (crash recovery after an unclean shutdown).
func Open(path string) (*Store, error) {
	logger := logging.Component("store")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &Store{db: db, logger: logger}

	n, err := s.resetProcessingToPending(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("crash recovery: %w", err)
	}
	if n > 0 {
		logger.Warn().Int("count", n).Msg("reset in-flight actions to pending after restart")
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint writes a consistent point-in-time copy of the store to dest,
// using SQLite's online backup facility (VACUUM INTO). Used as a periodic
// snapshot/export hook.
func (s *Store) Checkpoint(ctx context.Context, dest string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
