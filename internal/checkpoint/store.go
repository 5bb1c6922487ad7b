// Package checkpoint tracks per-partition progress through the change
// stream. Offsets only ever move forward; a restart resumes from the
// last persisted checkpoint and relies on the writer's version check to
// absorb replayed events.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/driftline/internal/errors"
)

// Checkpoint is one partition's durable progress marker.
type Checkpoint struct {
	PartitionKey      string    `json:"partition_key"`
	LastAppliedOffset uint64    `json:"last_applied_offset"`
	CheckpointTime    time.Time `json:"checkpoint_time"`
}

// Store persists checkpoints.
type Store interface {
	// Load returns all persisted checkpoints.
	Load(ctx context.Context) (map[string]uint64, error)

	// Save upserts the given offsets. The store enforces forward-only
	// movement even if handed a stale snapshot.
	Save(ctx context.Context, offsets map[string]uint64) error

	// Close releases store resources.
	Close() error
}

// SQLiteStore persists checkpoints in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	partition_key       TEXT PRIMARY KEY,
	last_applied_offset INTEGER NOT NULL,
	checkpoint_time     INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the checkpoint database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns all persisted checkpoints.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_key, last_applied_offset FROM checkpoints`)
	if err != nil {
		return nil, errors.NewCheckpointError("load failed", err)
	}
	defer rows.Close()

	offsets := make(map[string]uint64)
	for rows.Next() {
		var partition string
		var offset uint64
		if err := rows.Scan(&partition, &offset); err != nil {
			return nil, errors.NewCheckpointError("scan failed", err)
		}
		offsets[partition] = offset
	}
	return offsets, rows.Err()
}

// Save upserts the given offsets, never moving one backward.
func (s *SQLiteStore) Save(ctx context.Context, offsets map[string]uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewCheckpointError("begin failed", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for partition, offset := range offsets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (partition_key, last_applied_offset, checkpoint_time)
			VALUES (?, ?, ?)
			ON CONFLICT(partition_key) DO UPDATE SET
				last_applied_offset = excluded.last_applied_offset,
				checkpoint_time = excluded.checkpoint_time
			WHERE checkpoints.last_applied_offset < excluded.last_applied_offset`,
			partition, offset, now)
		if err != nil {
			return errors.NewCheckpointError("upsert failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewCheckpointError("commit failed", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
