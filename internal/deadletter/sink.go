// Package deadletter stores events that exhausted their retries, or
// failed with a non-retryable error, so the stream keeps moving while
// the poison events remain inspectable and replayable.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/driftline/internal/errors"
)

// Entry is one dead-lettered event together with the failure that
// sent it here.
type Entry struct {
	ID            string    `json:"id"`
	PartitionKey  string    `json:"partition_key"`
	SourceOffset  uint64    `json:"source_offset"`
	EntityType    string    `json:"entity_type,omitempty"`
	EntityKey     string    `json:"entity_key,omitempty"`
	Envelope      []byte    `json:"envelope"`
	ErrorCategory string    `json:"error_category"`
	ErrorCode     string    `json:"error_code"`
	ErrorDetail   string    `json:"error_detail"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sink persists dead-lettered events.
type Sink interface {
	// Record appends an entry. The entry is assigned an ID if it has none.
	Record(ctx context.Context, entry *Entry) error

	// List returns entries newest first, filtered by partition when
	// partition is non-empty.
	List(ctx context.Context, partition string, limit, offset int) ([]*Entry, error)

	// Get returns the entry with the given ID, nil if absent.
	Get(ctx context.Context, id string) (*Entry, error)

	// Count returns the number of unarchived entries.
	Count(ctx context.Context) (int64, error)

	// Close releases sink resources.
	Close() error
}

// SQLiteSink is an append-only dead-letter table in SQLite.
type SQLiteSink struct {
	db *sql.DB
}

const deadLetterSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	partition_key  TEXT NOT NULL,
	source_offset  INTEGER NOT NULL,
	entity_type    TEXT NOT NULL DEFAULT '',
	entity_key     TEXT NOT NULL DEFAULT '',
	envelope       BLOB NOT NULL,
	error_category TEXT NOT NULL,
	error_code     TEXT NOT NULL,
	error_detail   TEXT NOT NULL,
	attempts       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	archived_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_partition ON dead_letters(partition_key, created_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_archived ON dead_letters(archived_at) WHERE archived_at IS NULL;
`

// NewSQLiteSink opens (or creates) the dead-letter database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(deadLetterSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: failed to create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Record appends an entry.
func (s *SQLiteSink) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, partition_key, source_offset, entity_type, entity_key,
			 envelope, error_category, error_code, error_detail, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PartitionKey, entry.SourceOffset, entry.EntityType, entry.EntityKey,
		entry.Envelope, entry.ErrorCategory, entry.ErrorCode, entry.ErrorDetail,
		entry.Attempts, entry.CreatedAt.UnixMilli())
	if err != nil {
		return errors.NewCheckpointError("dead letter insert failed", err)
	}
	return nil
}

// List returns entries newest first.
func (s *SQLiteSink) List(ctx context.Context, partition string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, partition_key, source_offset, entity_type, entity_key,
		       envelope, error_category, error_code, error_detail, attempts, created_at
		FROM dead_letters`
	args := []interface{}{}
	if partition != "" {
		query += ` WHERE partition_key = ?`
		args = append(args, partition)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewCheckpointError("dead letter query failed", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns a single entry by ID, nil if absent.
func (s *SQLiteSink) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition_key, source_offset, entity_type, entity_key,
		       envelope, error_category, error_code, error_detail, attempts, created_at
		FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return nil, errors.NewCheckpointError("dead letter query failed", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

// Count returns the number of unarchived entries.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE archived_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, errors.NewCheckpointError("dead letter count failed", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var entry Entry
	var createdMs int64
	if err := rows.Scan(&entry.ID, &entry.PartitionKey, &entry.SourceOffset,
		&entry.EntityType, &entry.EntityKey, &entry.Envelope,
		&entry.ErrorCategory, &entry.ErrorCode, &entry.ErrorDetail,
		&entry.Attempts, &createdMs); err != nil {
		return nil, errors.NewCheckpointError("dead letter scan failed", err)
	}
	entry.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &entry, nil
}

// unarchivedBatch returns up to limit unarchived entries for the
// archiver, in insertion order. created_at only has millisecond
// resolution, so rowid is the tiebreaker that keeps ordering stable.
func (s *SQLiteSink) unarchivedBatch(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition_key, source_offset, entity_type, entity_key,
		       envelope, error_category, error_code, error_detail, attempts, created_at
		FROM dead_letters
		WHERE archived_at IS NULL
		ORDER BY rowid
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewCheckpointError("dead letter query failed", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// markArchived stamps the given entries as archived.
func (s *SQLiteSink) markArchived(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewCheckpointError("begin failed", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dead_letters SET archived_at = ? WHERE id = ?`, now, id); err != nil {
			return errors.NewCheckpointError("mark archived failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewCheckpointError("commit failed", err)
	}
	return nil
}
