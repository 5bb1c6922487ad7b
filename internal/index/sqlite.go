package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// SQLiteStore implements Store on an embedded SQLite database. The
// conditional write runs inside the upsert statement itself, so the
// version check and the write are atomic and VERSION_CONFLICT never
// surfaces from this backend.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	index_name     TEXT NOT NULL,
	doc_id         TEXT NOT NULL,
	fields         TEXT NOT NULL,
	deleted        INTEGER NOT NULL DEFAULT 0,
	version_time   INTEGER NOT NULL,
	version_offset INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (index_name, doc_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_index ON documents(index_name, deleted);
`

// NewSQLiteStore opens (or creates) the document database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(8)

	s := &SQLiteStore{db: db, readDB: readDB, dbPath: dbPath}
	if _, err := db.Exec(documentsSchema); err != nil {
		s.Close()
		return nil, fmt.Errorf("index: failed to create schema: %w", err)
	}
	return s, nil
}

// EnsureIndexes is a no-op for SQLite beyond the shared schema; index
// names are just row values.
func (s *SQLiteStore) EnsureIndexes(ctx context.Context, names []string) error {
	return nil
}

// Get returns the stored document, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, index, id string) (*types.Document, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT fields, deleted, version_time, version_offset FROM documents
		 WHERE index_name = ? AND doc_id = ?`, index, id)

	var fieldsJSON string
	var deleted int
	var vt int64
	var vo uint64
	if err := row.Scan(&fieldsJSON, &deleted, &vt, &vo); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "read failed", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, errors.NewWriteError(errors.CodeSchemaMismatch, "stored fields are not valid JSON", err)
	}

	return &types.Document{
		Index:   index,
		ID:      id,
		Fields:  fields,
		Deleted: deleted != 0,
		Version: types.VersionToken{EventTimeMs: vt, Offset: vo},
	}, nil
}

// PutConditional applies doc if its token is strictly newer than the
// stored one. The comparison happens inside the upsert, so duplicates
// and stale redeliveries fall out as zero affected rows.
func (s *SQLiteStore) PutConditional(ctx context.Context, doc *types.Document) (WriteResult, error) {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return SupersededBySkip, errors.NewWriteError(errors.CodeSchemaMismatch,
			"document fields are not JSON-encodable", err)
	}

	deleted := 0
	if doc.Deleted {
		deleted = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (index_name, doc_id, fields, deleted, version_time, version_offset, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(index_name, doc_id) DO UPDATE SET
			fields = excluded.fields,
			deleted = excluded.deleted,
			version_time = excluded.version_time,
			version_offset = excluded.version_offset,
			updated_at = excluded.updated_at
		WHERE documents.version_time < excluded.version_time
		   OR (documents.version_time = excluded.version_time
		       AND documents.version_offset < excluded.version_offset)`,
		doc.Index, doc.ID, string(fieldsJSON), deleted,
		doc.Version.EventTimeMs, doc.Version.Offset, time.Now().UnixMilli())
	if err != nil {
		return SupersededBySkip, errors.NewWriteError(errors.CodeIndexUnavailable, "upsert failed", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return SupersededBySkip, errors.NewWriteError(errors.CodeIndexUnavailable, "rows affected unavailable", err)
	}
	if affected == 0 {
		return SupersededBySkip, nil
	}
	return Applied, nil
}

// Search runs a LIKE/json_extract query over one index.
func (s *SQLiteStore) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	start := time.Now()

	where := []string{"index_name = ?", "deleted = 0"}
	args := []interface{}{req.Index}

	if req.Text != "" && len(req.TextFields) > 0 {
		var clauses []string
		for _, f := range req.TextFields {
			clauses = append(clauses, fmt.Sprintf("json_extract(fields, '$.%s') LIKE '%%' || ? || '%%'", f))
			args = append(args, req.Text)
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}

	// Equality filters match scalars directly and array fields by
	// membership, mirroring OpenSearch term semantics.
	for field, value := range req.Filters {
		where = append(where, fmt.Sprintf(`(json_extract(fields, '$.%[1]s') = ?
			OR (json_type(fields, '$.%[1]s') = 'array'
				AND EXISTS (SELECT 1 FROM json_each(documents.fields, '$.%[1]s') WHERE json_each.value = ?)))`, field))
		v := normalizeFilterValue(value)
		args = append(args, v, v)
	}

	for field, prefix := range req.Prefix {
		where = append(where, fmt.Sprintf("json_extract(fields, '$.%s') LIKE ? || '%%'", field))
		args = append(args, prefix)
	}

	if !req.Since.IsZero() {
		where = append(where, "json_extract(fields, '$.created_at') >= ?")
		args = append(args, req.Since.UTC().Format(time.RFC3339))
	}

	whereSQL := strings.Join(where, " AND ")

	var total int64
	if err := s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "count failed", err)
	}

	orderSQL := "json_extract(fields, '$.created_at') DESC"
	if req.SortBy != "" {
		dir := "ASC"
		if req.SortDesc {
			dir = "DESC"
		}
		orderSQL = fmt.Sprintf("json_extract(fields, '$.%s') %s, %s", req.SortBy, dir, orderSQL)
	}

	size := req.Size
	if size <= 0 {
		size = 10
	}

	query := fmt.Sprintf(
		"SELECT doc_id, fields FROM documents WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		whereSQL, orderSQL)
	rows, err := s.readDB.QueryContext(ctx, query, append(args, size, req.From)...)
	if err != nil {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "search failed", err)
	}
	defer rows.Close()

	result := &SearchResult{Total: total}
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "scan failed", err)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, errors.NewWriteError(errors.CodeSchemaMismatch, "stored fields are not valid JSON", err)
		}
		result.Hits = append(result.Hits, Hit{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "search iteration failed", err)
	}

	result.TookMs = time.Since(start).Milliseconds()
	return result, nil
}

// HashtagCounts unnests the hashtags arrays of live posts and counts
// tag frequency.
func (s *SQLiteStore) HashtagCounts(ctx context.Context, since time.Time, match string, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT je.value AS tag, COUNT(*) AS cnt
		FROM documents d, json_each(json_extract(d.fields, '$.hashtags')) je
		WHERE d.index_name = 'posts' AND d.deleted = 0`
	var args []interface{}
	if !since.IsZero() {
		query += " AND json_extract(d.fields, '$.created_at') >= ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	if match != "" {
		query += " AND je.value LIKE '%' || ? || '%'"
		args = append(args, strings.ToLower(match))
	}
	query += " GROUP BY je.value ORDER BY cnt DESC, tag ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "hashtag aggregation failed", err)
	}
	defer rows.Close()

	var counts []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.PostCount); err != nil {
			return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "scan failed", err)
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// Stats reports live and tombstoned document counts per index.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]IndexStats, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT index_name, deleted, COUNT(*) FROM documents GROUP BY index_name, deleted`)
	if err != nil {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "stats failed", err)
	}
	defer rows.Close()

	stats := make(map[string]IndexStats)
	for rows.Next() {
		var name string
		var deleted int
		var count int64
		if err := rows.Scan(&name, &deleted, &count); err != nil {
			return nil, errors.NewWriteError(errors.CodeIndexUnavailable, "scan failed", err)
		}
		st := stats[name]
		if deleted != 0 {
			st.Tombstones = count
		} else {
			st.Documents = count
		}
		stats[name] = st
	}
	return stats, rows.Err()
}

// Close closes both database connections.
func (s *SQLiteStore) Close() error {
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// normalizeFilterValue maps Go values to their SQLite JSON
// representation; json_extract yields 1/0 for booleans.
func normalizeFilterValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
