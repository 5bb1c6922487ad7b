// Package index provides the document store abstraction and the
// idempotent upsert writer. Two backends exist: an embedded SQLite
// store and an OpenSearch-compatible HTTP store. Both honor the same
// conditional-write contract: a document write is accepted only if no
// stored document for the id carries a version token greater than or
// equal to the incoming one.
package index

import (
	"context"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

// WriteResult is the outcome of a conditional write.
type WriteResult int

const (
	// Applied means the document was written.
	Applied WriteResult = iota

	// SupersededBySkip means a newer or equal version is already
	// stored; the write was a no-op, not an error.
	SupersededBySkip
)

func (r WriteResult) String() string {
	if r == Applied {
		return "applied"
	}
	return "superseded"
}

// Store is the document store used by the writer and the query services.
type Store interface {
	// EnsureIndexes prepares the named indexes (tables or mappings).
	EnsureIndexes(ctx context.Context, names []string) error

	// Get returns the stored document, or nil when none exists.
	// Tombstoned documents are returned with Deleted set.
	Get(ctx context.Context, index, id string) (*types.Document, error)

	// PutConditional applies doc if its version token is strictly newer
	// than the stored one. Backends whose check can race concurrent
	// writers return a WRITE:VERSION_CONFLICT error; the writer resolves
	// it by re-reading and retrying.
	PutConditional(ctx context.Context, doc *types.Document) (WriteResult, error)

	// Search runs a query against one index.
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// HashtagCounts aggregates hashtag frequencies over live posts
	// created since the given time. match narrows to tags containing
	// the substring; empty matches all.
	HashtagCounts(ctx context.Context, since time.Time, match string, limit int) ([]TagCount, error)

	// Stats reports live and tombstoned document counts per index.
	Stats(ctx context.Context) (map[string]IndexStats, error)

	// Close releases backend resources.
	Close() error
}

// SearchRequest describes one query against a single index.
type SearchRequest struct {
	// Index is the index to search.
	Index string

	// Text is matched against TextFields. Empty means no text clause.
	Text       string
	TextFields []string

	// Filters are exact-match constraints on document fields.
	Filters map[string]interface{}

	// Prefix constrains a field to values starting with the given
	// string (autocomplete).
	Prefix map[string]string

	// Since bounds created_at from below when non-zero.
	Since time.Time

	// SortBy names a field to sort on; empty sorts by recency.
	SortBy   string
	SortDesc bool

	From int
	Size int
}

// Hit is one matching document.
type Hit struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Total  int64 `json:"total"`
	Hits   []Hit `json:"hits"`
	TookMs int64 `json:"took_ms"`
}

// TagCount is an aggregated hashtag frequency.
type TagCount struct {
	Name      string `json:"name"`
	PostCount int64  `json:"post_count"`
}

// IndexStats summarizes one index.
type IndexStats struct {
	Documents  int64 `json:"documents"`
	Tombstones int64 `json:"tombstones"`
}
