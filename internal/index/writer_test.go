package index

import (
	"context"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// conflictStore simulates a backend whose conditional write can race:
// it returns VERSION_CONFLICT a fixed number of times before behaving.
type conflictStore struct {
	inner     Store
	conflicts int
	puts      int
	gets      int
}

func (c *conflictStore) EnsureIndexes(ctx context.Context, names []string) error { return nil }

func (c *conflictStore) Get(ctx context.Context, index, id string) (*types.Document, error) {
	c.gets++
	return c.inner.Get(ctx, index, id)
}

func (c *conflictStore) PutConditional(ctx context.Context, doc *types.Document) (WriteResult, error) {
	c.puts++
	if c.conflicts > 0 {
		c.conflicts--
		return SupersededBySkip, errors.NewWriteError(errors.CodeVersionConflict, "simulated race", nil)
	}
	return c.inner.PutConditional(ctx, doc)
}

func (c *conflictStore) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	return c.inner.Search(ctx, req)
}

func (c *conflictStore) HashtagCounts(ctx context.Context, since time.Time, match string, limit int) ([]TagCount, error) {
	return c.inner.HashtagCounts(ctx, since, match, limit)
}

func (c *conflictStore) Stats(ctx context.Context) (map[string]IndexStats, error) {
	return c.inner.Stats(ctx)
}

func (c *conflictStore) Close() error { return c.inner.Close() }

func TestWriter_AppliesThroughTransientConflict(t *testing.T) {
	store := &conflictStore{inner: newTestStore(t), conflicts: 2}
	writer := NewWriter(store, 3)

	result, err := writer.Apply(context.Background(),
		doc("posts", "1", types.VersionToken{EventTimeMs: 100, Offset: 1},
			map[string]interface{}{"content": "x"}))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != Applied {
		t.Errorf("got %s, want applied", result)
	}
	if store.puts != 3 {
		t.Errorf("puts: got %d, want 3", store.puts)
	}
}

func TestWriter_ConflictResolvesToSupersededAfterReRead(t *testing.T) {
	inner := newTestStore(t)
	// A newer version is already stored.
	mustPut(t, inner, doc("posts", "1", types.VersionToken{EventTimeMs: 500, Offset: 1},
		map[string]interface{}{"content": "newer"}))

	store := &conflictStore{inner: inner, conflicts: 1}
	writer := NewWriter(store, 3)

	result, err := writer.Apply(context.Background(),
		doc("posts", "1", types.VersionToken{EventTimeMs: 100, Offset: 1},
			map[string]interface{}{"content": "stale"}))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != SupersededBySkip {
		t.Errorf("got %s, want superseded", result)
	}
	if store.gets != 1 {
		t.Errorf("re-read count: got %d, want 1", store.gets)
	}
}

func TestWriter_ExhaustedConflictSurfacesRetryableError(t *testing.T) {
	store := &conflictStore{inner: newTestStore(t), conflicts: 100}
	writer := NewWriter(store, 2)

	_, err := writer.Apply(context.Background(),
		doc("posts", "1", types.VersionToken{EventTimeMs: 100, Offset: 1}, nil))
	if err == nil {
		t.Fatal("expected error after exhausting conflict retries")
	}
	if errors.GetCode(err) != errors.CodeVersionConflict {
		t.Errorf("got code %s, want VERSION_CONFLICT", errors.GetCode(err))
	}
	if !errors.IsRetryable(err) {
		t.Error("exhausted conflicts hand off to the backoff path, so the error must stay retryable")
	}
	if store.puts != 3 {
		t.Errorf("puts: got %d, want 3 (initial + 2 retries)", store.puts)
	}
}

func TestWriter_RejectsUnversionedDocument(t *testing.T) {
	writer := NewWriter(newTestStore(t), 3)
	_, err := writer.Apply(context.Background(), doc("posts", "1", types.VersionToken{}, nil))
	if err == nil {
		t.Fatal("expected error for zero version token")
	}
}
