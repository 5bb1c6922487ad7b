package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func doc(index, id string, token types.VersionToken, fields map[string]interface{}) *types.Document {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &types.Document{Index: index, ID: id, Fields: fields, Version: token}
}

func mustPut(t *testing.T, store *SQLiteStore, d *types.Document) WriteResult {
	t.Helper()
	result, err := store.PutConditional(context.Background(), d)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	return result
}

func TestSQLiteStore_FirstWriteApplies(t *testing.T) {
	store := newTestStore(t)

	result := mustPut(t, store, doc("posts", "1",
		types.VersionToken{EventTimeMs: 100, Offset: 1},
		map[string]interface{}{"content": "hello"}))
	if result != Applied {
		t.Fatalf("got %s, want applied", result)
	}

	stored, err := store.Get(context.Background(), "posts", "1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored == nil || stored.Fields["content"] != "hello" {
		t.Errorf("stored doc: %+v", stored)
	}
	if stored.Version.EventTimeMs != 100 || stored.Version.Offset != 1 {
		t.Errorf("stored version: %v", stored.Version)
	}
}

func TestSQLiteStore_StaleWriteSuperseded(t *testing.T) {
	store := newTestStore(t)

	mustPut(t, store, doc("posts", "1",
		types.VersionToken{EventTimeMs: 200, Offset: 7},
		map[string]interface{}{"content": "newer"}))

	// Older timestamp loses.
	result := mustPut(t, store, doc("posts", "1",
		types.VersionToken{EventTimeMs: 100, Offset: 9},
		map[string]interface{}{"content": "older"}))
	if result != SupersededBySkip {
		t.Errorf("stale write: got %s, want superseded", result)
	}

	// Equal token loses too (duplicate redelivery).
	result = mustPut(t, store, doc("posts", "1",
		types.VersionToken{EventTimeMs: 200, Offset: 7},
		map[string]interface{}{"content": "dup"}))
	if result != SupersededBySkip {
		t.Errorf("duplicate write: got %s, want superseded", result)
	}

	// Same timestamp, larger offset wins.
	result = mustPut(t, store, doc("posts", "1",
		types.VersionToken{EventTimeMs: 200, Offset: 8},
		map[string]interface{}{"content": "same-ms"}))
	if result != Applied {
		t.Errorf("same-ms newer offset: got %s, want applied", result)
	}

	stored, _ := store.Get(context.Background(), "posts", "1")
	if stored.Fields["content"] != "same-ms" {
		t.Errorf("final content: got %v", stored.Fields["content"])
	}
}

func TestSQLiteStore_StaleCreateCannotResurrectDelete(t *testing.T) {
	store := newTestStore(t)

	mustPut(t, store, doc("posts", "42",
		types.VersionToken{EventTimeMs: 100, Offset: 5},
		map[string]interface{}{"content": "original"}))

	tomb := types.Tombstone("posts", "42")
	tomb.Version = types.VersionToken{EventTimeMs: 300, Offset: 9}
	if result := mustPut(t, store, tomb); result != Applied {
		t.Fatalf("tombstone: got %s, want applied", result)
	}

	// Redelivered stale create.
	result := mustPut(t, store, doc("posts", "42",
		types.VersionToken{EventTimeMs: 100, Offset: 5},
		map[string]interface{}{"content": "original"}))
	if result != SupersededBySkip {
		t.Errorf("stale create after delete: got %s, want superseded", result)
	}

	stored, _ := store.Get(context.Background(), "posts", "42")
	if !stored.Deleted {
		t.Error("document must remain tombstoned")
	}
}

func TestSQLiteStore_CreateUpdateRedeliverScenario(t *testing.T) {
	store := newTestStore(t)

	create := doc("posts", "42",
		types.VersionToken{EventTimeMs: 1000, Offset: 5},
		map[string]interface{}{"content": "v1"})
	update := doc("posts", "42",
		types.VersionToken{EventTimeMs: 2000, Offset: 7},
		map[string]interface{}{"content": "v2"})

	if result := mustPut(t, store, create); result != Applied {
		t.Fatalf("create: got %s", result)
	}
	if result := mustPut(t, store, update); result != Applied {
		t.Fatalf("update: got %s", result)
	}
	if result := mustPut(t, store, create); result != SupersededBySkip {
		t.Fatalf("redelivered create: got %s, want superseded", result)
	}

	stored, _ := store.Get(context.Background(), "posts", "42")
	if stored.Fields["content"] != "v2" {
		t.Errorf("final state must reflect the update, got %v", stored.Fields["content"])
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	stored, err := store.Get(context.Background(), "posts", "404")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored != nil {
		t.Errorf("got %+v, want nil", stored)
	}
}

func TestSQLiteStore_SearchTextAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []*types.Document{
		doc("posts", "1", types.VersionToken{EventTimeMs: 1, Offset: 1}, map[string]interface{}{
			"content": "go concurrency patterns", "is_public": true, "user_id": 3,
			"like_count": 5, "hashtags": []string{"go", "concurrency"},
			"created_at": "2026-08-01T00:00:00Z",
		}),
		doc("posts", "2", types.VersionToken{EventTimeMs: 1, Offset: 2}, map[string]interface{}{
			"content": "private go notes", "is_public": false, "user_id": 3,
			"like_count": 9, "hashtags": []string{"go"},
			"created_at": "2026-08-02T00:00:00Z",
		}),
		doc("posts", "3", types.VersionToken{EventTimeMs: 1, Offset: 3}, map[string]interface{}{
			"content": "cooking pasta", "is_public": true, "user_id": 4,
			"like_count": 2, "hashtags": []string{"food"},
			"created_at": "2026-08-03T00:00:00Z",
		}),
	}
	for _, d := range seed {
		mustPut(t, store, d)
	}

	result, err := store.Search(ctx, &SearchRequest{
		Index:      "posts",
		Text:       "go",
		TextFields: []string{"content"},
		Filters:    map[string]interface{}{"is_public": true},
		Size:       10,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.Total != 1 || len(result.Hits) != 1 || result.Hits[0].ID != "1" {
		t.Errorf("got total=%d hits=%v", result.Total, result.Hits)
	}
}

func TestSQLiteStore_SearchExcludesTombstones(t *testing.T) {
	store := newTestStore(t)

	mustPut(t, store, doc("posts", "1", types.VersionToken{EventTimeMs: 1, Offset: 1},
		map[string]interface{}{"content": "visible"}))
	tomb := types.Tombstone("posts", "2")
	tomb.Version = types.VersionToken{EventTimeMs: 1, Offset: 2}
	mustPut(t, store, tomb)

	result, err := store.Search(context.Background(), &SearchRequest{Index: "posts", Size: 10})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("tombstones must not match searches, got total=%d", result.Total)
	}
}

func TestSQLiteStore_SearchSortAndPaging(t *testing.T) {
	store := newTestStore(t)
	for i, likes := range []int{5, 1, 9} {
		mustPut(t, store, doc("posts", string(rune('a'+i)),
			types.VersionToken{EventTimeMs: 1, Offset: uint64(i + 1)},
			map[string]interface{}{"like_count": likes, "created_at": "2026-08-01T00:00:00Z"}))
	}

	result, err := store.Search(context.Background(), &SearchRequest{
		Index: "posts", SortBy: "like_count", SortDesc: true, Size: 2,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(result.Hits) != 2 || result.Hits[0].Fields["like_count"] != float64(9) {
		t.Errorf("sort: got %v", result.Hits)
	}
	if result.Total != 3 {
		t.Errorf("total: got %d, want 3", result.Total)
	}
}

func TestSQLiteStore_HashtagCounts(t *testing.T) {
	store := newTestStore(t)

	posts := []struct {
		id   string
		tags []string
		at   string
	}{
		{"1", []string{"go", "news"}, "2026-08-20T00:00:00Z"},
		{"2", []string{"go"}, "2026-08-21T00:00:00Z"},
		{"3", []string{"food"}, "2026-08-22T00:00:00Z"},
		{"4", []string{"go"}, "2020-01-01T00:00:00Z"}, // outside window
	}
	for i, p := range posts {
		mustPut(t, store, doc("posts", p.id,
			types.VersionToken{EventTimeMs: 1, Offset: uint64(i + 1)},
			map[string]interface{}{"hashtags": p.tags, "created_at": p.at}))
	}

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	counts, err := store.HashtagCounts(context.Background(), since, "", 10)
	if err != nil {
		t.Fatalf("hashtag counts failed: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("got %d tags, want 3: %v", len(counts), counts)
	}
	if counts[0].Name != "go" || counts[0].PostCount != 2 {
		t.Errorf("top tag: got %+v", counts[0])
	}

	counts, err = store.HashtagCounts(context.Background(), time.Time{}, "foo", 10)
	if err != nil {
		t.Fatalf("hashtag counts failed: %v", err)
	}
	if len(counts) != 1 || counts[0].Name != "food" {
		t.Errorf("substring match: got %v", counts)
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	store := newTestStore(t)

	mustPut(t, store, doc("posts", "1", types.VersionToken{EventTimeMs: 1, Offset: 1}, nil))
	mustPut(t, store, doc("users", "1", types.VersionToken{EventTimeMs: 1, Offset: 2}, nil))
	tomb := types.Tombstone("posts", "2")
	tomb.Version = types.VersionToken{EventTimeMs: 1, Offset: 3}
	mustPut(t, store, tomb)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats["posts"].Documents != 1 || stats["posts"].Tombstones != 1 {
		t.Errorf("posts stats: %+v", stats["posts"])
	}
	if stats["users"].Documents != 1 {
		t.Errorf("users stats: %+v", stats["users"])
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	mustPut(t, store, doc("posts", "1", types.VersionToken{EventTimeMs: 9, Offset: 9},
		map[string]interface{}{"content": "persisted"}))
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	stored, err := reopened.Get(context.Background(), "posts", "1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored == nil || stored.Fields["content"] != "persisted" {
		t.Errorf("got %+v", stored)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}
