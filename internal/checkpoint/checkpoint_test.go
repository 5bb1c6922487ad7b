package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, map[string]uint64{"posts": 42, "users": 7}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	offsets, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if offsets["posts"] != 42 || offsets["users"] != 7 {
		t.Errorf("unexpected offsets: %v", offsets)
	}
}

func TestStore_NeverMovesBackward(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, map[string]uint64{"posts": 100}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, map[string]uint64{"posts": 50}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	offsets, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if offsets["posts"] != 100 {
		t.Errorf("expected checkpoint to stay at 100, got %d", offsets["posts"])
	}
}

func TestTracker_MonotonicRecord(t *testing.T) {
	tracker, err := NewTracker(context.Background(), newTestStore(t))
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Record("posts", 10)
	tracker.Record("posts", 5)
	tracker.Record("posts", 10)

	if got := tracker.Get("posts"); got != 10 {
		t.Errorf("expected offset 10, got %d", got)
	}
}

func TestTracker_CheckpointPersistsAndResumes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	tracker, err := NewTracker(ctx, store)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	tracker.Record("posts", 99)
	tracker.Record("comments", 3)
	if err := tracker.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	store.Close()

	// Simulate a restart: a fresh tracker resumes from the marks.
	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()
	tracker2, err := NewTracker(ctx, store2)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	if got := tracker2.Get("posts"); got != 99 {
		t.Errorf("expected resumed offset 99, got %d", got)
	}
	if got := tracker2.Get("comments"); got != 3 {
		t.Errorf("expected resumed offset 3, got %d", got)
	}
}

// hookedStore runs a hook at the start of each Save, letting tests
// interleave Records with an in-flight flush.
type hookedStore struct {
	inner  Store
	onSave func()
	saves  int
}

func (h *hookedStore) Load(ctx context.Context) (map[string]uint64, error) {
	return h.inner.Load(ctx)
}

func (h *hookedStore) Save(ctx context.Context, offsets map[string]uint64) error {
	h.saves++
	if h.onSave != nil {
		h.onSave()
	}
	return h.inner.Save(ctx, offsets)
}

func (h *hookedStore) Close() error { return h.inner.Close() }

func TestTracker_RecordDuringFlushStaysDirty(t *testing.T) {
	ctx := context.Background()
	hooked := &hookedStore{inner: newTestStore(t)}
	tracker, err := NewTracker(ctx, hooked)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Record("posts", 1)
	hooked.onSave = func() {
		// Lands after the flush snapshot was taken.
		tracker.Record("posts", 2)
		hooked.onSave = nil
	}
	if err := tracker.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	// The mark recorded mid-flush must not be considered flushed.
	if err := tracker.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if hooked.saves != 2 {
		t.Errorf("expected a second flush for the mid-flush record, got %d saves", hooked.saves)
	}
	offsets, err := hooked.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if offsets["posts"] != 2 {
		t.Errorf("expected persisted offset 2, got %d", offsets["posts"])
	}
}

func TestTracker_CheckpointSkipsWhenClean(t *testing.T) {
	tracker, err := NewTracker(context.Background(), newTestStore(t))
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	// No records: Checkpoint should be a no-op and not error.
	if err := tracker.Checkpoint(context.Background()); err != nil {
		t.Fatalf("clean checkpoint failed: %v", err)
	}
}
