package deadletter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/driftline/driftline/internal/storage"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "deadletter.db"))
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func testEntry(partition string, offset uint64) *Entry {
	return &Entry{
		PartitionKey:  partition,
		SourceOffset:  offset,
		EntityType:    "posts",
		EntityKey:     "42",
		Envelope:      []byte(`{"payload":{"op":"u"}}`),
		ErrorCategory: "WRITE",
		ErrorCode:     "INDEX_UNAVAILABLE",
		ErrorDetail:   "connection refused",
		Attempts:      5,
	}
}

func TestSink_RecordAssignsID(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	entry := testEntry("posts", 10)
	if err := sink.Record(ctx, entry); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if entry.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	got, err := sink.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.ErrorCode != "INDEX_UNAVAILABLE" || got.Attempts != 5 {
		t.Errorf("unexpected entry: %+v", got)
	}
	if string(got.Envelope) != `{"payload":{"op":"u"}}` {
		t.Errorf("envelope not preserved: %s", got.Envelope)
	}
}

func TestSink_GetMissing(t *testing.T) {
	sink := newTestSink(t)
	got, err := sink.Get(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing entry, got %+v", got)
	}
}

func TestSink_ListFiltersByPartition(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := sink.Record(ctx, testEntry("posts", i)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := sink.Record(ctx, testEntry("users", 4)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	posts, err := sink.List(ctx, "posts", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(posts) != 3 {
		t.Errorf("expected 3 posts entries, got %d", len(posts))
	}

	all, err := sink.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 entries total, got %d", len(all))
	}
}

func TestSink_Count(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for i := uint64(1); i <= 2; i++ {
		if err := sink.Record(ctx, testEntry("posts", i)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	n, err := sink.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
}

func TestArchiver_SweepExportsAndMarks(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := sink.Record(ctx, testEntry("posts", i)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	objStore, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create object storage: %v", err)
	}
	archiver := NewArchiver(sink, objStore, ArchiverConfig{BatchSize: 10, Prefix: "deadletter"})

	n, err := archiver.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 entries archived, got %d", n)
	}

	// Entries stay listable but no longer count as pending.
	pending, err := sink.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected 0 pending after sweep, got %d", pending)
	}

	// The archive object round-trips through snappy.
	objects, err := objStore.List(ctx, "deadletter")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected 1 archive object, got %v", objects)
	}
	data, err := objStore.Get(ctx, objects[0])
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	entries, err := ReadArchive(data)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries in archive, got %d", len(entries))
	}
	if entries[0].SourceOffset != 1 {
		t.Errorf("expected oldest-first export, got offset %d", entries[0].SourceOffset)
	}

	// A second sweep has nothing to do.
	n, err = archiver.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected drained sink, got %d", n)
	}
}
