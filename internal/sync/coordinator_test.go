package sync

import (
	"context"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/checkpoint"
	"github.com/driftline/driftline/internal/deadletter"
	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/index"
	"github.com/driftline/driftline/internal/observability"
	"github.com/driftline/driftline/internal/route"
	"github.com/driftline/driftline/internal/source"
	"github.com/driftline/driftline/pkg/types"
)

// fakeClock satisfies Clock without sleeping so retries run instantly.
type fakeClock struct {
	mu         stdsync.Mutex
	afterCalls int
}

func (f *fakeClock) Now() time.Time { return time.Now() }

func (f *fakeClock) After(time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.afterCalls++
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (f *fakeClock) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterCalls
}

// fakeSource serves a fixed set of events and records acks.
type fakeSource struct {
	mu     stdsync.Mutex
	events []*source.RawEvent
	acked  map[string]bool
}

func newFakeSource(events ...*source.RawEvent) *fakeSource {
	return &fakeSource{events: events, acked: make(map[string]bool)}
}

func (f *fakeSource) Fetch(ctx context.Context, max int, wait time.Duration) ([]*source.RawEvent, error) {
	f.mu.Lock()
	n := len(f.events)
	if n > max {
		n = max
	}
	batch := f.events[:n]
	f.events = f.events[n:]
	f.mu.Unlock()

	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, nil
		}
	}
	return batch, nil
}

func (f *fakeSource) Ack(ctx context.Context, events ...*source.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		f.acked[ev.ID] = true
	}
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

// plainTransformer projects an event straight into a document without
// lookups, enough to exercise the pipeline.
type plainTransformer struct{}

func (plainTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	doc := &types.Document{
		Index: string(ev.EntityType),
		ID:    ev.EntityKey,
	}
	if ev.Operation == types.OpDelete {
		doc.Deleted = true
	} else {
		doc.Fields = map[string]interface{}{"op": string(ev.Operation)}
		if post, ok := ev.After.(types.PostRow); ok {
			doc.Fields["content"] = post.Content
		}
	}
	return []*types.Document{doc}, nil
}

// failingTransformer fails a set number of times before delegating.
type failingTransformer struct {
	mu        stdsync.Mutex
	failures  int
	retryable bool
	inner     plainTransformer
}

func (f *failingTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	f.mu.Lock()
	remaining := f.failures
	if remaining > 0 {
		f.failures--
	}
	f.mu.Unlock()

	if remaining > 0 {
		if f.retryable {
			return nil, errors.NewTransformError(errors.CodeDependencyUnavailable, "lookup down", nil)
		}
		return nil, errors.NewTransformError(errors.CodeInvalidPayload, "bad row", nil)
	}
	return f.inner.Transform(ctx, ev)
}

func testRouter(tr route.Route) *route.Router {
	routes := make(map[types.EntityType]route.Route)
	for _, entity := range types.KnownEntityTypes() {
		routes[entity] = route.Route{Index: string(entity), Transformer: tr.Transformer}
	}
	return route.New(routes)
}

type harness struct {
	source  *fakeSource
	store   *index.SQLiteStore
	tracker *checkpoint.Tracker
	sink    *deadletter.SQLiteSink
	stats   *observability.SyncStats
	clock   *fakeClock
	coord   *Coordinator
}

func newHarness(t *testing.T, transformer route.Route, cfg Config, events ...*source.RawEvent) *harness {
	t.Helper()
	return newRouterHarness(t, testRouter(transformer), cfg, events...)
}

func newRouterHarness(t *testing.T, router *route.Router, cfg Config, events ...*source.RawEvent) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := index.NewSQLiteStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("failed to create index store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ckStore, err := checkpoint.NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("failed to create checkpoint store: %v", err)
	}
	t.Cleanup(func() { ckStore.Close() })
	tracker, err := checkpoint.NewTracker(context.Background(), ckStore)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	sink, err := deadletter.NewSQLiteSink(filepath.Join(dir, "deadletter.db"))
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	src := newFakeSource(events...)
	clock := &fakeClock{}
	stats := observability.NewSyncStats()

	coord, err := NewCoordinator(src, router,
		index.NewWriter(store, 3), tracker, sink, stats, clock, cfg)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return &harness{
		source: src, store: store, tracker: tracker,
		sink: sink, stats: stats, clock: clock, coord: coord,
	}
}

// runUntil starts the coordinator, waits for cond, then shuts it down.
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.coord.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
}

func postEnvelope(op string, offset uint64, tsMs int64, id int64, content string) *source.RawEvent {
	var body string
	switch op {
	case "d":
		body = fmt.Sprintf(`{"payload":{"op":"d","ts_ms":%d,"source":{"table":"posts","offset":%d},"before":{"id":%d,"user_id":1,"content":%q}}}`,
			tsMs, offset, id, content)
	default:
		body = fmt.Sprintf(`{"payload":{"op":%q,"ts_ms":%d,"source":{"table":"posts","offset":%d},"after":{"id":%d,"user_id":1,"content":%q}}}`,
			op, tsMs, offset, id, content)
	}
	return &source.RawEvent{
		Partition: "posts",
		ID:        fmt.Sprintf("%d-0", offset),
		Data:      []byte(body),
	}
}

func hashtagEnvelope(offset uint64, tsMs int64, id int64, name string) *source.RawEvent {
	body := fmt.Sprintf(`{"payload":{"op":"c","ts_ms":%d,"source":{"table":"hashtags","offset":%d},"after":{"id":%d,"name":%q,"post_count":3,"created_at":%d}}}`,
		tsMs, offset, id, name, tsMs)
	return &source.RawEvent{
		Partition: "hashtags",
		ID:        fmt.Sprintf("%d-0", offset),
		Data:      []byte(body),
	}
}

func userEnvelope(offset uint64, tsMs int64, id int64, username string) *source.RawEvent {
	body := fmt.Sprintf(`{"payload":{"op":"u","ts_ms":%d,"source":{"table":"users","offset":%d},"after":{"id":%d,"username":%q}}}`,
		tsMs, offset, id, username)
	return &source.RawEvent{
		Partition: "users",
		ID:        fmt.Sprintf("%d-0", offset),
		Data:      []byte(body),
	}
}

func TestCoordinator_AppliesAndAcks(t *testing.T) {
	h := newHarness(t, route.Route{Transformer: plainTransformer{}}, DefaultConfig(),
		postEnvelope("c", 1, 1000, 42, "hello"))

	h.runUntil(t, func() bool { return h.source.ackedCount() == 1 })

	doc, err := h.store.Get(context.Background(), "posts", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil || doc.Fields["content"] != "hello" {
		t.Fatalf("expected indexed document, got %+v", doc)
	}
	if got := h.tracker.Get("posts"); got != 1 {
		t.Errorf("expected checkpoint at 1, got %d", got)
	}
	snapshot := h.stats.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Applied != 1 {
		t.Errorf("unexpected stats: %+v", snapshot)
	}
}

func TestCoordinator_RedeliveredCreateDoesNotRevertUpdate(t *testing.T) {
	create := postEnvelope("c", 1, 1000, 42, "v1")
	update := postEnvelope("u", 2, 2000, 42, "v2")
	redelivered := postEnvelope("c", 1, 1000, 42, "v1")
	redelivered.ID = "1-0-redelivery"

	h := newHarness(t, route.Route{Transformer: plainTransformer{}}, DefaultConfig(),
		create, update, redelivered)

	h.runUntil(t, func() bool { return h.source.ackedCount() == 3 })

	doc, err := h.store.Get(context.Background(), "posts", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil || doc.Fields["content"] != "v2" {
		t.Fatalf("redelivered create reverted the update: %+v", doc)
	}
	if got := h.tracker.Get("posts"); got != 2 {
		t.Errorf("expected checkpoint at 2, got %d", got)
	}
	snapshot := h.stats.Snapshot()
	if snapshot[0].Skipped == 0 {
		t.Errorf("expected redelivery to count as skipped: %+v", snapshot[0])
	}
}

func TestCoordinator_RetryableFailureRecovers(t *testing.T) {
	tr := &failingTransformer{failures: 2, retryable: true}
	h := newHarness(t, route.Route{Transformer: tr}, DefaultConfig(),
		postEnvelope("c", 1, 1000, 42, "hello"))

	h.runUntil(t, func() bool { return h.source.ackedCount() == 1 })

	doc, err := h.store.Get(context.Background(), "posts", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil {
		t.Fatal("expected document after retries")
	}
	if got := h.stats.Snapshot()[0].Retried; got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
	n, err := h.sink.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered event must not be dead-lettered, got %d", n)
	}
}

func TestCoordinator_NonRetryableDeadLettersImmediately(t *testing.T) {
	tr := &failingTransformer{failures: 1, retryable: false}
	h := newHarness(t, route.Route{Transformer: tr}, DefaultConfig(),
		postEnvelope("c", 1, 1000, 42, "poison"))

	h.runUntil(t, func() bool { return h.source.ackedCount() == 1 })

	entries, err := h.sink.List(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].ErrorCode != errors.CodeInvalidPayload || entries[0].Attempts != 1 {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	// No backoff for non-retryable failures.
	if h.clock.calls() != 0 {
		t.Errorf("expected no backoff waits, got %d", h.clock.calls())
	}
	// Terminal state still advances the checkpoint.
	if got := h.tracker.Get("posts"); got != 1 {
		t.Errorf("expected checkpoint at 1, got %d", got)
	}
}

func TestCoordinator_RetryExhaustionDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 3
	tr := &failingTransformer{failures: 100, retryable: true}
	h := newHarness(t, route.Route{Transformer: tr}, cfg,
		postEnvelope("c", 1, 1000, 42, "doomed"))

	h.runUntil(t, func() bool { return h.source.ackedCount() == 1 })

	entries, err := h.sink.List(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", entries[0].Attempts)
	}
	if entries[0].ErrorCode != errors.CodeDependencyUnavailable {
		t.Errorf("unexpected code: %s", entries[0].ErrorCode)
	}
}

func TestCoordinator_PoisonEventDoesNotBlockOthers(t *testing.T) {
	garbage := &source.RawEvent{Partition: "posts", ID: "g-1", Data: []byte("not json")}
	good := postEnvelope("c", 2, 2000, 7, "fine")

	h := newHarness(t, route.Route{Transformer: plainTransformer{}}, DefaultConfig(),
		garbage, good)

	h.runUntil(t, func() bool { return h.source.ackedCount() == 2 })

	doc, err := h.store.Get(context.Background(), "posts", "7")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil {
		t.Fatal("good event behind garbage was not applied")
	}
	entries, err := h.sink.List(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected garbage to be dead-lettered, got %d entries", len(entries))
	}
	if entries[0].ErrorCategory != string(errors.ErrCategoryDecode) {
		t.Errorf("unexpected category: %s", entries[0].ErrorCategory)
	}
}

func TestCoordinator_DeleteThenStaleCreateStaysDeleted(t *testing.T) {
	create := postEnvelope("c", 1, 1000, 42, "v1")
	del := postEnvelope("d", 2, 2000, 42, "v1")
	staleCreate := postEnvelope("c", 1, 1000, 42, "v1")
	staleCreate.ID = "1-0-redelivery"

	h := newHarness(t, route.Route{Transformer: plainTransformer{}}, DefaultConfig(),
		create, del, staleCreate)

	h.runUntil(t, func() bool { return h.source.ackedCount() == 3 })

	doc, err := h.store.Get(context.Background(), "posts", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil || !doc.Deleted {
		t.Fatalf("stale create resurrected a deleted document: %+v", doc)
	}
}

// The production routing table must work end to end: transformers emit
// unversioned drafts and the pipeline stamps them before the write.
func TestCoordinator_DefaultRouterAppliesAndVersions(t *testing.T) {
	h := newRouterHarness(t, route.Default(nil), DefaultConfig(),
		hashtagEnvelope(5, 3000, 7, "golang"))

	h.runUntil(t, func() bool { return h.source.ackedCount() == 1 })

	n, err := h.sink.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
	doc, err := h.store.Get(context.Background(), "hashtags", "7")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc == nil || doc.Fields["name"] != "golang" {
		t.Fatalf("expected indexed hashtag, got %+v", doc)
	}
	want := types.VersionToken{EventTimeMs: 3000, Offset: 5}
	if doc.Version != want {
		t.Errorf("expected version %+v, got %+v", want, doc.Version)
	}
}

// brokenSink rejects every record, as a sink on a full or failed disk
// would.
type brokenSink struct {
	mu      stdsync.Mutex
	records int
}

func (b *brokenSink) Record(ctx context.Context, entry *deadletter.Entry) error {
	b.mu.Lock()
	b.records++
	b.mu.Unlock()
	return fmt.Errorf("sink unavailable")
}

func (b *brokenSink) List(ctx context.Context, partition string, limit, offset int) ([]*deadletter.Entry, error) {
	return nil, nil
}

func (b *brokenSink) Get(ctx context.Context, id string) (*deadletter.Entry, error) {
	return nil, nil
}

func (b *brokenSink) Count(ctx context.Context) (int64, error) { return 0, nil }

func (b *brokenSink) Close() error { return nil }

func (b *brokenSink) recorded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records
}

func TestCoordinator_SinkFailureLeavesEventUnacked(t *testing.T) {
	dir := t.TempDir()
	store, err := index.NewSQLiteStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("failed to create index store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ckStore, err := checkpoint.NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("failed to create checkpoint store: %v", err)
	}
	t.Cleanup(func() { ckStore.Close() })
	tracker, err := checkpoint.NewTracker(context.Background(), ckStore)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	sink := &brokenSink{}
	tr := &failingTransformer{failures: 1, retryable: false}
	src := newFakeSource(postEnvelope("c", 1, 1000, 42, "poison"))
	coord, err := NewCoordinator(src, testRouter(route.Route{Transformer: tr}),
		index.NewWriter(store, 3), tracker, sink, observability.NewSyncStats(),
		&fakeClock{}, DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for sink.recorded() == 0 {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("sink was never asked to record")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	// The dead-letter record never landed, so the delivery must stay
	// pending for redelivery rather than being acked and lost.
	if got := src.ackedCount(); got != 0 {
		t.Errorf("event acked despite failed dead-letter record, acks=%d", got)
	}
	if got := tracker.Get("posts"); got != 0 {
		t.Errorf("checkpoint advanced past an unrecorded failure, got %d", got)
	}
}

// recordingInvalidator captures snapshot invalidations.
type recordingInvalidator struct {
	mu  stdsync.Mutex
	ids []int64
}

func (r *recordingInvalidator) InvalidateUser(ctx context.Context, userID int64) {
	r.mu.Lock()
	r.ids = append(r.ids, userID)
	r.mu.Unlock()
}

func (r *recordingInvalidator) calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func TestCoordinator_AppliedUserChangeInvalidatesSnapshots(t *testing.T) {
	h := newHarness(t, route.Route{Transformer: plainTransformer{}}, DefaultConfig(),
		userEnvelope(1, 1000, 9, "ada"),
		postEnvelope("c", 2, 2000, 42, "hello"))
	inv := &recordingInvalidator{}
	h.coord.WithInvalidator(inv)

	h.runUntil(t, func() bool { return h.source.ackedCount() == 2 })

	got := inv.calls()
	if len(got) != 1 || got[0] != 9 {
		t.Fatalf("expected invalidation for user 9 only, got %v", got)
	}
}
