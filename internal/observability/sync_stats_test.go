package observability

import (
	"sync"
	"testing"
	"time"
)

func TestSyncStats_Counters(t *testing.T) {
	stats := NewSyncStats()

	stats.RecordReceived("posts")
	stats.RecordReceived("posts")
	stats.RecordApplied("posts", 7, time.UnixMilli(1000))
	stats.RecordSkipped("posts")
	stats.RecordRetry("posts")
	stats.RecordDeadLettered("users")

	snapshot := stats.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(snapshot))
	}
	// Sorted by partition name.
	posts := snapshot[0]
	if posts.Partition != "posts" {
		t.Fatalf("expected posts first, got %s", posts.Partition)
	}
	if posts.Received != 2 || posts.Applied != 1 || posts.Skipped != 1 || posts.Retried != 1 {
		t.Errorf("unexpected posts counters: %+v", posts)
	}
	if posts.LastAppliedOffset != 7 {
		t.Errorf("expected last applied offset 7, got %d", posts.LastAppliedOffset)
	}
	if snapshot[1].DeadLettered != 1 {
		t.Errorf("expected 1 dead lettered for users, got %+v", snapshot[1])
	}
}

func TestSyncStats_AppliedOffsetMonotonic(t *testing.T) {
	stats := NewSyncStats()

	stats.RecordApplied("posts", 10, time.UnixMilli(2000))
	stats.RecordApplied("posts", 5, time.UnixMilli(1000))

	snapshot := stats.Snapshot()
	if snapshot[0].LastAppliedOffset != 10 {
		t.Errorf("offset moved backward: %d", snapshot[0].LastAppliedOffset)
	}
	if !snapshot[0].LastEventTime.Equal(time.UnixMilli(2000)) {
		t.Errorf("event time moved backward: %v", snapshot[0].LastEventTime)
	}
}

func TestSyncStats_ConcurrentUpdates(t *testing.T) {
	stats := NewSyncStats()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.RecordReceived("posts")
			}
		}()
	}
	wg.Wait()

	if got := stats.Snapshot()[0].Received; got != 800 {
		t.Errorf("expected 800 received, got %d", got)
	}
}
