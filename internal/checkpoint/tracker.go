package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Tracker keeps the in-memory high-water marks and flushes them to the
// store. Record is called by worker goroutines after a write is
// confirmed; Checkpoint is called by a single flusher goroutine so
// persistence never blocks the apply path.
type Tracker struct {
	mu      sync.Mutex
	offsets map[string]uint64
	dirty   bool
	store   Store
}

// NewTracker loads persisted checkpoints from store and returns a
// tracker primed with them.
func NewTracker(ctx context.Context, store Store) (*Tracker, error) {
	offsets, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Tracker{offsets: offsets, store: store}, nil
}

// Record advances the partition's high-water mark. Offsets at or below
// the current mark are ignored, so out-of-order confirmations from
// parallel lanes cannot move a checkpoint backward.
func (t *Tracker) Record(partition string, offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset <= t.offsets[partition] {
		return
	}
	t.offsets[partition] = offset
	t.dirty = true
}

// Get returns the current high-water mark for a partition, zero if the
// partition has never been seen.
func (t *Tracker) Get(partition string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offsets[partition]
}

// Snapshot returns a copy of all high-water marks.
func (t *Tracker) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.offsets))
	for k, v := range t.offsets {
		out[k] = v
	}
	return out
}

// Checkpoint persists the current marks if anything changed since the
// last flush. A failed flush leaves the tracker dirty so the next tick
// retries.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]uint64, len(t.offsets))
	for k, v := range t.offsets {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if err := t.store.Save(ctx, snapshot); err != nil {
		return err
	}

	// A Record can land while Save runs. Clear dirty only if the state
	// still matches what was persisted, so the next tick flushes it.
	t.mu.Lock()
	clean := len(t.offsets) == len(snapshot)
	if clean {
		for k, v := range t.offsets {
			if snapshot[k] != v {
				clean = false
				break
			}
		}
	}
	if clean {
		t.dirty = false
	}
	t.mu.Unlock()
	return nil
}

// RunFlusher persists checkpoints every interval until ctx is
// cancelled, then performs one final flush.
func (t *Tracker) RunFlusher(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.Checkpoint(flushCtx); err != nil && onError != nil {
				onError(err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.Checkpoint(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
