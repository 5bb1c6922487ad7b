// Package observability provides synchronizer statistics for the
// status API and for operational monitoring.
package observability

import (
	"sort"
	"sync"
	"time"
)

// PartitionStats holds per-partition counters.
type PartitionStats struct {
	Partition         string    `json:"partition"`
	Received          int64     `json:"received"`
	Applied           int64     `json:"applied"`
	Skipped           int64     `json:"skipped"`
	Retried           int64     `json:"retried"`
	DeadLettered      int64     `json:"dead_lettered"`
	LastAppliedOffset uint64    `json:"last_applied_offset"`
	LastEventTime     time.Time `json:"last_event_time,omitempty"`
}

// SyncStats tracks pipeline counters per partition. All methods are
// O(1) and thread-safe; workers update their lane's counters while the
// status API reads snapshots.
type SyncStats struct {
	mu         sync.RWMutex
	partitions map[string]*PartitionStats
	startedAt  time.Time
}

// NewSyncStats creates an empty stats tracker.
func NewSyncStats() *SyncStats {
	return &SyncStats{
		partitions: make(map[string]*PartitionStats),
		startedAt:  time.Now(),
	}
}

func (s *SyncStats) partition(key string) *PartitionStats {
	stats, exists := s.partitions[key]
	if !exists {
		stats = &PartitionStats{Partition: key}
		s.partitions[key] = stats
	}
	return stats
}

// RecordReceived counts an event fetched from the source.
func (s *SyncStats) RecordReceived(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partition).Received++
}

// RecordApplied counts a write that changed the index and advances the
// partition's applied offset and event time.
func (s *SyncStats) RecordApplied(partition string, offset uint64, eventTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.partition(partition)
	stats.Applied++
	if offset > stats.LastAppliedOffset {
		stats.LastAppliedOffset = offset
	}
	if eventTime.After(stats.LastEventTime) {
		stats.LastEventTime = eventTime
	}
}

// RecordSkipped counts a write superseded by a newer document version.
func (s *SyncStats) RecordSkipped(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partition).Skipped++
}

// RecordRetry counts one retry attempt.
func (s *SyncStats) RecordRetry(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partition).Retried++
}

// RecordDeadLettered counts an event given up on.
func (s *SyncStats) RecordDeadLettered(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partition).DeadLettered++
}

// Snapshot returns a copy of all partition stats sorted by partition name.
func (s *SyncStats) Snapshot() []PartitionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PartitionStats, 0, len(s.partitions))
	for _, stats := range s.partitions {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Uptime returns the time since the tracker was created.
func (s *SyncStats) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
