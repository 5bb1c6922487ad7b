package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/storage"
)

// ArchiverConfig controls the archive sweeper.
type ArchiverConfig struct {
	// BatchSize is the maximum number of entries per archive object.
	BatchSize int
	// Interval is how often the sweeper looks for unarchived entries.
	Interval time.Duration
	// Prefix is the object path prefix for archive objects.
	Prefix string
}

// DefaultArchiverConfig returns sensible archiver defaults.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize: 500,
		Interval:  5 * time.Minute,
		Prefix:    "deadletter",
	}
}

// Archiver periodically exports unarchived dead-letter entries to
// object storage as snappy-compressed JSON batches, then marks them
// archived. The SQLite rows stay behind for the inspection API.
type Archiver struct {
	sink   *SQLiteSink
	store  storage.ObjectStorage
	config ArchiverConfig
}

// NewArchiver creates an archiver over the given sink and object store.
func NewArchiver(sink *SQLiteSink, store storage.ObjectStorage, config ArchiverConfig) *Archiver {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultArchiverConfig().BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultArchiverConfig().Interval
	}
	if config.Prefix == "" {
		config.Prefix = DefaultArchiverConfig().Prefix
	}
	return &Archiver{sink: sink, store: store, config: config}
}

// SweepOnce exports one batch of unarchived entries. It returns the
// number of entries archived; zero means the sink is drained.
func (a *Archiver) SweepOnce(ctx context.Context) (int, error) {
	entries, err := a.sink.unarchivedBatch(ctx, a.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return 0, fmt.Errorf("failed to encode archive batch: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	now := time.Now().UTC()
	objectPath := fmt.Sprintf("%s/%s/batch-%s.json.snappy",
		a.config.Prefix, now.Format("2006/01/02"), uuid.New().String())
	if err := a.store.Put(ctx, objectPath, compressed); err != nil {
		return 0, err
	}

	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if err := a.sink.markArchived(ctx, ids); err != nil {
		// The objects are already uploaded; the next sweep re-exports
		// the same entries, which is harmless duplication.
		return 0, err
	}
	return len(entries), nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := a.SweepOnce(ctx)
				if err != nil {
					log.Printf("deadletter: archive sweep failed: %v", err)
					break
				}
				if n < a.config.BatchSize {
					break
				}
			}
		}
	}
}

// ReadArchive decodes a snappy-compressed archive object back into entries.
func ReadArchive(data []byte) ([]*Entry, error) {
	payload, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	var entries []*Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return entries, nil
}
