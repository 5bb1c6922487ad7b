// Package sync runs the change-event pipeline: fetch, decode, route,
// transform, write, checkpoint. Events are sharded onto worker lanes by
// entity key so writes to the same document stay ordered while
// different entities proceed in parallel.
package sync

import (
	"context"
	"log"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/driftline/driftline/internal/checkpoint"
	"github.com/driftline/driftline/internal/deadletter"
	"github.com/driftline/driftline/internal/decode"
	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/index"
	"github.com/driftline/driftline/internal/observability"
	"github.com/driftline/driftline/internal/route"
	"github.com/driftline/driftline/internal/source"
	"github.com/driftline/driftline/pkg/types"
)

// Config controls the pipeline.
type Config struct {
	// Workers is the number of parallel lanes.
	Workers int `yaml:"workers" json:"workers"`
	// FetchBatchSize is the maximum events per source fetch.
	FetchBatchSize int `yaml:"fetch_batch_size" json:"fetch_batch_size"`
	// FetchWait is how long a fetch blocks when the feed is idle.
	FetchWait time.Duration `yaml:"fetch_wait" json:"fetch_wait"`
	// LaneBuffer is the channel depth of each worker lane.
	LaneBuffer int `yaml:"lane_buffer" json:"lane_buffer"`
	// Retry is the backoff policy for retryable failures.
	Retry RetryPolicy `yaml:"retry" json:"retry"`
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		FetchBatchSize: 128,
		FetchWait:      time.Second,
		LaneBuffer:     64,
		Retry:          DefaultRetryPolicy(),
	}
}

// SnapshotInvalidator drops cached author snapshots for a user. The
// coordinator calls it after a user change is applied so documents
// denormalized afterwards pick up the new values instead of waiting
// out the cache TTL.
type SnapshotInvalidator interface {
	InvalidateUser(ctx context.Context, userID int64)
}

// Coordinator owns the fetch loop and the worker lanes.
type Coordinator struct {
	source      source.EventSource
	router      *route.Router
	writer      *index.Writer
	tracker     *checkpoint.Tracker
	sink        deadletter.Sink
	stats       *observability.SyncStats
	clock       Clock
	invalidator SnapshotInvalidator
	config      Config

	lanes []chan *laneItem
	wg    stdsync.WaitGroup
}

type laneItem struct {
	raw *source.RawEvent
	ev  *types.ChangeEvent
}

// NewCoordinator wires the pipeline. A nil clock means the system clock.
func NewCoordinator(
	src source.EventSource,
	router *route.Router,
	writer *index.Writer,
	tracker *checkpoint.Tracker,
	sink deadletter.Sink,
	stats *observability.SyncStats,
	clock Clock,
	config Config,
) (*Coordinator, error) {
	if err := router.Validate(); err != nil {
		return nil, err
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.FetchBatchSize <= 0 {
		config.FetchBatchSize = DefaultConfig().FetchBatchSize
	}
	if config.FetchWait <= 0 {
		config.FetchWait = DefaultConfig().FetchWait
	}
	if config.LaneBuffer <= 0 {
		config.LaneBuffer = DefaultConfig().LaneBuffer
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Coordinator{
		source:  src,
		router:  router,
		writer:  writer,
		tracker: tracker,
		sink:    sink,
		stats:   stats,
		clock:   clock,
		config:  config,
	}, nil
}

// WithInvalidator attaches a snapshot cache invalidator. Without one,
// applied user changes rely on the cache TTL alone.
func (c *Coordinator) WithInvalidator(inv SnapshotInvalidator) *Coordinator {
	c.invalidator = inv
	return c
}

// Run fetches and processes events until ctx is cancelled, then drains
// the lanes and returns.
func (c *Coordinator) Run(ctx context.Context) error {
	c.lanes = make([]chan *laneItem, c.config.Workers)
	for i := range c.lanes {
		c.lanes[i] = make(chan *laneItem, c.config.LaneBuffer)
		c.wg.Add(1)
		go c.worker(ctx, c.lanes[i])
	}

	for ctx.Err() == nil {
		events, err := c.source.Fetch(ctx, c.config.FetchBatchSize, c.config.FetchWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("sync: fetch failed: %v", err)
			select {
			case <-ctx.Done():
			case <-c.clock.After(time.Second):
			}
			continue
		}
		for _, raw := range events {
			c.dispatch(ctx, raw)
		}
	}

	for _, lane := range c.lanes {
		close(lane)
	}
	c.wg.Wait()
	return ctx.Err()
}

// dispatch decodes one raw event and hands it to its lane. Events that
// cannot decode are dead-lettered immediately; their offsets still
// advance the checkpoint so a poison envelope never wedges a partition.
func (c *Coordinator) dispatch(ctx context.Context, raw *source.RawEvent) {
	ev, err := decode.Decode(raw.Data)
	if err != nil {
		c.stats.RecordReceived(raw.Partition)
		if c.deadLetter(ctx, raw, ev, err, 1) {
			c.finish(ctx, raw, ev)
		}
		return
	}
	c.stats.RecordReceived(ev.PartitionKey)

	lane := murmur3.Sum32([]byte(string(ev.EntityType)+"/"+ev.EntityKey)) % uint32(len(c.lanes))
	item := &laneItem{raw: raw, ev: ev}
	select {
	case c.lanes[lane] <- item:
	case <-ctx.Done():
	}
}

func (c *Coordinator) worker(ctx context.Context, lane <-chan *laneItem) {
	defer c.wg.Done()
	for item := range lane {
		if c.process(ctx, item) {
			c.finish(ctx, item.raw, item.ev)
		}
	}
}

// process runs one event to a terminal state. It returns false when
// ctx was cancelled mid-flight or the event could not be dead-lettered;
// either way the event stays unacked and is redelivered.
func (c *Coordinator) process(ctx context.Context, item *laneItem) bool {
	ev := item.ev

	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, ev)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !errors.IsRetryable(err) || attempt >= c.config.Retry.MaxAttempts {
			log.Printf("sync: event %s/%s dead-lettered after %d attempts: %v",
				ev.EntityType, ev.EntityKey, attempt, err)
			return c.deadLetter(ctx, item.raw, ev, err, attempt)
		}

		c.stats.RecordRetry(ev.PartitionKey)
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(c.config.Retry.Backoff(attempt)):
		}
	}
}

// attempt runs transform and write once, stamping each draft with the
// event's version token. The writer is idempotent, so re-running a
// partially applied attempt is safe.
func (c *Coordinator) attempt(ctx context.Context, ev *types.ChangeEvent) error {
	rt, err := c.router.Resolve(ev.EntityType)
	if err != nil {
		return err
	}
	docs, err := rt.Transformer.Transform(ctx, ev)
	if err != nil {
		return err
	}

	applied := false
	for _, doc := range docs {
		doc.Version = ev.Token()
		result, err := c.writer.Apply(ctx, doc)
		if err != nil {
			return err
		}
		if result == index.Applied {
			applied = true
		}
	}
	if applied {
		c.stats.RecordApplied(ev.PartitionKey, ev.SourceOffset, ev.EventTime)
		if c.invalidator != nil && ev.EntityType == types.EntityUser {
			if userID, perr := strconv.ParseInt(ev.EntityKey, 10, 64); perr == nil {
				c.invalidator.InvalidateUser(ctx, userID)
			}
		}
	} else {
		c.stats.RecordSkipped(ev.PartitionKey)
	}
	return nil
}

// deadLetter records the event and its failure. It reports whether the
// record was persisted; on a sink error the caller must not ack, so
// the delivery stays pending and is retried with a dead-letter record
// next time around.
func (c *Coordinator) deadLetter(ctx context.Context, raw *source.RawEvent, ev *types.ChangeEvent, cause error, attempts int) bool {
	entry := &deadletter.Entry{
		PartitionKey:  raw.Partition,
		Envelope:      raw.Data,
		ErrorCategory: string(errors.GetCategory(cause)),
		ErrorCode:     errors.GetCode(cause),
		ErrorDetail:   cause.Error(),
		Attempts:      attempts,
	}
	if ev != nil {
		entry.PartitionKey = ev.PartitionKey
		entry.SourceOffset = ev.SourceOffset
		entry.EntityType = string(ev.EntityType)
		entry.EntityKey = ev.EntityKey
	}
	if err := c.sink.Record(ctx, entry); err != nil {
		log.Printf("sync: dead letter record failed: %v", err)
		return false
	}
	c.stats.RecordDeadLettered(entry.PartitionKey)
	return true
}

// finish advances the checkpoint and acks the delivery. Both applied
// and dead-lettered events are terminal; their offsets count as
// processed.
func (c *Coordinator) finish(ctx context.Context, raw *source.RawEvent, ev *types.ChangeEvent) {
	if ev != nil {
		c.tracker.Record(ev.PartitionKey, ev.SourceOffset)
	}
	if err := c.source.Ack(ctx, raw); err != nil {
		log.Printf("sync: ack failed: %v", err)
	}
}
