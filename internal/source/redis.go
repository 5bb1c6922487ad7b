package source

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/errors"
)

// RedisConfig holds configuration for the Redis Streams source.
type RedisConfig struct {
	// Addr is the Redis server address.
	Addr string `yaml:"addr" json:"addr"`
	// Password is the optional Redis password.
	Password string `yaml:"password" json:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db" json:"db"`
	// Streams are the stream keys to consume, one per partition.
	Streams []string `yaml:"streams" json:"streams"`
	// Group is the consumer group name.
	Group string `yaml:"group" json:"group"`
	// Consumer is this instance's consumer name within the group.
	Consumer string `yaml:"consumer" json:"consumer"`
}

// RedisSource consumes change events from Redis Streams through a
// consumer group. Each stream carries one partition; entries hold the
// envelope under the "data" field. Pending entries left by a previous
// run of the same consumer are replayed before new entries.
type RedisSource struct {
	client   *redis.Client
	streams  []string
	group    string
	consumer string

	// backlog tracks which streams may still hold unacked deliveries
	// from a previous run of this consumer.
	backlog map[string]bool
}

// NewRedisSource connects to Redis and ensures the consumer group
// exists on every stream.
func NewRedisSource(ctx context.Context, cfg RedisConfig) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewSourceError("redis ping failed", err)
	}

	s := &RedisSource{
		client:   client,
		streams:  cfg.Streams,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		backlog:  make(map[string]bool, len(cfg.Streams)),
	}
	for _, stream := range cfg.Streams {
		err := client.XGroupCreateMkStream(ctx, stream, cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			client.Close()
			return nil, errors.NewSourceError("failed to create consumer group", err)
		}
		s.backlog[stream] = true
	}
	return s, nil
}

// Fetch returns up to max events, replaying this consumer's pending
// entries before reading new ones.
func (s *RedisSource) Fetch(ctx context.Context, max int, wait time.Duration) ([]*RawEvent, error) {
	if events, err := s.fetchBacklog(ctx, max); err != nil || len(events) > 0 {
		return events, err
	}
	return s.read(ctx, ">", max, wait)
}

func (s *RedisSource) fetchBacklog(ctx context.Context, max int) ([]*RawEvent, error) {
	var pending []string
	for _, stream := range s.streams {
		if s.backlog[stream] {
			pending = append(pending, stream)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	events, err := s.readStreams(ctx, pending, "0", max, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		// Backlog drained for every stream that was still flagged.
		for _, stream := range pending {
			s.backlog[stream] = false
		}
	}
	return events, nil
}

func (s *RedisSource) read(ctx context.Context, id string, max int, wait time.Duration) ([]*RawEvent, error) {
	return s.readStreams(ctx, s.streams, id, max, wait)
}

func (s *RedisSource) readStreams(ctx context.Context, streams []string, id string, max int, wait time.Duration) ([]*RawEvent, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, id)
	}

	result, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  args,
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewSourceError("stream read failed", err)
	}

	var events []*RawEvent
	for _, stream := range result {
		for _, msg := range stream.Messages {
			data, ok := msg.Values["data"].(string)
			if !ok {
				// An entry without a data field can never decode;
				// surface it with an empty payload so the pipeline
				// dead-letters it instead of the source stalling.
				data = ""
			}
			events = append(events, &RawEvent{
				Partition: stream.Stream,
				ID:        msg.ID,
				Data:      []byte(data),
			})
		}
	}
	return events, nil
}

// Ack acknowledges events in their respective streams.
func (s *RedisSource) Ack(ctx context.Context, events ...*RawEvent) error {
	byStream := make(map[string][]string)
	for _, ev := range events {
		byStream[ev.Partition] = append(byStream[ev.Partition], ev.ID)
	}
	for stream, ids := range byStream {
		if err := s.client.XAck(ctx, stream, s.group, ids...).Err(); err != nil {
			return errors.NewSourceError("ack failed", err)
		}
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
