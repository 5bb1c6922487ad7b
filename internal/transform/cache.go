package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/pkg/types"
)

// CachedLookupClient wraps a LookupClient with a Redis read-through
// cache. Only user lookups are cached: they dominate lookup volume
// (every post and comment denormalizes its author) and tolerate short
// staleness, since a user update event rewrites the user document
// anyway. Cache failures fall through to the underlying client.
type CachedLookupClient struct {
	inner LookupClient
	cache *redis.Client
	ttl   time.Duration
}

// NewCachedLookupClient wraps inner with a Redis cache using the given TTL.
func NewCachedLookupClient(inner LookupClient, cache *redis.Client, ttl time.Duration) *CachedLookupClient {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &CachedLookupClient{inner: inner, cache: cache, ttl: ttl}
}

func (c *CachedLookupClient) UserSnapshot(ctx context.Context, userID int64) (*UserSnapshot, bool, error) {
	key := fmt.Sprintf("lookup:usersnap:%d", userID)
	if data, err := c.cache.Get(ctx, key).Bytes(); err == nil {
		var snap UserSnapshot
		if uErr := json.Unmarshal(data, &snap); uErr == nil {
			return &snap, true, nil
		}
	}

	snap, found, err := c.inner.UserSnapshot(ctx, userID)
	if err != nil || !found {
		return snap, found, err
	}
	if payload, mErr := json.Marshal(snap); mErr == nil {
		_ = c.cache.Set(ctx, key, payload, c.ttl).Err()
	}
	return snap, true, nil
}

func (c *CachedLookupClient) UserRow(ctx context.Context, userID int64) (*types.UserRow, bool, error) {
	key := fmt.Sprintf("lookup:user:%d", userID)
	if data, err := c.cache.Get(ctx, key).Bytes(); err == nil {
		var row types.UserRow
		if uErr := json.Unmarshal(data, &row); uErr == nil {
			return &row, true, nil
		}
	}

	row, found, err := c.inner.UserRow(ctx, userID)
	if err != nil || !found {
		return row, found, err
	}
	if payload, mErr := json.Marshal(row); mErr == nil {
		_ = c.cache.Set(ctx, key, payload, c.ttl).Err()
	}
	return row, true, nil
}

// PostRow is not cached: post rows are looked up to recompute counters,
// where staleness defeats the point.
func (c *CachedLookupClient) PostRow(ctx context.Context, postID int64) (*types.PostRow, bool, error) {
	return c.inner.PostRow(ctx, postID)
}

func (c *CachedLookupClient) CommentRow(ctx context.Context, commentID int64) (*types.CommentRow, bool, error) {
	return c.inner.CommentRow(ctx, commentID)
}

// InvalidateUser drops cached entries for a user. The sync coordinator
// calls this when a user change event is applied, so author snapshots
// embedded after that point pick up the new values.
func (c *CachedLookupClient) InvalidateUser(ctx context.Context, userID int64) {
	c.cache.Del(ctx,
		fmt.Sprintf("lookup:usersnap:%d", userID),
		fmt.Sprintf("lookup:user:%d", userID),
	)
}
