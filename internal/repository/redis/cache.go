package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache holds derived read models (availability, ticket type lists) as JSON.
// It is never the source of truth: a Redis failure degrades to a miss and the
// caller's loader runs against the ledger.
type Cache struct {
	rdb redis.Cmdable
	sf  singleflight.Group
}

func NewCache(rdb redis.Cmdable) *Cache {
	return &Cache{rdb: rdb}
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T

	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}

	if err := json.Unmarshal(b, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}

	return out, true, nil
}

func SetJSON(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// GetOrSetJSON returns the cached value under key or runs loader and caches
// its result for ttl. Concurrent misses on one key within an instance share a
// single loader call.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		_ = SetJSON(ctx, c, key, loaded, ttl)
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// InvalidateEvent drops every cached read model of the event.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID uuid.UUID) error {
	return c.rdb.Del(ctx,
		KeyEventAvailability(eventID),
		KeyEventTicketTypes(eventID),
	).Err()
}
