package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idemLock   = "LOCK"
	idemPrefix = "RES:"
)

// IdempotencyStore remembers the response of a keyed request. A key is first
// locked while the request runs, then overwritten with the saved result.
type IdempotencyStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotencyStore(rdb redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

func (s *IdempotencyStore) AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, idemLock, lockTTL).Result()
}

func (s *IdempotencyStore) SaveResult(ctx context.Context, key string, jsonPayload string) error {
	return s.rdb.Set(ctx, key, idemPrefix+jsonPayload, s.ttl).Err()
}

// GetResult returns the saved payload. ok is false while the key is only
// locked or absent.
func (s *IdempotencyStore) GetResult(ctx context.Context, key string) (payload string, ok bool, err error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	payload, ok = strings.CutPrefix(v, idemPrefix)
	if !ok {
		return "", false, nil
	}

	return payload, true, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
