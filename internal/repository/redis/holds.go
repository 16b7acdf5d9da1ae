package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/redis/go-redis/v9"
)

// Each hold is a hash {holder, event, expires_at} that Redis expires on its
// own. A per-event sorted set indexes held units by expiry for listing and
// sweeping.
//
// KEYS[1] = index, KEYS[2] = events set, KEYS[3..] = hold keys
// ARGV[1] = holder, ARGV[2] = now_ms, ARGV[3] = expires_ms, ARGV[4] = event,
// ARGV[5..] = unit ids matching KEYS[3..]
// Returns one code per unit: 1 acquired, 2 renewed, 0 rejected.
const luaAcquireHolds = `
local holder = ARGV[1]
local now = tonumber(ARGV[2])
local exp = ARGV[3]
local out = {}

for i = 3, #KEYS do
  local unit = ARGV[i + 2]
  local cur = redis.call('HMGET', KEYS[i], 'holder', 'expires_at')
  local code = 1
  if cur[1] and tonumber(cur[2]) > now then
    if cur[1] == holder then code = 2 else code = 0 end
  end
  if code ~= 0 then
    redis.call('HSET', KEYS[i], 'holder', holder, 'event', ARGV[4], 'expires_at', exp)
    redis.call('PEXPIREAT', KEYS[i], exp)
    redis.call('ZADD', KEYS[1], exp, unit)
  end
  out[#out + 1] = code
end

redis.call('SADD', KEYS[2], ARGV[4])
return out
`

// KEYS[1] = index, KEYS[2..] = hold keys
// ARGV[1] = holder or "" for any, ARGV[2..] = unit ids matching KEYS[2..]
// Returns the number of holds deleted.
const luaReleaseHolds = `
local n = 0
for i = 2, #KEYS do
  local h = redis.call('HGET', KEYS[i], 'holder')
  if not h then
    redis.call('ZREM', KEYS[1], ARGV[i])
  elseif ARGV[1] == '' or h == ARGV[1] then
    redis.call('DEL', KEYS[i])
    redis.call('ZREM', KEYS[1], ARGV[i])
    n = n + 1
  end
end
return n
`

// KEYS[1] = index, KEYS[2] = events set
// ARGV[1] = now_ms, ARGV[2] = event
const luaSweepHolds = `
local removed = redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return removed
`

// HoldStore keeps unit holds in Redis so every instance sees the same table.
// All writes are single Lua scripts, so the check and the write on a unit
// cannot interleave with another instance.
type HoldStore struct {
	rdb     *redis.Client
	acquire *redis.Script
	release *redis.Script
	sweep   *redis.Script
}

func NewHoldStore(rdb *redis.Client) *HoldStore {
	return &HoldStore{
		rdb:     rdb,
		acquire: redis.NewScript(luaAcquireHolds),
		release: redis.NewScript(luaReleaseHolds),
		sweep:   redis.NewScript(luaSweepHolds),
	}
}

func (s *HoldStore) Acquire(
	ctx context.Context,
	eventID, holderID uuid.UUID,
	unitIDs []uuid.UUID,
	now, expiresAt time.Time,
) (repository.HoldAttempt, error) {
	const op = "redis.HoldStore.Acquire"

	var res repository.HoldAttempt
	if len(unitIDs) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(unitIDs)+2)
	keys = append(keys, KeyHoldIndex(eventID), KeyHoldEvents())
	args := make([]any, 0, len(unitIDs)+4)
	args = append(args, holderID.String(), now.UnixMilli(), expiresAt.UnixMilli(), eventID.String())
	for _, unitID := range unitIDs {
		keys = append(keys, KeyHold(eventID, unitID))
		args = append(args, unitID.String())
	}

	codes, err := s.acquire.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return res, fmt.Errorf("%s:%w", op, err)
	}
	if len(codes) != len(unitIDs) {
		return res, fmt.Errorf("%s: bad script result: %v", op, codes)
	}

	for i, code := range codes {
		switch code {
		case 1:
			res.Acquired = append(res.Acquired, unitIDs[i])
		case 2:
			res.Renewed = append(res.Renewed, unitIDs[i])
		default:
			res.Rejected = append(res.Rejected, unitIDs[i])
		}
	}

	return res, nil
}

// Release deletes holds on the given units. A non-nil holderID restricts
// the deletion to holds owned by that holder.
func (s *HoldStore) Release(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID, unitIDs []uuid.UUID) (int, error) {
	const op = "redis.HoldStore.Release"

	if len(unitIDs) == 0 {
		return 0, nil
	}

	holder := ""
	if holderID != nil {
		holder = holderID.String()
	}

	keys := make([]string, 0, len(unitIDs)+1)
	keys = append(keys, KeyHoldIndex(eventID))
	args := make([]any, 0, len(unitIDs)+1)
	args = append(args, holder)
	for _, unitID := range unitIDs {
		keys = append(keys, KeyHold(eventID, unitID))
		args = append(args, unitID.String())
	}

	n, err := s.release.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

// List returns every live hold of the event.
func (s *HoldStore) List(ctx context.Context, eventID uuid.UUID, now time.Time) ([]domain.Hold, error) {
	const op = "redis.HoldStore.List"

	members, err := s.rdb.ZRangeByScore(ctx, KeyHoldIndex(eventID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	unitIDs := make([]uuid.UUID, 0, len(members))
	cmds := make([]*redis.SliceCmd, 0, len(members))
	pipe := s.rdb.Pipeline()
	for _, m := range members {
		unitID, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		unitIDs = append(unitIDs, unitID)
		cmds = append(cmds, pipe.HMGet(ctx, KeyHold(eventID, unitID), "holder", "expires_at"))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	out := make([]domain.Hold, 0, len(cmds))
	for i, cmd := range cmds {
		h, ok := parseHold(eventID, unitIDs[i], cmd.Val())
		if ok && !h.Expired(now) {
			out = append(out, h)
		}
	}

	return out, nil
}

// Get returns the live hold on a unit, or nil.
func (s *HoldStore) Get(ctx context.Context, eventID, unitID uuid.UUID, now time.Time) (*domain.Hold, error) {
	const op = "redis.HoldStore.Get"

	vals, err := s.rdb.HMGet(ctx, KeyHold(eventID, unitID), "holder", "expires_at").Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	h, ok := parseHold(eventID, unitID, vals)
	if !ok || h.Expired(now) {
		return nil, nil
	}

	return &h, nil
}

// Sweep trims expired units from every event index. The hold hashes expire
// on their own.
func (s *HoldStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	const op = "redis.HoldStore.Sweep"

	events, err := s.rdb.SMembers(ctx, KeyHoldEvents()).Result()
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var total int64
	for _, e := range events {
		eventID, err := uuid.Parse(e)
		if err != nil {
			continue
		}

		n, err := s.sweep.Run(ctx, s.rdb,
			[]string{KeyHoldIndex(eventID), KeyHoldEvents()},
			now.UnixMilli(), e,
		).Int64()
		if err != nil {
			return total, fmt.Errorf("%s:%w", op, err)
		}
		total += n
	}

	return total, nil
}

func parseHold(eventID, unitID uuid.UUID, vals []any) (domain.Hold, bool) {
	if len(vals) != 2 {
		return domain.Hold{}, false
	}

	holderStr, _ := vals[0].(string)
	expStr, _ := vals[1].(string)

	holderID, err := uuid.Parse(holderStr)
	if err != nil {
		return domain.Hold{}, false
	}
	expMs, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return domain.Hold{}, false
	}

	return domain.Hold{
		EventID:   eventID,
		UnitID:    unitID,
		HolderID:  holderID,
		ExpiresAt: time.UnixMilli(expMs),
	}, true
}
