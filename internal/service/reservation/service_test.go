package reservation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/repository/memory"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type soldSet struct {
	mu    sync.Mutex
	units map[uuid.UUID]bool
	err   error
}

func (s *soldSet) SoldUnits(_ context.Context, _ uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	var out []uuid.UUID
	for _, id := range unitIDs {
		if s.units[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type countingSignal struct {
	n atomic.Int64
}

func (c *countingSignal) EventChanged(context.Context, uuid.UUID) { c.n.Add(1) }

type fixture struct {
	svc    *Service
	clock  *clock
	sold   *soldSet
	signal *countingSignal
}

func stores(t *testing.T) map[string]func(t *testing.T) HoldStore {
	return map[string]func(t *testing.T) HoldStore{
		"memory": func(t *testing.T) HoldStore {
			return memory.NewHoldStore()
		},
		"redis": func(t *testing.T) HoldStore {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return redisrepo.NewHoldStore(rdb)
		},
	}
}

func newFixture(t *testing.T, holds HoldStore) *fixture {
	t.Helper()

	f := &fixture{
		clock:  newClock(),
		sold:   &soldSet{units: map[uuid.UUID]bool{}},
		signal: &countingSignal{},
	}
	f.svc = New(holds, f.sold, nil, f.signal,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config{Now: f.clock.Now},
	)

	return f
}

func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, mk(t)))
		})
	}
}

func TestHold_ConcurrentHoldersExactlyOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, unit := uuid.New(), uuid.New()

		const holders = 32
		var (
			wg       sync.WaitGroup
			held     atomic.Int64
			rejected atomic.Int64
		)

		start := make(chan struct{})
		for i := 0; i < holders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start

				res, err := f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{unit})
				if !assert.NoError(t, err) {
					return
				}
				held.Add(int64(len(res.Held)))
				rejected.Add(int64(len(res.Rejected)))
			}()
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, held.Load())
		assert.EqualValues(t, holders-1, rejected.Load())
	})
}

func TestHold_ReleaseRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID := uuid.New()
		units := []uuid.UUID{uuid.New(), uuid.New()}
		first, second := uuid.New(), uuid.New()

		res, err := f.svc.Hold(ctx, eventID, first, units)
		require.NoError(t, err)
		require.True(t, res.Complete())

		res, err = f.svc.Hold(ctx, eventID, second, units)
		require.NoError(t, err)
		assert.ElementsMatch(t, units, res.Rejected)

		require.NoError(t, f.svc.Release(ctx, eventID, units))

		res, err = f.svc.Hold(ctx, eventID, second, units)
		require.NoError(t, err)
		assert.Equal(t, units, res.Held)
		assert.Empty(t, res.Rejected)

		mine, err := f.svc.ListHeld(ctx, eventID, &second)
		require.NoError(t, err)
		assert.ElementsMatch(t, units, mine)

		theirs, err := f.svc.ListHeld(ctx, eventID, &first)
		require.NoError(t, err)
		assert.Empty(t, theirs)
	})
}

func TestHold_SameHolderRenews(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, unit, holder := uuid.New(), uuid.New(), uuid.New()

		_, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{unit})
		require.NoError(t, err)

		f.clock.Advance(8 * time.Minute)

		res, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{unit})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{unit}, res.Held)

		// Still held five minutes past the original expiry.
		f.clock.Advance(7 * time.Minute)

		held, err := f.svc.IsHeld(ctx, eventID, unit, nil)
		require.NoError(t, err)
		assert.True(t, held)
	})
}

func TestHold_ExpiredHoldIsAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, unit := uuid.New(), uuid.New()

		_, err := f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{unit})
		require.NoError(t, err)

		f.clock.Advance(DefaultTTL + time.Second)

		held, err := f.svc.IsHeld(ctx, eventID, unit, nil)
		require.NoError(t, err)
		assert.False(t, held)

		res, err := f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{unit})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{unit}, res.Held)
	})
}

func TestHold_RejectsSoldUnits(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, holder := uuid.New(), uuid.New()
		free, sold := uuid.New(), uuid.New()
		f.sold.units[sold] = true

		res, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{free, sold})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{free}, res.Held)
		assert.Equal(t, []uuid.UUID{sold}, res.Rejected)

		held, err := f.svc.ListHeld(ctx, eventID, nil)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{free}, held)
	})
}

func TestHold_SoldCheckFailureReleasesNewHolds(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, holder, unit := uuid.New(), uuid.New(), uuid.New()
		f.sold.err = errors.New("db down")

		_, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{unit})
		require.Error(t, err)

		held, err := f.svc.IsHeld(ctx, eventID, unit, nil)
		require.NoError(t, err)
		assert.False(t, held)
	})
}

func TestIsHeld_IgnoresOwnHold(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, unit, holder, other := uuid.New(), uuid.New(), uuid.New(), uuid.New()

		_, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{unit})
		require.NoError(t, err)

		held, err := f.svc.IsHeld(ctx, eventID, unit, &holder)
		require.NoError(t, err)
		assert.False(t, held)

		held, err = f.svc.IsHeld(ctx, eventID, unit, &other)
		require.NoError(t, err)
		assert.True(t, held)
	})
}

func TestReleaseFor_LeavesOtherHoldersAlone(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID, unit, holder, other := uuid.New(), uuid.New(), uuid.New(), uuid.New()

		_, err := f.svc.Hold(ctx, eventID, holder, []uuid.UUID{unit})
		require.NoError(t, err)

		require.NoError(t, f.svc.ReleaseFor(ctx, eventID, other, []uuid.UUID{unit}))

		held, err := f.svc.IsHeld(ctx, eventID, unit, nil)
		require.NoError(t, err)
		assert.True(t, held)
	})
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		eventID := uuid.New()
		old, fresh := uuid.New(), uuid.New()

		_, err := f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{old})
		require.NoError(t, err)

		f.clock.Advance(6 * time.Minute)
		_, err = f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{fresh})
		require.NoError(t, err)

		f.clock.Advance(5 * time.Minute)

		n, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		held, err := f.svc.ListHeld(ctx, eventID, nil)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{fresh}, held)
	})
}

func TestHold_SignalsOnlyWhenSomethingWasHeld(t *testing.T) {
	f := newFixture(t, memory.NewHoldStore())
	ctx := context.Background()
	eventID, unit := uuid.New(), uuid.New()

	_, err := f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{unit})
	require.NoError(t, err)
	_, err = f.svc.Hold(ctx, eventID, uuid.New(), []uuid.UUID{unit})
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.signal.n.Load())
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 30 * time.Second, nil
}

func TestHold_RateLimited(t *testing.T) {
	svc := New(memory.NewHoldStore(), &soldSet{}, denyLimiter{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})

	_, err := svc.Hold(context.Background(), uuid.New(), uuid.New(), []uuid.UUID{uuid.New()})

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}
