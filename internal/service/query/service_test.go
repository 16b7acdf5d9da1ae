package query

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository/memory"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHolds []uuid.UUID

func (h staticHolds) ListHeld(context.Context, uuid.UUID, *uuid.UUID) ([]uuid.UUID, error) {
	return h, nil
}

func seed(t *testing.T, store *memory.Store) (domain.Event, domain.TicketType) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	venue := domain.Venue{ID: uuid.New(), Name: "Club"}
	require.NoError(t, store.CreateVenue(ctx, venue))

	event := domain.Event{
		ID:       uuid.New(),
		VenueID:  venue.ID,
		Title:    "Late set",
		StartsAt: now.Add(time.Hour),
		EndsAt:   now.Add(2 * time.Hour),
		Status:   domain.EventPublished,
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	price, err := domain.NewPrice(2000, decimal.Zero, "EUR")
	require.NoError(t, err)

	tt, err := domain.NewTicketType(domain.TicketTypeParams{
		EventID:     event.ID,
		Name:        "Entry",
		Price:       price,
		Quantity:    10,
		SalesStart:  now.Add(-time.Hour),
		SalesEnd:    now.Add(time.Hour),
		MaxPerOrder: 4,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateTicketType(ctx, tt))

	return event, tt
}

func TestAvailability_ReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	event, tt := seed(t, store)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisrepo.NewCache(rdb)

	held := uuid.New()
	svc := New(store, staticHolds{held}, cache, Config{})

	av, err := svc.Availability(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, av.TicketTypes, 1)
	assert.Equal(t, tt.ID, av.TicketTypes[0].TicketTypeID)
	assert.Equal(t, 10, av.TicketTypes[0].Remaining)
	assert.Zero(t, av.TicketTypes[0].Pending)
	assert.Equal(t, []uuid.UUID{held}, av.HeldUnits)

	assert.True(t, mr.Exists(redisrepo.KeyEventAvailability(event.ID)))

	require.NoError(t, store.DecrementRemaining(ctx, tt.ID, 3))

	av, err = svc.Availability(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, av.TicketTypes[0].Remaining, "served from cache")

	require.NoError(t, cache.InvalidateEvent(ctx, event.ID))

	av, err = svc.Availability(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, av.TicketTypes[0].Remaining)
}

func TestAvailability_UnknownEvent(t *testing.T) {
	svc := New(memory.NewStore(), nil, nil, Config{})

	_, err := svc.Availability(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetOrderWithTickets_ChecksOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	event, _ := seed(t, store)

	owner := uuid.New()
	o := domain.Order{
		ID:            uuid.New(),
		Number:        "TIX-20261018-QUERY001",
		UserID:        owner,
		EventID:       event.ID,
		Status:        domain.OrderPending,
		Currency:      "EUR",
		PaymentMethod: domain.PaymentCash,
	}
	require.NoError(t, store.InsertOrder(ctx, o))

	svc := New(store, nil, nil, Config{})

	got, err := svc.GetOrderWithTickets(ctx, o.ID, &owner)
	require.NoError(t, err)
	assert.Equal(t, o.Number, got.Order.Number)

	stranger := uuid.New()
	_, err = svc.GetOrderWithTickets(ctx, o.ID, &stranger)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
