package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
)

type Store interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	ListTicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error)
	CountPendingTickets(ctx context.Context, ticketTypeID uuid.UUID) (int, error)
	SoldUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
}

type Holds interface {
	ListHeld(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID) ([]uuid.UUID, error)
}

type Config struct {
	AvailabilityTTL time.Duration
	TicketTypesTTL  time.Duration
}

type Service struct {
	store Store
	holds Holds
	cache *redisrepo.Cache
	cfg   Config
}

// New builds the read side. cache may be nil, in which case every read goes
// to the store.
func New(store Store, holds Holds, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 5 * time.Second
	}

	if cfg.TicketTypesTTL <= 0 {
		cfg.TicketTypesTTL = 60 * time.Second
	}

	return &Service{
		store: store,
		holds: holds,
		cache: cache,
		cfg:   cfg,
	}
}

func cached[T any](
	ctx context.Context,
	s *Service,
	key string,
	ttl time.Duration,
	load func(ctx context.Context) (T, error),
) (T, error) {
	if s.cache == nil {
		return load(ctx)
	}
	return redisrepo.GetOrSetJSON(ctx, s.cache, key, ttl, load)
}

// GetEvent retrieves an event by its ID.
//
// Returns:
//   - *domain.Event: the event.
//   - error: domain.ErrNotFound if the event does not exist.
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	const op = "service.query.GetEvent"

	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}

	return e, nil
}

// TicketTypes lists the ticket types of an event, read through the cache.
func (s *Service) TicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	const op = "service.query.TicketTypes"

	types, err := cached(ctx, s, redisrepo.KeyEventTicketTypes(eventID), s.cfg.TicketTypesTTL,
		func(ctx context.Context) ([]domain.TicketType, error) {
			if _, err := s.store.GetEvent(ctx, eventID); err != nil {
				return nil, notFound(err)
			}
			return s.store.ListTicketTypes(ctx, eventID)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return types, nil
}

// Availability reports what is left to sell for an event: per ticket type
// the remaining and pending counts, plus the units that are sold or held.
//
// Parameters:
//   - ctx: request-scoped context.
//   - eventID: event to report on.
//
// Returns:
//   - *domain.EventAvailability: the snapshot. It may be up to
//     AvailabilityTTL old when served from the cache.
//   - error: domain.ErrNotFound if the event does not exist.
func (s *Service) Availability(ctx context.Context, eventID uuid.UUID) (*domain.EventAvailability, error) {
	const op = "service.query.Availability"

	av, err := cached(ctx, s, redisrepo.KeyEventAvailability(eventID), s.cfg.AvailabilityTTL,
		func(ctx context.Context) (domain.EventAvailability, error) {
			return s.loadAvailability(ctx, eventID)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &av, nil
}

func (s *Service) loadAvailability(ctx context.Context, eventID uuid.UUID) (domain.EventAvailability, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return domain.EventAvailability{}, notFound(err)
	}

	types, err := s.store.ListTicketTypes(ctx, eventID)
	if err != nil {
		return domain.EventAvailability{}, err
	}

	av := domain.EventAvailability{
		EventID:     eventID,
		TicketTypes: make([]domain.TicketTypeAvailability, 0, len(types)),
	}

	for _, tt := range types {
		pending, err := s.store.CountPendingTickets(ctx, tt.ID)
		if err != nil {
			return domain.EventAvailability{}, err
		}
		av.TicketTypes = append(av.TicketTypes, domain.TicketTypeAvailability{
			TicketTypeID: tt.ID,
			Name:         tt.Name,
			Initial:      tt.InitialQuantity,
			Remaining:    tt.RemainingQuantity,
			Pending:      pending,
		})
	}

	if av.SoldUnits, err = s.store.SoldUnits(ctx, eventID, nil); err != nil {
		return domain.EventAvailability{}, err
	}

	if s.holds != nil {
		if av.HeldUnits, err = s.holds.ListHeld(ctx, eventID, nil); err != nil {
			return domain.EventAvailability{}, err
		}
	}

	return av, nil
}

// GetOrderWithTickets retrieves an order along with its tickets. A non-nil
// userID must own the order.
//
// Returns:
//   - *domain.OrderWithTickets: the order and its tickets.
//   - error: domain.ErrNotFound if the order does not exist or belongs to
//     someone else.
func (s *Service) GetOrderWithTickets(ctx context.Context, orderID uuid.UUID, userID *uuid.UUID) (*domain.OrderWithTickets, error) {
	const op = "service.query.GetOrderWithTickets"

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}
	if userID != nil && order.UserID != *userID {
		return nil, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
	}

	tickets, err := s.store.ListTickets(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &domain.OrderWithTickets{Order: *order, Tickets: tickets}, nil
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}
