package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

type txKey struct{}

// Store is an in-process ledger with the same conditional-update contract as
// the Postgres store. A transaction holds the store lock for its whole
// duration and rolls back to a snapshot on error.
type Store struct {
	mu sync.Mutex

	venues      map[uuid.UUID]domain.Venue
	units       map[uuid.UUID]domain.SellableUnit
	events      map[uuid.UUID]domain.Event
	ticketTypes map[uuid.UUID]domain.TicketType
	orders      map[uuid.UUID]domain.Order
	tickets     map[uuid.UUID]domain.Ticket
	refunds     map[uuid.UUID]domain.Refund
}

func NewStore() *Store {
	return &Store{
		venues:      make(map[uuid.UUID]domain.Venue),
		units:       make(map[uuid.UUID]domain.SellableUnit),
		events:      make(map[uuid.UUID]domain.Event),
		ticketTypes: make(map[uuid.UUID]domain.TicketType),
		orders:      make(map[uuid.UUID]domain.Order),
		tickets:     make(map[uuid.UUID]domain.Ticket),
		refunds:     make(map[uuid.UUID]domain.Refund),
	}
}

type snapshot struct {
	venues      map[uuid.UUID]domain.Venue
	units       map[uuid.UUID]domain.SellableUnit
	events      map[uuid.UUID]domain.Event
	ticketTypes map[uuid.UUID]domain.TicketType
	orders      map[uuid.UUID]domain.Order
	tickets     map[uuid.UUID]domain.Ticket
	refunds     map[uuid.UUID]domain.Refund
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		venues:      maps.Clone(s.venues),
		units:       maps.Clone(s.units),
		events:      maps.Clone(s.events),
		ticketTypes: maps.Clone(s.ticketTypes),
		orders:      maps.Clone(s.orders),
		tickets:     maps.Clone(s.tickets),
		refunds:     maps.Clone(s.refunds),
	}
}

func (s *Store) restore(snap snapshot) {
	s.venues = snap.venues
	s.units = snap.units
	s.events = snap.events
	s.ticketTypes = snap.ticketTypes
	s.orders = snap.orders
	s.tickets = snap.tickets
	s.refunds = snap.refunds
}

func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}

	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock takes the store lock unless ctx already carries this store's
// transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func notFound(op string) error {
	return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
}

// --- admin ---

func (s *Store) CreateVenue(ctx context.Context, v domain.Venue) error {
	const op = "memory.Store.CreateVenue"

	defer s.lock(ctx)()

	for _, existing := range s.venues {
		if existing.Name == v.Name {
			return fmt.Errorf("%s:%w", op, repository.ErrConflict)
		}
	}
	s.venues[v.ID] = v

	return nil
}

func (s *Store) CreateUnits(ctx context.Context, units []domain.SellableUnit) error {
	const op = "memory.Store.CreateUnits"

	defer s.lock(ctx)()

	for _, u := range units {
		if _, ok := s.venues[u.VenueID]; !ok {
			return notFound(op)
		}
		if _, ok := s.units[u.ID]; ok {
			return fmt.Errorf("%s:%w", op, repository.ErrConflict)
		}
	}
	for _, u := range units {
		s.units[u.ID] = u
	}

	return nil
}

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	const op = "memory.Store.CreateEvent"

	defer s.lock(ctx)()

	if _, ok := s.venues[e.VenueID]; !ok {
		return notFound(op)
	}
	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}
	s.events[e.ID] = e

	return nil
}

func (s *Store) TransitionEvent(
	ctx context.Context,
	id uuid.UUID,
	from []domain.EventStatus,
	to domain.EventStatus,
	by uuid.UUID,
	reason string,
	at time.Time,
) (*domain.Event, error) {
	const op = "memory.Store.TransitionEvent"

	defer s.lock(ctx)()

	e, ok := s.events[id]
	if !ok {
		return nil, notFound(op)
	}
	if !slices.Contains(from, e.Status) {
		return nil, &repository.StatusMismatchError{ID: id, Current: string(e.Status)}
	}

	e.Status = to
	if to == domain.EventCancelled {
		e.CancelledAt, e.CancelledBy, e.CancelReason = &at, &by, reason
	}
	s.events[id] = e

	return &e, nil
}

func (s *Store) CreateTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "memory.Store.CreateTicketType"

	defer s.lock(ctx)()

	if _, ok := s.events[t.EventID]; !ok {
		return notFound(op)
	}
	if _, ok := s.ticketTypes[t.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}
	t.EligibleUnitIDs = slices.Clone(t.EligibleUnitIDs)
	s.ticketTypes[t.ID] = t

	return nil
}

// --- reads ---

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	defer s.lock(ctx)()

	e, ok := s.events[id]
	if !ok {
		return nil, notFound("memory.Store.GetEvent")
	}

	return &e, nil
}

func (s *Store) GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	defer s.lock(ctx)()

	t, ok := s.ticketTypes[id]
	if !ok {
		return nil, notFound("memory.Store.GetTicketType")
	}

	return &t, nil
}

// LockTicketType is GetTicketType: the transaction already excludes every
// other writer.
func (s *Store) LockTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	return s.GetTicketType(ctx, id)
}

func (s *Store) ListTicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	defer s.lock(ctx)()

	var out []domain.TicketType
	for _, t := range s.ticketTypes {
		if t.EventID == eventID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (s *Store) ListUnits(ctx context.Context, ids []uuid.UUID) ([]domain.SellableUnit, error) {
	defer s.lock(ctx)()

	var out []domain.SellableUnit
	for _, id := range ids {
		if u, ok := s.units[id]; ok {
			out = append(out, u)
		}
	}

	return out, nil
}

func (s *Store) SoldUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error) {
	defer s.lock(ctx)()

	var out []uuid.UUID
	for _, t := range s.tickets {
		if t.EventID != eventID || t.UnitID == nil || !t.Status.Sold() {
			continue
		}
		if unitIDs == nil || slices.Contains(unitIDs, *t.UnitID) {
			out = append(out, *t.UnitID)
		}
	}

	return out, nil
}

// ClaimedUnits returns the units of unitIDs that pending orders are waiting
// to pay for.
func (s *Store) ClaimedUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error) {
	defer s.lock(ctx)()

	var out []uuid.UUID
	for _, t := range s.tickets {
		if t.EventID != eventID || t.UnitID == nil || t.Status != domain.TicketPending {
			continue
		}
		if slices.Contains(unitIDs, *t.UnitID) {
			out = append(out, *t.UnitID)
		}
	}

	return out, nil
}

func (s *Store) CountPendingTickets(ctx context.Context, ticketTypeID uuid.UUID) (int, error) {
	defer s.lock(ctx)()

	n := 0
	for _, t := range s.tickets {
		if t.TicketTypeID == ticketTypeID && t.Status == domain.TicketPending {
			n++
		}
	}

	return n, nil
}

func (s *Store) CountUserTickets(ctx context.Context, eventID, userID, ticketTypeID uuid.UUID) (int, error) {
	defer s.lock(ctx)()

	n := 0
	for _, t := range s.tickets {
		if t.TicketTypeID != ticketTypeID || t.Status == domain.TicketCancelled {
			continue
		}
		o := s.orders[t.OrderID]
		if o.EventID == eventID && o.UserID == userID {
			n++
		}
	}

	return n, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	defer s.lock(ctx)()

	o, ok := s.orders[id]
	if !ok {
		return nil, notFound("memory.Store.GetOrder")
	}

	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context, eventID uuid.UUID, statuses []domain.OrderStatus) ([]domain.Order, error) {
	defer s.lock(ctx)()

	var out []domain.Order
	for _, o := range s.orders {
		if o.EventID == eventID && slices.Contains(statuses, o.Status) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (s *Store) ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	defer s.lock(ctx)()

	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderPending && o.CreatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	defer s.lock(ctx)()

	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *Store) GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	defer s.lock(ctx)()

	for _, t := range s.tickets {
		if t.Code == code {
			return &t, nil
		}
	}

	return nil, notFound("memory.Store.GetTicketByCode")
}

func (s *Store) ListRefunds(ctx context.Context, orderID uuid.UUID) ([]domain.Refund, error) {
	defer s.lock(ctx)()

	var out []domain.Refund
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}
