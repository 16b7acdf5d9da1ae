package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	const op = "memory.Store.InsertOrder"

	defer s.lock(ctx)()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}
	for _, existing := range s.orders {
		if existing.Number == o.Number {
			return fmt.Errorf("%s:%w: orders_number_key", op, repository.ErrConflict)
		}
	}
	if _, ok := s.events[o.EventID]; !ok {
		return notFound(op)
	}
	s.orders[o.ID] = o

	return nil
}

func (s *Store) InsertTickets(ctx context.Context, tickets []domain.Ticket) error {
	const op = "memory.Store.InsertTickets"

	defer s.lock(ctx)()

	codes := make(map[string]struct{}, len(s.tickets))
	for _, t := range s.tickets {
		codes[t.Code] = struct{}{}
	}

	for _, t := range tickets {
		if _, ok := s.orders[t.OrderID]; !ok {
			return notFound(op)
		}
		if _, ok := s.ticketTypes[t.TicketTypeID]; !ok {
			return notFound(op)
		}
		if _, ok := codes[t.Code]; ok {
			return fmt.Errorf("%s:%w: tickets_code_key", op, repository.ErrConflict)
		}
		if t.Status.Sold() && t.UnitID != nil && s.unitSold(t.EventID, *t.UnitID, t.ID) {
			return fmt.Errorf("%s:%w: tickets_unit_sold_uniq", op, repository.ErrConflict)
		}
		codes[t.Code] = struct{}{}
	}
	for _, t := range tickets {
		s.tickets[t.ID] = t
	}

	return nil
}

// unitSold reports whether a ticket other than self already sells the unit.
func (s *Store) unitSold(eventID, unitID, self uuid.UUID) bool {
	for _, t := range s.tickets {
		if t.ID != self && t.EventID == eventID && t.UnitID != nil && *t.UnitID == unitID && t.Status.Sold() {
			return true
		}
	}
	return false
}

func (s *Store) TransitionOrder(
	ctx context.Context,
	id uuid.UUID,
	from []domain.OrderStatus,
	to domain.OrderStatus,
	pay *domain.PaymentConfirmation,
	at time.Time,
) (*domain.Order, error) {
	const op = "memory.Store.TransitionOrder"

	defer s.lock(ctx)()

	o, ok := s.orders[id]
	if !ok {
		return nil, notFound(op)
	}
	if !slices.Contains(from, o.Status) {
		return nil, &repository.StatusMismatchError{ID: id, Current: string(o.Status)}
	}
	if !o.Status.CanTransition(to) {
		return nil, fmt.Errorf("%s: illegal transition %s -> %s", op, o.Status, to)
	}

	o.Status = to
	o.UpdatedAt = at
	if pay != nil {
		if pay.PaymentRef != "" {
			o.GatewayPaymentRef = pay.PaymentRef
		}
		if pay.Signature != "" {
			o.GatewaySignature = pay.Signature
		}
		paidAt := pay.PaidAt
		o.PaidAt = &paidAt
	}
	s.orders[id] = o

	return &o, nil
}

// TransitionTickets applies the unique sold-unit rule the same way the
// database's partial index does: the whole update fails on a duplicate.
func (s *Store) TransitionTickets(
	ctx context.Context,
	orderID uuid.UUID,
	from []domain.TicketStatus,
	to domain.TicketStatus,
) (int64, error) {
	const op = "memory.Store.TransitionTickets"

	defer s.lock(ctx)()

	var ids []uuid.UUID
	for id, t := range s.tickets {
		if t.OrderID == orderID && slices.Contains(from, t.Status) {
			if !t.Status.CanTransition(to) {
				return 0, fmt.Errorf("%s: illegal transition %s -> %s", op, t.Status, to)
			}
			ids = append(ids, id)
		}
	}

	if to.Sold() {
		seen := make(map[uuid.UUID]struct{}, len(ids))
		for _, id := range ids {
			t := s.tickets[id]
			if t.UnitID == nil {
				continue
			}
			if _, dup := seen[*t.UnitID]; dup || s.unitSold(t.EventID, *t.UnitID, t.ID) {
				return 0, fmt.Errorf("%s:%w: tickets_unit_sold_uniq", op, repository.ErrConflict)
			}
			seen[*t.UnitID] = struct{}{}
		}
	}

	for _, id := range ids {
		t := s.tickets[id]
		t.Status = to
		s.tickets[id] = t
	}

	return int64(len(ids)), nil
}

func (s *Store) CheckInTicket(ctx context.Context, id, by uuid.UUID, at time.Time) (*domain.Ticket, error) {
	const op = "memory.Store.CheckInTicket"

	defer s.lock(ctx)()

	t, ok := s.tickets[id]
	if !ok {
		return nil, notFound(op)
	}
	if t.Status != domain.TicketIssued {
		return nil, &repository.StatusMismatchError{ID: id, Current: string(t.Status)}
	}

	t.Status = domain.TicketCheckedIn
	t.CheckedInAt, t.CheckedInBy = &at, &by
	s.tickets[id] = t

	return &t, nil
}

func (s *Store) CancelEventTickets(ctx context.Context, eventID uuid.UUID, from []domain.TicketStatus) (int64, error) {
	defer s.lock(ctx)()

	var n int64
	for id, t := range s.tickets {
		if t.EventID == eventID && slices.Contains(from, t.Status) {
			t.Status = domain.TicketCancelled
			s.tickets[id] = t
			n++
		}
	}

	return n, nil
}

func (s *Store) DecrementRemaining(ctx context.Context, ticketTypeID uuid.UUID, n int) error {
	const op = "memory.Store.DecrementRemaining"

	defer s.lock(ctx)()

	t, ok := s.ticketTypes[ticketTypeID]
	if !ok {
		return notFound(op)
	}
	if t.RemainingQuantity < n {
		return &repository.InsufficientInventoryError{
			TicketTypeID: ticketTypeID,
			Requested:    n,
			Available:    t.RemainingQuantity,
		}
	}

	t.RemainingQuantity -= n
	s.ticketTypes[ticketTypeID] = t

	return nil
}

func (s *Store) OpenRefund(ctx context.Context, r domain.Refund) error {
	const op = "memory.Store.OpenRefund"

	defer s.lock(ctx)()

	o, ok := s.orders[r.OrderID]
	if !ok {
		return notFound(op)
	}

	var inflight int64
	for _, existing := range s.refunds {
		if existing.OrderID == r.OrderID && existing.Status == domain.RefundProcessing {
			inflight += existing.AmountMinor
		}
	}
	if o.RefundedMinor+inflight+r.AmountMinor > o.TotalMinor {
		return repository.ErrRefundCeiling
	}

	s.refunds[r.ID] = r

	return nil
}

func (s *Store) FinishRefund(
	ctx context.Context,
	id uuid.UUID,
	status domain.RefundStatus,
	gatewayRef string,
	at time.Time,
) (*domain.Refund, error) {
	const op = "memory.Store.FinishRefund"

	defer s.lock(ctx)()

	r, ok := s.refunds[id]
	if !ok {
		return nil, notFound(op)
	}
	if r.Status != domain.RefundProcessing {
		return nil, &repository.StatusMismatchError{ID: id, Current: string(r.Status)}
	}

	r.Status, r.GatewayRef, r.UpdatedAt = status, gatewayRef, at
	s.refunds[id] = r

	return &r, nil
}

func (s *Store) SetRefundGatewayRef(ctx context.Context, id uuid.UUID, gatewayRef string) error {
	const op = "memory.Store.SetRefundGatewayRef"

	defer s.lock(ctx)()

	r, ok := s.refunds[id]
	if !ok {
		return notFound(op)
	}
	if r.Status != domain.RefundProcessing {
		return &repository.StatusMismatchError{ID: id, Current: string(r.Status)}
	}

	r.GatewayRef = gatewayRef
	s.refunds[id] = r

	return nil
}

// ListStaleRefunds returns processing refunds last touched before the given
// time, oldest first.
func (s *Store) ListStaleRefunds(ctx context.Context, before time.Time, limit int) ([]domain.Refund, error) {
	defer s.lock(ctx)()

	var out []domain.Refund
	for _, r := range s.refunds {
		if r.Status == domain.RefundProcessing && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.Refund) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) ApplyRefund(ctx context.Context, orderID uuid.UUID, amount int64, at time.Time) (*domain.Order, error) {
	const op = "memory.Store.ApplyRefund"

	defer s.lock(ctx)()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, notFound(op)
	}
	if !o.Status.Refundable() {
		return nil, &repository.StatusMismatchError{ID: orderID, Current: string(o.Status)}
	}
	if o.RefundedMinor+amount > o.TotalMinor {
		return nil, repository.ErrRefundCeiling
	}

	o.RefundedMinor += amount
	o.Status = domain.OrderPartialRefunded
	if o.RefundedMinor == o.TotalMinor {
		o.Status = domain.OrderRefunded
	}
	o.UpdatedAt = at
	s.orders[orderID] = o

	return &o, nil
}
