package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

const (
	eventColumns = `id, venue_id, organizer_id, title, starts_at, ends_at, status,
		cancelled_at, cancelled_by, cancel_reason`

	ticketTypeColumns = `id, event_id, name, base_minor, tax_rate, tax_minor, final_minor, currency,
		initial_quantity, remaining_quantity, sales_start, sales_end,
		max_per_order, max_per_user_per_event, category, eligible_unit_ids`

	orderColumns = `id, number, user_id, event_id, status, total_minor, base_minor, tax_minor,
		refunded_minor, currency, attendee_name, attendee_email, attendee_phone,
		payment_method, gateway_order_ref, gateway_payment_ref, gateway_signature,
		paid_at, created_at, updated_at`

	ticketColumns = `id, order_id, event_id, ticket_type_id, unit_id, code, status,
		checked_in_at, checked_in_by, created_at`

	refundColumns = `id, order_id, requested_by, amount_minor, currency, reason, status,
		gateway_ref, created_at, updated_at`
)

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	var status string

	if err := row.Scan(
		&e.ID, &e.VenueID, &e.OrganizerID, &e.Title, &e.StartsAt, &e.EndsAt, &status,
		&e.CancelledAt, &e.CancelledBy, &e.CancelReason,
	); err != nil {
		return nil, err
	}

	e.Status = domain.EventStatus(status)
	return &e, nil
}

func scanTicketType(row pgx.Row) (*domain.TicketType, error) {
	var t domain.TicketType
	var category string

	if err := row.Scan(
		&t.ID, &t.EventID, &t.Name,
		&t.Price.BaseMinor, &t.Price.TaxRate, &t.Price.TaxMinor, &t.Price.FinalMinor, &t.Price.Currency,
		&t.InitialQuantity, &t.RemainingQuantity, &t.SalesStart, &t.SalesEnd,
		&t.MaxPerOrder, &t.MaxPerUserPerEvent, &category, &t.EligibleUnitIDs,
	); err != nil {
		return nil, err
	}

	t.Category = domain.TicketCategory(category)
	return &t, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var status, method string

	if err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.EventID, &status,
		&o.TotalMinor, &o.BaseMinor, &o.TaxMinor, &o.RefundedMinor, &o.Currency,
		&o.Attendee.Name, &o.Attendee.Email, &o.Attendee.Phone,
		&method, &o.GatewayOrderRef, &o.GatewayPaymentRef, &o.GatewaySignature,
		&o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.Status = domain.OrderStatus(status)
	o.PaymentMethod = domain.PaymentMethod(method)
	return &o, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	var status string

	if err := row.Scan(
		&t.ID, &t.OrderID, &t.EventID, &t.TicketTypeID, &t.UnitID, &t.Code, &status,
		&t.CheckedInAt, &t.CheckedInBy, &t.CreatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = domain.TicketStatus(status)
	return &t, nil
}

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var r domain.Refund
	var status string

	if err := row.Scan(
		&r.ID, &r.OrderID, &r.RequestedBy, &r.AmountMinor, &r.Currency, &r.Reason, &status,
		&r.GatewayRef, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	r.Status = domain.RefundStatus(status)
	return &r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}

	return out, rows.Err()
}

// GetEvent retrieves an event by its ID.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event is not found.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	const op = "postgres.Store.GetEvent"

	e, err := scanEvent(s.handle(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return e, nil
}

func (s *Store) GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	const op = "postgres.Store.GetTicketType"

	t, err := scanTicketType(s.handle(ctx).QueryRow(ctx,
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return t, nil
}

// LockTicketType reads a ticket type and holds its row lock until the
// surrounding transaction ends.
func (s *Store) LockTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	const op = "postgres.Store.LockTicketType"

	t, err := scanTicketType(s.handle(ctx).QueryRow(ctx,
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return t, nil
}

func (s *Store) ListTicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	const op = "postgres.Store.ListTicketTypes"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE event_id = $1 ORDER BY name`, eventID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanTicketType)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (s *Store) ListUnits(ctx context.Context, ids []uuid.UUID) ([]domain.SellableUnit, error) {
	const op = "postgres.Store.ListUnits"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT id, venue_id, kind, section, label, pos_x, pos_y
		 FROM units WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.SellableUnit
	for rows.Next() {
		var u domain.SellableUnit
		var kind string
		var x, y *float64

		if err := rows.Scan(&u.ID, &u.VenueID, &kind, &u.Section, &u.Label, &x, &y); err != nil {
			return nil, wrapDBErr(op, err)
		}

		u.Kind = domain.UnitKind(kind)
		if x != nil && y != nil {
			u.Position = &domain.Position{X: *x, Y: *y}
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// SoldUnits returns the subset of unitIDs backed by an issued or checked-in
// ticket for the event. A nil unitIDs returns every sold unit of the event.
func (s *Store) SoldUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error) {
	const op = "postgres.Store.SoldUnits"

	var (
		rows pgx.Rows
		err  error
	)

	if unitIDs == nil {
		rows, err = s.handle(ctx).Query(ctx,
			`SELECT unit_id FROM tickets
			 WHERE event_id = $1 AND unit_id IS NOT NULL
			   AND status IN ('issued', 'checked_in')`,
			eventID,
		)
	} else {
		rows, err = s.handle(ctx).Query(ctx,
			`SELECT unit_id FROM tickets
			 WHERE event_id = $1 AND unit_id = ANY($2)
			   AND status IN ('issued', 'checked_in')`,
			eventID, unitIDs,
		)
	}
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// ClaimedUnits returns the units of unitIDs that pending orders are waiting
// to pay for.
func (s *Store) ClaimedUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error) {
	const op = "postgres.Store.ClaimedUnits"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT unit_id FROM tickets
		 WHERE event_id = $1 AND unit_id = ANY($2) AND status = 'pending'`,
		eventID, unitIDs,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// CountPendingTickets counts tickets of a type that belong to orders still
// awaiting payment.
func (s *Store) CountPendingTickets(ctx context.Context, ticketTypeID uuid.UUID) (int, error) {
	const op = "postgres.Store.CountPendingTickets"

	var n int
	err := s.handle(ctx).QueryRow(ctx,
		`SELECT count(*) FROM tickets WHERE ticket_type_id = $1 AND status = 'pending'`,
		ticketTypeID,
	).Scan(&n)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return n, nil
}

// CountUserTickets counts the live tickets of a type a user holds for an
// event, across all of the user's orders.
func (s *Store) CountUserTickets(ctx context.Context, eventID, userID, ticketTypeID uuid.UUID) (int, error) {
	const op = "postgres.Store.CountUserTickets"

	var n int
	err := s.handle(ctx).QueryRow(ctx,
		`SELECT count(*)
		 FROM tickets t
		 JOIN orders o ON o.id = t.order_id
		 WHERE o.event_id = $1 AND o.user_id = $2 AND t.ticket_type_id = $3
		   AND t.status IN ('pending', 'issued', 'checked_in')`,
		eventID, userID, ticketTypeID,
	).Scan(&n)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return n, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	const op = "postgres.Store.GetOrder"

	o, err := scanOrder(s.handle(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, eventID uuid.UUID, statuses []domain.OrderStatus) ([]domain.Order, error) {
	const op = "postgres.Store.ListOrders"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE event_id = $1 AND status = ANY($2)
		 ORDER BY created_at`,
		eventID, orderStatusStrings(statuses),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanOrder)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// ListStalePendingOrders returns pending orders created before the cutoff,
// oldest first.
func (s *Store) ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	const op = "postgres.Store.ListStalePendingOrders"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanOrder)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (s *Store) ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	const op = "postgres.Store.ListTickets"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY created_at, id`, orderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanTicket)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (s *Store) GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	const op = "postgres.Store.GetTicketByCode"

	t, err := scanTicket(s.handle(ctx).QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE code = $1`, code,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return t, nil
}

func (s *Store) ListRefunds(ctx context.Context, orderID uuid.UUID) ([]domain.Refund, error) {
	const op = "postgres.Store.ListRefunds"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY created_at`, orderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanRefund)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func orderStatusStrings(in []domain.OrderStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func ticketStatusStrings(in []domain.TicketStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
