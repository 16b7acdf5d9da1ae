package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	const op = "postgres.Store.InsertOrder"

	_, err := s.handle(ctx).Exec(ctx,
		`INSERT INTO orders(`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.Number, o.UserID, o.EventID, string(o.Status),
		o.TotalMinor, o.BaseMinor, o.TaxMinor, o.RefundedMinor, o.Currency,
		o.Attendee.Name, o.Attendee.Email, o.Attendee.Phone,
		string(o.PaymentMethod), o.GatewayOrderRef, o.GatewayPaymentRef, o.GatewaySignature,
		o.PaidAt, o.CreatedAt, o.UpdatedAt,
	)

	return wrapDBErr(op, err)
}

func (s *Store) InsertTickets(ctx context.Context, tickets []domain.Ticket) error {
	const op = "postgres.Store.InsertTickets"

	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(
			`INSERT INTO tickets(`+ticketColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.OrderID, t.EventID, t.TicketTypeID, t.UnitID, t.Code, string(t.Status),
			t.CheckedInAt, t.CheckedInBy, t.CreatedAt,
		)
	}

	return wrapDBErr(op, s.handle(ctx).SendBatch(ctx, batch).Close())
}

// TransitionOrder sets an order's status to `to` only if it is currently in
// one of `from`. Payment references are recorded when pay is non-nil.
//
// Returns:
//   - *domain.Order: the updated order.
//   - error: *repository.StatusMismatchError if the precondition failed.
//   - error: repository.ErrNotFound if the order does not exist.
func (s *Store) TransitionOrder(
	ctx context.Context,
	id uuid.UUID,
	from []domain.OrderStatus,
	to domain.OrderStatus,
	pay *domain.PaymentConfirmation,
	at time.Time,
) (*domain.Order, error) {
	const op = "postgres.Store.TransitionOrder"

	db := s.handle(ctx)

	var paymentRef, signature string
	var paidAt *time.Time
	if pay != nil {
		paymentRef, signature, paidAt = pay.PaymentRef, pay.Signature, &pay.PaidAt
	}

	o, err := scanOrder(db.QueryRow(ctx,
		`UPDATE orders
		 SET status = $3,
		     gateway_payment_ref = CASE WHEN $4 = '' THEN gateway_payment_ref ELSE $4 END,
		     gateway_signature = CASE WHEN $5 = '' THEN gateway_signature ELSE $5 END,
		     paid_at = COALESCE($6, paid_at),
		     updated_at = $7
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING `+orderColumns,
		id, orderStatusStrings(from), string(to), paymentRef, signature, paidAt, at,
	))
	if err == nil {
		return o, nil
	}
	if err = wrapDBErr(op, err); !isNotFound(err) {
		return nil, err
	}

	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	return nil, &repository.StatusMismatchError{ID: id, Current: string(current.Status)}
}

// TransitionTickets moves every ticket of an order that is in one of `from`
// to `to` and returns how many rows changed.
func (s *Store) TransitionTickets(
	ctx context.Context,
	orderID uuid.UUID,
	from []domain.TicketStatus,
	to domain.TicketStatus,
) (int64, error) {
	const op = "postgres.Store.TransitionTickets"

	tag, err := s.handle(ctx).Exec(ctx,
		`UPDATE tickets SET status = $3 WHERE order_id = $1 AND status = ANY($2)`,
		orderID, ticketStatusStrings(from), string(to),
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}

// CheckInTicket marks an issued ticket as checked in.
func (s *Store) CheckInTicket(ctx context.Context, id, by uuid.UUID, at time.Time) (*domain.Ticket, error) {
	const op = "postgres.Store.CheckInTicket"

	t, err := scanTicket(s.handle(ctx).QueryRow(ctx,
		`UPDATE tickets
		 SET status = 'checked_in', checked_in_at = $2, checked_in_by = $3
		 WHERE id = $1 AND status = 'issued'
		 RETURNING `+ticketColumns,
		id, at, by,
	))
	if err == nil {
		return t, nil
	}
	if err = wrapDBErr(op, err); !isNotFound(err) {
		return nil, err
	}

	var current string
	if err := s.handle(ctx).QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return nil, &repository.StatusMismatchError{ID: id, Current: current}
}

// CancelEventTickets cancels every ticket of the event in one of `from`.
func (s *Store) CancelEventTickets(ctx context.Context, eventID uuid.UUID, from []domain.TicketStatus) (int64, error) {
	const op = "postgres.Store.CancelEventTickets"

	tag, err := s.handle(ctx).Exec(ctx,
		`UPDATE tickets SET status = 'cancelled' WHERE event_id = $1 AND status = ANY($2)`,
		eventID, ticketStatusStrings(from),
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return tag.RowsAffected(), nil
}

// DecrementRemaining atomically lowers remaining_quantity by n, never below
// zero.
//
// Returns:
//   - error: *repository.InsufficientInventoryError if fewer than n remain.
func (s *Store) DecrementRemaining(ctx context.Context, ticketTypeID uuid.UUID, n int) error {
	const op = "postgres.Store.DecrementRemaining"

	db := s.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE ticket_types
		 SET remaining_quantity = remaining_quantity - $2
		 WHERE id = $1 AND remaining_quantity >= $2`,
		ticketTypeID, n,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	var remaining int
	if err := db.QueryRow(ctx,
		`SELECT remaining_quantity FROM ticket_types WHERE id = $1`, ticketTypeID,
	).Scan(&remaining); err != nil {
		return wrapDBErr(op, err)
	}

	return &repository.InsufficientInventoryError{TicketTypeID: ticketTypeID, Requested: n, Available: remaining}
}
