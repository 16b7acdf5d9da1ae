package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

// OpenRefund inserts a processing refund, reserving its amount against the
// order. The insert only happens while refunded + in-flight + amount stays
// within the order total.
//
// Returns:
//   - error: repository.ErrRefundCeiling if the amount no longer fits.
func (s *Store) OpenRefund(ctx context.Context, r domain.Refund) error {
	const op = "postgres.Store.OpenRefund"

	return s.RunTx(ctx, func(ctx context.Context) error {
		db := s.handle(ctx)

		var total, refunded, inflight int64
		if err := db.QueryRow(ctx,
			`SELECT total_minor, refunded_minor FROM orders WHERE id = $1 FOR UPDATE`,
			r.OrderID,
		).Scan(&total, &refunded); err != nil {
			return wrapDBErr(op, err)
		}

		if err := db.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount_minor), 0) FROM refunds
			 WHERE order_id = $1 AND status = 'processing'`,
			r.OrderID,
		).Scan(&inflight); err != nil {
			return wrapDBErr(op, err)
		}

		if refunded+inflight+r.AmountMinor > total {
			return repository.ErrRefundCeiling
		}

		_, err := db.Exec(ctx,
			`INSERT INTO refunds(`+refundColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.OrderID, r.RequestedBy, r.AmountMinor, r.Currency, r.Reason, string(r.Status),
			r.GatewayRef, r.CreatedAt, r.UpdatedAt,
		)

		return wrapDBErr(op, err)
	})
}

// FinishRefund moves a processing refund to completed or failed.
func (s *Store) FinishRefund(
	ctx context.Context,
	id uuid.UUID,
	status domain.RefundStatus,
	gatewayRef string,
	at time.Time,
) (*domain.Refund, error) {
	const op = "postgres.Store.FinishRefund"

	r, err := scanRefund(s.handle(ctx).QueryRow(ctx,
		`UPDATE refunds
		 SET status = $2, gateway_ref = $3, updated_at = $4
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+refundColumns,
		id, string(status), gatewayRef, at,
	))
	if err == nil {
		return r, nil
	}
	if err = wrapDBErr(op, err); !isNotFound(err) {
		return nil, err
	}

	return nil, s.refundMismatch(ctx, id)
}

// SetRefundGatewayRef records the gateway reference of a refund the gateway
// accepted, before the order is credited.
func (s *Store) SetRefundGatewayRef(ctx context.Context, id uuid.UUID, gatewayRef string) error {
	const op = "postgres.Store.SetRefundGatewayRef"

	tag, err := s.handle(ctx).Exec(ctx,
		`UPDATE refunds SET gateway_ref = $2 WHERE id = $1 AND status = 'processing'`,
		id, gatewayRef,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return s.refundMismatch(ctx, id)
	}

	return nil
}

// ListStaleRefunds returns processing refunds last touched before the given
// time, oldest first.
func (s *Store) ListStaleRefunds(ctx context.Context, before time.Time, limit int) ([]domain.Refund, error) {
	const op = "postgres.Store.ListStaleRefunds"

	rows, err := s.handle(ctx).Query(ctx,
		`SELECT `+refundColumns+` FROM refunds
		 WHERE status = 'processing' AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		before, limit,
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

// refundMismatch explains why a conditional refund update matched no row.
func (s *Store) refundMismatch(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.Store.refundMismatch"

	var status string
	err := s.handle(ctx).QueryRow(ctx, `SELECT status FROM refunds WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return wrapDBErr(op, err)
	}

	return &repository.StatusMismatchError{ID: id, Current: status}
}

// ApplyRefund credits amount to the order's refunded total and sets its status
// to refunded or partial_refunded accordingly.
//
// Returns:
//   - error: *repository.StatusMismatchError if the order is not refundable.
//   - error: repository.ErrRefundCeiling if the credit would exceed the total.
func (s *Store) ApplyRefund(ctx context.Context, orderID uuid.UUID, amount int64, at time.Time) (*domain.Order, error) {
	const op = "postgres.Store.ApplyRefund"

	o, err := scanOrder(s.handle(ctx).QueryRow(ctx,
		`UPDATE orders
		 SET refunded_minor = refunded_minor + $2,
		     status = CASE WHEN refunded_minor + $2 = total_minor THEN 'refunded' ELSE 'partial_refunded' END,
		     updated_at = $3
		 WHERE id = $1
		   AND status IN ('paid', 'partial_refunded')
		   AND refunded_minor + $2 <= total_minor
		 RETURNING `+orderColumns,
		orderID, amount, at,
	))
	if err == nil {
		return o, nil
	}
	if err = wrapDBErr(op, err); !isNotFound(err) {
		return nil, err
	}

	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Refundable() {
		return nil, &repository.StatusMismatchError{ID: orderID, Current: string(current.Status)}
	}

	return nil, repository.ErrRefundCeiling
}
