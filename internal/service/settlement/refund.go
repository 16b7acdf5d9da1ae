package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/kirinyoku/tixledger/internal/uow"
)

// CashRefundRef is recorded as the gateway reference of refunds paid out at
// the box office.
const CashRefundRef = "cash"

type RefundRequest struct {
	OrderID uuid.UUID
	// AmountMinor defaults to everything still refundable. Larger amounts
	// are clamped to that ceiling.
	AmountMinor *int64
	Reason      string
	RequestedBy uuid.UUID
}

type RefundResult struct {
	Refund domain.Refund `json:"refund"`
	Order  domain.Order  `json:"order"`
	// TicketsCancelled is non-zero only when the refund completed the order.
	TicketsCancelled int64 `json:"tickets_cancelled"`
}

// ProcessRefund returns money for a paid order. The amount is reserved
// against the order before the gateway is called, and the order is credited
// only after the gateway accepts the refund. A full refund cancels every
// ticket of the order.
//
// Returns:
//   - *RefundResult: the completed refund and the updated order.
//   - error: *domain.StateConflictError if the order is not refundable or
//     another refund already claims the remaining amount.
//   - error: *domain.ValidationError for a non-positive amount.
//   - error: *domain.UpstreamError if the gateway refused; the refund is
//     recorded as failed and the order is unchanged.
func (s *Service) ProcessRefund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	const op = "service.settlement.ProcessRefund"

	defer metrics.ObserveOp("process_refund", time.Now(), &err)

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}
	if !order.Status.Refundable() {
		return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "order", ID: order.ID, Current: string(order.Status)})
	}

	ceiling := order.RefundCeiling()
	if ceiling <= 0 {
		return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "order", ID: order.ID, Current: string(domain.OrderRefunded)})
	}

	amount := ceiling
	if req.AmountMinor != nil {
		if *req.AmountMinor <= 0 {
			return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"refund amount must be positive"}})
		}
		amount = min(*req.AmountMinor, ceiling)
	}

	refund, err := domain.NewRefund(domain.RefundParams{
		Order:       *order,
		AmountMinor: amount,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		Now:         s.cfg.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{err.Error()}})
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	if err := s.store.OpenRefund(ctx, refund); err != nil {
		if errors.Is(err, repository.ErrRefundCeiling) {
			return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "order", ID: order.ID, Current: "refund in progress"})
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	ref, err := s.refundAtGateway(ctx, order, refund)
	if err != nil {
		if _, ferr := s.store.FinishRefund(ctx, refund.ID, domain.RefundFailed, "", s.cfg.Now()); ferr != nil {
			s.log.Error("refund could not be marked failed",
				slog.String("refund_id", refund.ID.String()),
				slog.Any("err", ferr),
			)
		}
		metrics.Refund(string(domain.RefundFailed))
		s.log.Warn("gateway refund failed",
			slog.String("order_id", order.ID.String()),
			slog.Int64("amount_minor", amount),
			slog.Any("err", err),
		)
		return nil, fmt.Errorf("%s:%w", op, &domain.UpstreamError{Service: "payment gateway", Err: err})
	}

	// The gateway already returned the money. Keep its reference so the
	// reconciler can credit the order if settling fails.
	if err := s.store.SetRefundGatewayRef(ctx, refund.ID, ref); err != nil {
		s.log.Warn("refund gateway ref not saved",
			slog.String("refund_id", refund.ID.String()),
			slog.String("gateway_ref", ref),
			slog.Any("err", err),
		)
	}

	res, err = s.settle(ctx, refund.ID, order.ID, amount, ref)
	if err != nil {
		s.log.Error("refund settled at gateway but not recorded",
			slog.String("refund_id", refund.ID.String()),
			slog.String("gateway_ref", ref),
			slog.Any("err", err),
		)
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("refund completed",
		slog.String("order_id", order.ID.String()),
		slog.Int64("amount_minor", amount),
		slog.String("status", string(res.Order.Status)),
	)

	return res, nil
}

func (s *Service) refundAtGateway(ctx context.Context, order *domain.Order, refund domain.Refund) (string, error) {
	if order.PaymentMethod == domain.PaymentCash {
		return CashRefundRef, nil
	}
	if s.gateway == nil {
		return "", gateway.ErrNotConfigured
	}

	paymentRef := order.GatewayPaymentRef
	if paymentRef == "" {
		paymentRef = order.GatewayOrderRef
	}

	return s.gateway.Refund(ctx, gateway.RefundRequest{
		PaymentRef:     paymentRef,
		AmountMinor:    refund.AmountMinor,
		IdempotencyKey: "refund-" + refund.ID.String(),
		Metadata: map[string]string{
			gateway.MetaOrderID: order.ID.String(),
			"refund_id":         refund.ID.String(),
		},
	})
}

// settle completes the refund record, credits the order and, on a full
// refund, cancels the order's tickets in one transaction.
func (s *Service) settle(ctx context.Context, refundID, orderID uuid.UUID, amount int64, ref string) (*RefundResult, error) {
	var out RefundResult

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		now := s.cfg.Now()

		refund, err := s.store.FinishRefund(ctx, refundID, domain.RefundCompleted, ref, now)
		if err != nil {
			return err
		}

		order, err := s.store.ApplyRefund(ctx, orderID, amount, now)
		if err != nil {
			return err
		}

		var cancelled int64
		if order.Status == domain.OrderRefunded {
			cancelled, err = s.store.TransitionTickets(ctx, orderID,
				[]domain.TicketStatus{domain.TicketIssued, domain.TicketPending}, domain.TicketCancelled)
			if err != nil {
				return err
			}
		}

		out = RefundResult{Refund: *refund, Order: *order, TicketsCancelled: cancelled}

		after(func(ctx context.Context) {
			metrics.Refund(string(domain.RefundCompleted))
			metrics.OrderTransition(string(order.Status))
			if cancelled > 0 {
				s.changed(ctx, order.EventID)
			}

			s.notify(ctx, notify.Message{
				Template:  notify.TemplateRefund,
				Recipient: order.Attendee.Email,
				ScopeID:   order.ID,
				Context: map[string]any{
					"order_number": order.Number,
					"amount_minor": amount,
					"currency":     order.Currency,
					"full":         order.Status == domain.OrderRefunded,
				},
				At: now,
			})
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// ListRefunds returns every refund attempt for an order, oldest first.
func (s *Service) ListRefunds(ctx context.Context, orderID uuid.UUID) ([]domain.Refund, error) {
	const op = "service.settlement.ListRefunds"

	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}

	refunds, err := s.store.ListRefunds(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return refunds, nil
}
