package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/kirinyoku/tixledger/internal/uow"
)

// PaymentProof is what a buyer's client submits after paying.
type PaymentProof struct {
	PaymentRef string
	Proof      string
}

// ConfirmOrder marks a pending gateway order paid, issues its tickets and
// consumes inventory. The proof must be accepted by the gateway. Cash orders
// go through ConfirmCashOrder.
//
// Parameters:
//   - ctx: request-scoped context.
//   - orderID: order to confirm.
//   - proof: payment evidence.
//
// Returns:
//   - *domain.OrderWithTickets: the paid order and its issued tickets.
//   - error: *domain.StateConflictError if the order is no longer pending.
//     Callers should treat it as already confirmed.
//   - error: *domain.IntegrityError if the order has no tickets.
//   - error: *domain.UnavailableError if a unit was sold to someone else or
//     the ticket type ran out. The captured payment is then refunded and the
//     order fails.
func (s *Service) ConfirmOrder(ctx context.Context, orderID uuid.UUID, proof *PaymentProof) (res *domain.OrderWithTickets, err error) {
	const op = "service.orders.ConfirmOrder"

	defer metrics.ObserveOp("confirm_order", time.Now(), &err)

	order, err := s.pendingOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if order.PaymentMethod != domain.PaymentGateway {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"cash orders are confirmed by staff"}})
	}
	if proof == nil || s.gateway == nil {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"payment proof is required"}})
	}

	ok, err := s.gateway.VerifyProof(ctx, order.GatewayOrderRef, proof.PaymentRef, proof.Proof)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, &domain.UpstreamError{Service: "payment gateway", Err: err})
	}
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"payment could not be verified"}})
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	pay := domain.PaymentConfirmation{
		PaymentRef: proof.PaymentRef,
		Signature:  proof.Proof,
		PaidAt:     s.cfg.Now(),
	}
	if pay.PaymentRef == "" {
		pay.PaymentRef = order.GatewayOrderRef
	}

	res, err = s.confirm(ctx, orderID, pay)
	if err != nil {
		if unfulfillable(err) {
			if rerr := s.reverseCapture(ctx, order, pay.PaymentRef, err); rerr != nil {
				return nil, fmt.Errorf("%s:%w", op, rerr)
			}
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

// ConfirmCashOrder is ConfirmOrder for orders paid at the box office. staffID
// is the staff member who took the money.
func (s *Service) ConfirmCashOrder(ctx context.Context, orderID, staffID uuid.UUID) (res *domain.OrderWithTickets, err error) {
	const op = "service.orders.ConfirmCashOrder"

	defer metrics.ObserveOp("confirm_order", time.Now(), &err)

	order, err := s.pendingOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if order.PaymentMethod != domain.PaymentCash {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"order is paid through the gateway"}})
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	res, err = s.confirm(ctx, orderID, domain.PaymentConfirmation{PaidAt: s.cfg.Now()})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("cash payment taken",
		slog.String("order_id", orderID.String()),
		slog.String("staff_id", staffID.String()),
	)

	return res, nil
}

func (s *Service) pendingOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err)
	}
	if order.Status != domain.OrderPending {
		return nil, &domain.StateConflictError{Entity: "order", ID: orderID, Current: string(order.Status)}
	}
	return order, nil
}

// confirm runs the paid transition, issuance and inventory decrement as one
// transaction. The conditional pending->paid update makes a second
// concurrent confirmation fail with a state conflict and change nothing.
func (s *Service) confirm(ctx context.Context, orderID uuid.UUID, pay domain.PaymentConfirmation) (*domain.OrderWithTickets, error) {
	var out domain.OrderWithTickets

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		order, err := s.store.TransitionOrder(ctx, orderID,
			[]domain.OrderStatus{domain.OrderPending}, domain.OrderPaid, &pay, pay.PaidAt)
		if err != nil {
			return orderConflict(orderID, notFound(err))
		}

		event, err := s.store.GetEvent(ctx, order.EventID)
		if err != nil {
			return err
		}
		if event.Status == domain.EventCancelled {
			return &domain.StateConflictError{Entity: "event", ID: event.ID, Current: string(event.Status)}
		}

		tickets, err := s.store.ListTickets(ctx, orderID)
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			s.log.Error("order confirmed with no tickets",
				slog.String("order_id", orderID.String()),
				slog.String("number", order.Number),
			)
			return &domain.IntegrityError{Detail: fmt.Sprintf("order %s has no tickets", order.Number)}
		}

		perType := map[uuid.UUID]int{}
		for i := range tickets {
			if tickets[i].Status != domain.TicketPending {
				continue
			}
			perType[tickets[i].TicketTypeID]++
			tickets[i].Status = domain.TicketIssued
		}

		if _, err := s.store.TransitionTickets(ctx, orderID,
			[]domain.TicketStatus{domain.TicketPending}, domain.TicketIssued); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return &domain.UnavailableError{UnitIDs: ticketUnits(tickets)}
			}
			return err
		}

		typeIDs := make([]uuid.UUID, 0, len(perType))
		for id := range perType {
			typeIDs = append(typeIDs, id)
		}
		sort.Slice(typeIDs, func(i, j int) bool { return typeIDs[i].String() < typeIDs[j].String() })

		for _, id := range typeIDs {
			if err := s.store.DecrementRemaining(ctx, id, perType[id]); err != nil {
				if errors.Is(err, repository.ErrInsufficientInventory) {
					return &domain.UnavailableError{TicketTypeIDs: []uuid.UUID{id}}
				}
				return err
			}
		}

		out = domain.OrderWithTickets{Order: *order, Tickets: tickets}

		after(func(ctx context.Context) {
			if err := s.holds.Confirm(ctx, order.EventID, ticketUnits(tickets)); err != nil {
				s.log.Warn("hold confirm failed", slog.String("order_id", orderID.String()), slog.Any("err", err))
			}

			metrics.OrderTransition(string(domain.OrderPaid))
			s.changed(ctx, order.EventID)

			s.notify(ctx, notify.Message{
				Template:  notify.TemplateTicketsIssued,
				Recipient: order.Attendee.Email,
				ScopeID:   order.ID,
				Context: map[string]any{
					"order_number": order.Number,
					"tickets":      len(tickets),
				},
				At: pay.PaidAt,
			})
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order confirmed",
		slog.String("order_id", orderID.String()),
		slog.Int("tickets", len(out.Tickets)),
	)

	return &out, nil
}

// HandleGatewayEvent applies a verified gateway notification. Delivery is
// at-least-once, so an order that already left pending is not an error.
func (s *Service) HandleGatewayEvent(ctx context.Context, evt gateway.Event) error {
	const op = "service.orders.HandleGatewayEvent"

	if evt.Kind == gateway.EventIgnored {
		return nil
	}

	order, err := s.store.GetOrder(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("gateway event for unknown order", slog.String("order_id", evt.OrderID.String()))
			return nil
		}
		return fmt.Errorf("%s:%w", op, err)
	}
	if order.GatewayOrderRef != evt.IntentRef {
		s.log.Warn("gateway event intent mismatch",
			slog.String("order_id", order.ID.String()),
			slog.String("intent", evt.IntentRef),
		)
		return nil
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	switch evt.Kind {
	case gateway.EventPaymentSucceeded:
		err = s.paymentSucceeded(ctx, order, evt)
	case gateway.EventPaymentFailed:
		err = s.FailOrder(ctx, order.ID)
	}

	if orderSettled(err) {
		s.log.Info("gateway event already applied",
			slog.String("order_id", order.ID.String()),
			slog.String("kind", string(evt.Kind)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// paymentSucceeded confirms the order the payment was for. Money captured for
// an order that can no longer be fulfilled is returned to the buyer.
func (s *Service) paymentSucceeded(ctx context.Context, order *domain.Order, evt gateway.Event) error {
	switch order.Status {
	case domain.OrderFailed, domain.OrderCancelled:
		// The order was given up before the payment landed, or an earlier
		// delivery already failed it and the refund did not go through.
		return s.refundCapture(ctx, order, evt.PaymentRef)
	}

	_, err := s.confirm(ctx, order.ID, domain.PaymentConfirmation{
		PaymentRef: evt.PaymentRef,
		Signature:  evt.ID,
		PaidAt:     s.cfg.Now(),
	})
	if unfulfillable(err) {
		return s.reverseCapture(ctx, order, evt.PaymentRef, err)
	}

	return err
}

// reverseCapture fails a pending order whose payment was captured but which
// cannot be confirmed, then refunds the payment in full.
func (s *Service) reverseCapture(ctx context.Context, order *domain.Order, paymentRef string, cause error) error {
	s.log.Warn("captured payment cannot be honoured",
		slog.String("order_id", order.ID.String()),
		slog.Any("cause", cause),
	)

	failed, err := s.abandon(ctx, order.ID, domain.OrderFailed)
	if err != nil {
		if orderSettled(err) {
			return nil
		}
		return err
	}

	return s.refundCapture(ctx, failed, paymentRef)
}

// refundCapture returns the full amount of an unfulfilled gateway payment.
// The idempotency key is derived from the order, so repeated calls refund
// once.
func (s *Service) refundCapture(ctx context.Context, order *domain.Order, paymentRef string) error {
	if s.gateway == nil || order.PaymentMethod != domain.PaymentGateway {
		return nil
	}
	if paymentRef == "" {
		paymentRef = order.GatewayOrderRef
	}

	ref, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		PaymentRef:     paymentRef,
		AmountMinor:    order.TotalMinor,
		IdempotencyKey: "reversal-" + order.ID.String(),
		Metadata: map[string]string{
			gateway.MetaOrderID: order.ID.String(),
		},
	})
	if err != nil {
		s.log.Error("captured payment refund failed",
			slog.String("order_id", order.ID.String()),
			slog.Any("err", err),
		)
		return &domain.UpstreamError{Service: "payment gateway", Err: err}
	}

	metrics.Refund("reversed")
	s.log.Info("captured payment refunded",
		slog.String("order_id", order.ID.String()),
		slog.String("gateway_ref", ref),
	)

	s.notify(ctx, notify.Message{
		Template:  notify.TemplatePaymentReversed,
		Recipient: order.Attendee.Email,
		ScopeID:   order.ID,
		Context: map[string]any{
			"order_number": order.Number,
			"amount_minor": order.TotalMinor,
			"currency":     order.Currency,
		},
		At: s.cfg.Now(),
	})

	return nil
}

// orderSettled reports whether err says the order already left pending.
// Conflicts on other entities, such as a cancelled event, do not count.
func orderSettled(err error) bool {
	var conflict *domain.StateConflictError
	return errors.As(err, &conflict) && conflict.Entity == "order"
}

// unfulfillable reports whether a confirmation failed for a reason a retry
// cannot fix.
func unfulfillable(err error) bool {
	if err == nil || orderSettled(err) {
		return false
	}
	return errors.Is(err, domain.ErrConflictingState) ||
		errors.Is(err, domain.ErrInventoryUnavailable) ||
		errors.Is(err, domain.ErrDataIntegrity)
}
