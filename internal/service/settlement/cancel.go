package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository"
	"golang.org/x/sync/errgroup"
)

// ForceCancelEvent cancels an event, refunds every paid order in full and
// cancels the tickets still issued for it. A failed refund is counted and
// does not stop the pass over the remaining orders.
//
// Parameters:
//   - ctx: request-scoped context.
//   - eventID: event to cancel.
//   - by: staff member cancelling the event.
//   - reason: recorded on the event and on every refund.
//
// Returns:
//   - *domain.CancellationSummary: orders considered, refunded and failed,
//     plus tickets cancelled after the refund pass.
//   - error: *domain.StateConflictError if the event is already cancelled.
func (s *Service) ForceCancelEvent(ctx context.Context, eventID, by uuid.UUID, reason string) (sum *domain.CancellationSummary, err error) {
	const op = "service.settlement.ForceCancelEvent"

	defer metrics.ObserveOp("force_cancel_event", time.Now(), &err)

	// Each refund bounds itself; the pass as a whole outlives the caller.
	ctx = context.WithoutCancel(ctx)

	event, err := s.store.TransitionEvent(ctx, eventID,
		[]domain.EventStatus{domain.EventDraft, domain.EventPublished, domain.EventCompleted},
		domain.EventCancelled, by, reason, s.cfg.Now())
	if err != nil {
		var mismatch *repository.StatusMismatchError
		if errors.As(err, &mismatch) {
			return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "event", ID: eventID, Current: mismatch.Current})
		}
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}

	s.log.Info("event cancelled",
		slog.String("event_id", eventID.String()),
		slog.String("by", by.String()),
	)

	orders, err := s.store.ListOrders(ctx, eventID,
		[]domain.OrderStatus{domain.OrderPaid, domain.OrderPartialRefunded})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var refunded, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.RefundConcurrency)

	for _, o := range orders {
		g.Go(func() error {
			_, err := s.ProcessRefund(ctx, RefundRequest{
				OrderID:     o.ID,
				Reason:      reason,
				RequestedBy: by,
			})
			if err != nil {
				failed.Add(1)
				s.log.Warn("event cancellation refund failed",
					slog.String("event_id", eventID.String()),
					slog.String("order_id", o.ID.String()),
					slog.Any("err", err),
				)
			} else {
				refunded.Add(1)
			}

			s.notify(ctx, notify.Message{
				Template:  notify.TemplateEventCancelled,
				Recipient: o.Attendee.Email,
				ScopeID:   o.ID,
				Context: map[string]any{
					"event_title":  event.Title,
					"order_number": o.Number,
					"reason":       reason,
					"refunded":     err == nil,
				},
				At: s.cfg.Now(),
			})

			return nil
		})
	}
	_ = g.Wait()

	cancelled, err := s.store.CancelEventTickets(ctx, eventID, []domain.TicketStatus{domain.TicketIssued})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.changed(ctx, eventID)

	sum = &domain.CancellationSummary{
		EventID:          eventID,
		OrdersConsidered: len(orders),
		OrdersRefunded:   int(refunded.Load()),
		OrdersFailed:     int(failed.Load()),
		TicketsCancelled: cancelled,
	}

	s.log.Info("event cancellation finished",
		slog.String("event_id", eventID.String()),
		slog.Int("orders", sum.OrdersConsidered),
		slog.Int("refunded", sum.OrdersRefunded),
		slog.Int("failed", sum.OrdersFailed),
		slog.Int64("tickets_cancelled", sum.TicketsCancelled),
	)

	return sum, nil
}
