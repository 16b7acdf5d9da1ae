package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/uow"
)

// CancelOrder abandons a pending order on the buyer's request. A non-nil
// userID must own the order.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, userID *uuid.UUID) (*domain.Order, error) {
	const op = "service.orders.CancelOrder"

	if userID != nil {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, notFound(err))
		}
		if o.UserID != *userID {
			return nil, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
		}
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	o, err := s.abandon(ctx, orderID, domain.OrderCancelled)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.cancelIntent(ctx, o.GatewayOrderRef)

	return o, nil
}

// FailOrder records that the gateway declined payment for a pending order.
func (s *Service) FailOrder(ctx context.Context, orderID uuid.UUID) error {
	const op = "service.orders.FailOrder"

	if _, err := s.abandon(ctx, orderID, domain.OrderFailed); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// abandon moves a pending order to a terminal unpaid status, cancels its
// pending tickets and frees the buyer's holds on their units.
func (s *Service) abandon(ctx context.Context, orderID uuid.UUID, to domain.OrderStatus) (*domain.Order, error) {
	var order *domain.Order

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		o, err := s.store.TransitionOrder(ctx, orderID,
			[]domain.OrderStatus{domain.OrderPending}, to, nil, s.cfg.Now())
		if err != nil {
			return orderConflict(orderID, notFound(err))
		}

		tickets, err := s.store.ListTickets(ctx, orderID)
		if err != nil {
			return err
		}

		if _, err := s.store.TransitionTickets(ctx, orderID,
			[]domain.TicketStatus{domain.TicketPending}, domain.TicketCancelled); err != nil {
			return err
		}

		order = o

		after(func(ctx context.Context) {
			s.releaseUnits(ctx, o.EventID, o.UserID, ticketUnits(tickets))
			metrics.OrderTransition(string(to))
			s.changed(ctx, o.EventID)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order abandoned",
		slog.String("order_id", orderID.String()),
		slog.String("status", string(to)),
	)

	return order, nil
}

// ExpirePendingOrders cancels orders that stayed pending past PendingTTL.
// Orders confirmed concurrently are skipped.
func (s *Service) ExpirePendingOrders(ctx context.Context) (int, error) {
	const op = "service.orders.ExpirePendingOrders"

	stale, err := s.store.ListStalePendingOrders(ctx, s.cfg.Now().Add(-s.cfg.PendingTTL), s.cfg.ReapBatch)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	n := 0
	for _, o := range stale {
		if _, err := s.abandon(ctx, o.ID, domain.OrderCancelled); err != nil {
			if errors.Is(err, domain.ErrConflictingState) {
				continue
			}
			return n, fmt.Errorf("%s:%w", op, err)
		}
		s.cancelIntent(ctx, o.GatewayOrderRef)
		n++
	}

	return n, nil
}

// RunReaper calls ExpirePendingOrders every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.ExpirePendingOrders(ctx)
			if err != nil {
				s.log.Warn("pending order reap failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				s.log.Info("stale pending orders cancelled", slog.Int("count", n))
			}
		}
	}
}
