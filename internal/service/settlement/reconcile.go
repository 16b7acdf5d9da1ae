package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

// refundGiveUp is how long a refund the gateway keeps refusing stays
// processing before it is marked failed and its amount released.
const refundGiveUp = 24 * time.Hour

// ReconcileRefunds finishes refunds left processing by an interrupted
// ProcessRefund. A refund with a gateway reference is credited to its order.
// One without is sent to the gateway again under the same idempotency key,
// so money already returned is not returned twice.
//
// Returns the number of refunds completed.
func (s *Service) ReconcileRefunds(ctx context.Context) (int, error) {
	const op = "service.settlement.ReconcileRefunds"

	now := s.cfg.Now()

	stale, err := s.store.ListStaleRefunds(ctx, now.Add(-s.cfg.ReconcileAfter), s.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	n := 0
	for _, r := range stale {
		log := s.log.With(
			slog.String("refund_id", r.ID.String()),
			slog.String("order_id", r.OrderID.String()),
		)

		order, err := s.store.GetOrder(ctx, r.OrderID)
		if err != nil {
			return n, fmt.Errorf("%s:%w", op, err)
		}

		ref := r.GatewayRef
		if ref == "" {
			ref, err = s.refundAtGateway(ctx, order, r)
			if err != nil {
				if now.Sub(r.CreatedAt) < refundGiveUp {
					log.Warn("refund retry failed", slog.Any("err", err))
					continue
				}
				if _, ferr := s.store.FinishRefund(ctx, r.ID, domain.RefundFailed, "", now); ferr != nil && !mismatch(ferr) {
					return n, fmt.Errorf("%s:%w", op, ferr)
				}
				log.Error("refund abandoned after repeated gateway failures", slog.Any("err", err))
				continue
			}
		}

		if _, err := s.settle(ctx, r.ID, r.OrderID, r.AmountMinor, ref); err != nil {
			if mismatch(err) {
				// Finished by the original call in the meantime.
				continue
			}
			return n, fmt.Errorf("%s:%w", op, err)
		}

		log.Info("stale refund completed", slog.String("gateway_ref", ref))
		n++
	}

	return n, nil
}

// RunReconciler calls ReconcileRefunds every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.ReconcileRefunds(ctx)
			if err != nil {
				s.log.Warn("refund reconciliation failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				s.log.Info("stale refunds completed", slog.Int("count", n))
			}
		}
	}
}

func mismatch(err error) bool {
	var m *repository.StatusMismatchError
	return errors.As(err, &m)
}
