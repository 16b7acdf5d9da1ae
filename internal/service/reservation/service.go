package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/repository"
)

// DefaultTTL is how long a hold lives after it is taken or renewed.
const DefaultTTL = 10 * time.Minute

// HoldStore is the shared hold table. Acquire must check and write each unit
// atomically.
type HoldStore interface {
	Acquire(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID, now, expiresAt time.Time) (repository.HoldAttempt, error)
	Release(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID, unitIDs []uuid.UUID) (int, error)
	List(ctx context.Context, eventID uuid.UUID, now time.Time) ([]domain.Hold, error)
	Get(ctx context.Context, eventID, unitID uuid.UUID, now time.Time) (*domain.Hold, error)
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

type SoldUnits interface {
	SoldUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error)
}

type Limiter interface {
	Allow(ctx context.Context, subject string) (ok bool, retryAfter time.Duration, err error)
}

// Signal is told whenever the held or sold state of an event changes.
type Signal interface {
	EventChanged(ctx context.Context, eventID uuid.UUID)
}

type Config struct {
	TTL time.Duration
	Now func() time.Time
}

type Service struct {
	holds   HoldStore
	sold    SoldUnits
	limiter Limiter
	signal  Signal
	log     *slog.Logger
	cfg     Config
}

// New builds the reservation manager. limiter and signal may be nil.
func New(
	holds HoldStore,
	sold SoldUnits,
	limiter Limiter,
	signal Signal,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		holds:   holds,
		sold:    sold,
		limiter: limiter,
		signal:  signal,
		log:     log,
		cfg:     cfg,
	}
}

// Hold takes or renews holds on unitIDs for holderID. A unit is rejected when
// it is sold or held by someone else; rejection is reported in the result,
// never as an error.
//
// Parameters:
//   - ctx: request-scoped context.
//   - eventID: event the units are sold for.
//   - holderID: customer taking the hold.
//   - unitIDs: seats or tables to hold.
//
// Returns:
//   - domain.HoldResult: held and rejected units, in request order.
//   - error: *RateLimitedError if the holder is over its request budget.
//   - error: a storage error; the caller must treat every unit as rejected.
func (s *Service) Hold(
	ctx context.Context,
	eventID, holderID uuid.UUID,
	unitIDs []uuid.UUID,
) (domain.HoldResult, error) {
	const op = "service.reservation.Hold"

	unitIDs = dedupe(unitIDs)
	if len(unitIDs) == 0 {
		return domain.HoldResult{}, nil
	}

	if s.limiter != nil {
		ok, retry, err := s.limiter.Allow(ctx, holderID.String())
		if err != nil {
			// Fail open.
			s.log.Warn("rate limiter unavailable", slog.Any("err", err))
		} else if !ok {
			return domain.HoldResult{}, fmt.Errorf("%s:%w", op, &RateLimitedError{RetryAfter: retry})
		}
	}

	now := s.cfg.Now()

	attempt, err := s.holds.Acquire(ctx, eventID, holderID, unitIDs, now, now.Add(s.cfg.TTL))
	if err != nil {
		return domain.HoldResult{}, fmt.Errorf("%s:%w", op, err)
	}

	taken := attempt.Held()

	// The hold is written before the sold check, so a concurrent issuance
	// either commits first and is seen here, or finds the unit held.
	var sold []uuid.UUID
	if len(taken) > 0 {
		sold, err = s.sold.SoldUnits(ctx, eventID, taken)
		if err != nil {
			s.releaseQuietly(ctx, eventID, holderID, attempt.Acquired)
			return domain.HoldResult{}, fmt.Errorf("%s:%w", op, err)
		}
	}
	if len(sold) > 0 {
		s.releaseQuietly(ctx, eventID, holderID, sold)
	}

	res := partition(unitIDs, taken, sold)

	metrics.HoldUnits(len(res.Held), len(res.Rejected))
	if len(res.Held) > 0 {
		s.changed(ctx, eventID)
	}

	return res, nil
}

// Release drops the holds on unitIDs whoever owns them. Releasing a unit
// that is not held is not an error.
func (s *Service) Release(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) error {
	const op = "service.reservation.Release"

	if err := s.release(ctx, eventID, nil, unitIDs); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ReleaseFor drops only the holds on unitIDs that holderID owns.
func (s *Service) ReleaseFor(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID) error {
	const op = "service.reservation.ReleaseFor"

	if err := s.release(ctx, eventID, &holderID, unitIDs); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Confirm clears holds on units that are now backed by issued tickets.
func (s *Service) Confirm(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) error {
	const op = "service.reservation.Confirm"

	if err := s.release(ctx, eventID, nil, unitIDs); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (s *Service) release(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID, unitIDs []uuid.UUID) error {
	unitIDs = dedupe(unitIDs)
	if len(unitIDs) == 0 {
		return nil
	}

	n, err := s.holds.Release(ctx, eventID, holderID, unitIDs)
	if err != nil {
		return err
	}
	if n > 0 {
		s.changed(ctx, eventID)
	}

	return nil
}

// ListHeld returns the units with a live hold, optionally only those owned
// by holderID.
func (s *Service) ListHeld(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID) ([]uuid.UUID, error) {
	const op = "service.reservation.ListHeld"

	holds, err := s.holds.List(ctx, eventID, s.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	out := make([]uuid.UUID, 0, len(holds))
	for _, h := range holds {
		if holderID == nil || h.HolderID == *holderID {
			out = append(out, h.UnitID)
		}
	}

	return out, nil
}

// IsHeld reports whether someone other than holderID has a live hold on the
// unit. With a nil holderID any live hold counts.
func (s *Service) IsHeld(ctx context.Context, eventID, unitID uuid.UUID, holderID *uuid.UUID) (bool, error) {
	const op = "service.reservation.IsHeld"

	h, err := s.holds.Get(ctx, eventID, unitID, s.cfg.Now())
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}
	if h == nil {
		return false, nil
	}

	return holderID == nil || h.HolderID != *holderID, nil
}

// Sweep removes holds that have expired. Reads already ignore expired holds,
// so a missed sweep only costs memory.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	const op = "service.reservation.Sweep"

	n, err := s.holds.Sweep(ctx, s.cfg.Now())
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	metrics.HoldsSwept(n)

	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Warn("hold sweep failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				s.log.Debug("expired holds swept", slog.Int64("count", n))
			}
		}
	}
}

func (s *Service) releaseQuietly(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID) {
	if len(unitIDs) == 0 {
		return
	}
	if _, err := s.holds.Release(ctx, eventID, &holderID, unitIDs); err != nil {
		s.log.Warn("hold release failed",
			slog.String("event_id", eventID.String()),
			slog.Int("units", len(unitIDs)),
			slog.Any("err", err),
		)
	}
}

func (s *Service) changed(ctx context.Context, eventID uuid.UUID) {
	if s.signal != nil {
		s.signal.EventChanged(ctx, eventID)
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// partition splits requested into held and rejected, keeping request order.
func partition(requested, taken, sold []uuid.UUID) domain.HoldResult {
	ok := make(map[uuid.UUID]bool, len(taken))
	for _, id := range taken {
		ok[id] = true
	}
	for _, id := range sold {
		ok[id] = false
	}

	res := domain.HoldResult{
		Held:     []uuid.UUID{},
		Rejected: []uuid.UUID{},
	}
	for _, id := range requested {
		if ok[id] {
			res.Held = append(res.Held, id)
		} else {
			res.Rejected = append(res.Rejected, id)
		}
	}

	return res
}
