package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

type holdKey struct {
	event uuid.UUID
	unit  uuid.UUID
}

// HoldStore keeps unit holds in process memory. It is only correct for a
// single instance; multi-instance deployments use the Redis implementation.
type HoldStore struct {
	mu    sync.Mutex
	holds map[holdKey]domain.Hold
}

func NewHoldStore() *HoldStore {
	return &HoldStore{holds: make(map[holdKey]domain.Hold)}
}

// Acquire writes a hold for every unit that is free, expired or already held
// by holderID. The check and the write happen under one lock.
func (s *HoldStore) Acquire(
	_ context.Context,
	eventID, holderID uuid.UUID,
	unitIDs []uuid.UUID,
	now, expiresAt time.Time,
) (repository.HoldAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res repository.HoldAttempt
	for _, unitID := range unitIDs {
		k := holdKey{eventID, unitID}

		cur, ok := s.holds[k]
		switch {
		case !ok || cur.Expired(now):
			res.Acquired = append(res.Acquired, unitID)
		case cur.HolderID == holderID:
			res.Renewed = append(res.Renewed, unitID)
		default:
			res.Rejected = append(res.Rejected, unitID)
			continue
		}

		s.holds[k] = domain.Hold{EventID: eventID, UnitID: unitID, HolderID: holderID, ExpiresAt: expiresAt}
	}

	return res, nil
}

// Release drops holds on the given units. A non-nil holderID restricts the
// removal to holds owned by that holder.
func (s *HoldStore) Release(_ context.Context, eventID uuid.UUID, holderID *uuid.UUID, unitIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, unitID := range unitIDs {
		k := holdKey{eventID, unitID}

		cur, ok := s.holds[k]
		if !ok || (holderID != nil && cur.HolderID != *holderID) {
			continue
		}
		delete(s.holds, k)
		n++
	}

	return n, nil
}

func (s *HoldStore) List(_ context.Context, eventID uuid.UUID, now time.Time) ([]domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Hold
	for k, h := range s.holds {
		if k.event == eventID && !h.Expired(now) {
			out = append(out, h)
		}
	}

	return out, nil
}

// Get returns the live hold on a unit, or nil.
func (s *HoldStore) Get(_ context.Context, eventID, unitID uuid.UUID, now time.Time) (*domain.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdKey{eventID, unitID}]
	if !ok || h.Expired(now) {
		return nil, nil
	}

	return &h, nil
}

// Sweep removes holds that are expired at now.
func (s *HoldStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, h := range s.holds {
		if h.Expired(now) {
			delete(s.holds, k)
			n++
		}
	}

	return n, nil
}
