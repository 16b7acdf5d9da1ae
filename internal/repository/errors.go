package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrStatusMismatch        = errors.New("status mismatch")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrRefundCeiling         = errors.New("refund exceeds ceiling")
)

// StatusMismatchError is returned by conditional transitions when the row is
// not in one of the expected statuses. Current is empty when the row is gone.
type StatusMismatchError struct {
	ID      uuid.UUID
	Current string
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("status mismatch for %s: current %q", e.ID, e.Current)
}

func (e *StatusMismatchError) Unwrap() error { return ErrStatusMismatch }

type InsufficientInventoryError struct {
	TicketTypeID uuid.UUID
	Requested    int
	Available    int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("ticket type %s: requested %d, available %d", e.TicketTypeID, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// HoldAttempt is the per-unit outcome of a conditional hold write.
type HoldAttempt struct {
	Acquired []uuid.UUID // free or expired before the write
	Renewed  []uuid.UUID // already held by the same holder
	Rejected []uuid.UUID // held by another holder
}

// Held returns every unit the holder owns after the write.
func (a HoldAttempt) Held() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(a.Acquired)+len(a.Renewed))
	out = append(out, a.Acquired...)
	return append(out, a.Renewed...)
}
