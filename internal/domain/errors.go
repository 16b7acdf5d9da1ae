package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidationFailed     = errors.New("validation failed")
	ErrConflictingState     = errors.New("conflicting state")
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	ErrDataIntegrity        = errors.New("data integrity violation")
	ErrUpstreamFailure      = errors.New("upstream failure")
)

// ValidationError aggregates every reason a request was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// StateConflictError is returned when an operation's status precondition
// does not hold.
type StateConflictError struct {
	Entity  string
	ID      uuid.UUID
	Current string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrConflictingState }

type UnavailableError struct {
	UnitIDs       []uuid.UUID
	TicketTypeIDs []uuid.UUID
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("inventory unavailable: units %v, ticket types %v", e.UnitIDs, e.TicketTypeIDs)
}

func (e *UnavailableError) Unwrap() error { return ErrInventoryUnavailable }

type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "data integrity: " + e.Detail
}

func (e *IntegrityError) Unwrap() error { return ErrDataIntegrity }

// UpstreamError wraps a collaborator failure (gateway, notifier).
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamFailure, e.Err} }
