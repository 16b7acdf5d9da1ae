package admin

import (
	"fmt"

	"github.com/kirinyoku/tixledger/internal/domain"
)

var (
	ErrVenueConflict = fmt.Errorf("venue already exists: %w", domain.ErrConflictingState)
	ErrUnitsConflict = fmt.Errorf("some units already exist: %w", domain.ErrConflictingState)
	ErrEventConflict = fmt.Errorf("event already exists: %w", domain.ErrConflictingState)
	ErrVenueNotFound = fmt.Errorf("venue: %w", domain.ErrNotFound)
)
