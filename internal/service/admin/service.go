package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/kirinyoku/tixledger/internal/uow"
)

// Store is the organizer-facing part of the ledger.
type Store interface {
	uow.Transactor

	CreateVenue(ctx context.Context, v domain.Venue) error
	CreateUnits(ctx context.Context, units []domain.SellableUnit) error
	ListUnits(ctx context.Context, ids []uuid.UUID) ([]domain.SellableUnit, error)
	CreateEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	TransitionEvent(ctx context.Context, id uuid.UUID, from []domain.EventStatus, to domain.EventStatus, by uuid.UUID, reason string, at time.Time) (*domain.Event, error)
	CreateTicketType(ctx context.Context, t domain.TicketType) error
}

type Signal interface {
	EventChanged(ctx context.Context, eventID uuid.UUID)
}

type Service struct {
	store  Store
	signal Signal
	uow    *uow.UoW
	log    *slog.Logger
	now    func() time.Time
}

// New builds the organizer tooling. signal may be nil.
func New(store Store, signal Signal, log *slog.Logger) *Service {
	return &Service{
		store:  store,
		signal: signal,
		uow:    uow.NewUoW(store),
		log:    log,
		now:    time.Now,
	}
}

// CreateVenue creates a venue record.
//
// Parameters:
//   - ctx: request-scoped context.
//   - name: venue name, unique across venues.
//
// Returns:
//   - domain.Venue: the created venue.
//   - error: admin.ErrVenueConflict if a venue with the same name already exists.
func (s *Service) CreateVenue(ctx context.Context, name string) (domain.Venue, error) {
	const op = "service.admin.CreateVenue"

	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Venue{}, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: []string{"name is required"}})
	}

	v := domain.Venue{ID: uuid.New(), Name: name}
	if err := s.store.CreateVenue(ctx, v); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.Venue{}, fmt.Errorf("%s:%w", op, ErrVenueConflict)
		}
		return domain.Venue{}, fmt.Errorf("%s:%w", op, err)
	}

	return v, nil
}

type UnitParams struct {
	Kind     domain.UnitKind
	Section  string
	Label    string
	Position *domain.Position
}

// CreateUnits adds seats and tables to a venue in one transaction.
//
// Returns:
//   - []domain.SellableUnit: the created units, in request order.
//   - error: admin.ErrVenueNotFound if the venue does not exist.
//   - error: admin.ErrUnitsConflict if a unit label is already taken.
func (s *Service) CreateUnits(ctx context.Context, venueID uuid.UUID, params []UnitParams) ([]domain.SellableUnit, error) {
	const op = "service.admin.CreateUnits"

	var reasons []string
	units := make([]domain.SellableUnit, 0, len(params))

	if len(params) == 0 {
		reasons = append(reasons, "at least one unit is required")
	}
	for i, p := range params {
		if p.Kind != domain.UnitSeat && p.Kind != domain.UnitTable {
			reasons = append(reasons, fmt.Sprintf("unit %d: unknown kind %q", i, p.Kind))
		}
		if strings.TrimSpace(p.Label) == "" {
			reasons = append(reasons, fmt.Sprintf("unit %d: label is required", i))
		}
		units = append(units, domain.SellableUnit{
			ID:       uuid.New(),
			VenueID:  venueID,
			Kind:     p.Kind,
			Section:  strings.TrimSpace(p.Section),
			Label:    strings.TrimSpace(p.Label),
			Position: p.Position,
		})
	}
	if len(reasons) > 0 {
		return nil, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: reasons})
	}

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		return s.store.CreateUnits(ctx, units)
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("%s:%w", op, ErrVenueNotFound)
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%s:%w", op, ErrUnitsConflict)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return units, nil
}

type EventParams struct {
	VenueID     uuid.UUID
	OrganizerID uuid.UUID
	Title       string
	StartsAt    time.Time
	EndsAt      time.Time
}

// CreateEvent creates a draft event. Drafts cannot be sold until published.
func (s *Service) CreateEvent(ctx context.Context, p EventParams) (domain.Event, error) {
	const op = "service.admin.CreateEvent"

	var reasons []string
	if strings.TrimSpace(p.Title) == "" {
		reasons = append(reasons, "title is required")
	}
	if !p.EndsAt.After(p.StartsAt) {
		reasons = append(reasons, "event must end after it starts")
	}
	if len(reasons) > 0 {
		return domain.Event{}, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: reasons})
	}

	e := domain.Event{
		ID:          uuid.New(),
		VenueID:     p.VenueID,
		OrganizerID: p.OrganizerID,
		Title:       strings.TrimSpace(p.Title),
		StartsAt:    p.StartsAt,
		EndsAt:      p.EndsAt,
		Status:      domain.EventDraft,
	}

	if err := s.store.CreateEvent(ctx, e); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return domain.Event{}, fmt.Errorf("%s:%w", op, ErrVenueNotFound)
		case errors.Is(err, repository.ErrConflict):
			return domain.Event{}, fmt.Errorf("%s:%w", op, ErrEventConflict)
		}
		return domain.Event{}, fmt.Errorf("%s:%w", op, err)
	}

	return e, nil
}

// PublishEvent opens a draft event for sale.
func (s *Service) PublishEvent(ctx context.Context, id, by uuid.UUID) (*domain.Event, error) {
	const op = "service.admin.PublishEvent"

	e, err := s.store.TransitionEvent(ctx, id,
		[]domain.EventStatus{domain.EventDraft}, domain.EventPublished, by, "", s.now())
	if err != nil {
		var mismatch *repository.StatusMismatchError
		if errors.As(err, &mismatch) {
			return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "event", ID: id, Current: mismatch.Current})
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("event published", slog.String("event_id", id.String()))
	s.changed(ctx, id)

	return e, nil
}

// CreateTicketType adds a ticket type to an event that is not cancelled.
// Unit-addressed types may only list units of the event's venue and of the
// matching kind.
func (s *Service) CreateTicketType(ctx context.Context, p domain.TicketTypeParams) (domain.TicketType, error) {
	const op = "service.admin.CreateTicketType"

	tt, err := domain.NewTicketType(p)
	if err != nil {
		return domain.TicketType{}, fmt.Errorf("%s:%w", op, err)
	}

	event, err := s.store.GetEvent(ctx, p.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TicketType{}, fmt.Errorf("%s:%w", op, domain.ErrNotFound)
		}
		return domain.TicketType{}, fmt.Errorf("%s:%w", op, err)
	}
	if event.Status == domain.EventCancelled {
		return domain.TicketType{}, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "event", ID: event.ID, Current: string(event.Status)})
	}

	if len(tt.EligibleUnitIDs) > 0 {
		units, err := s.store.ListUnits(ctx, tt.EligibleUnitIDs)
		if err != nil {
			return domain.TicketType{}, fmt.Errorf("%s:%w", op, err)
		}
		if reasons := checkUnits(tt, event.VenueID, units); len(reasons) > 0 {
			return domain.TicketType{}, fmt.Errorf("%s:%w", op, &domain.ValidationError{Reasons: reasons})
		}
	}

	if err := s.store.CreateTicketType(ctx, tt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.TicketType{}, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "ticket type", ID: tt.ID, Current: "exists"})
		}
		return domain.TicketType{}, fmt.Errorf("%s:%w", op, err)
	}

	s.changed(ctx, event.ID)

	return tt, nil
}

func checkUnits(tt domain.TicketType, venueID uuid.UUID, units []domain.SellableUnit) []string {
	var reasons []string

	found := make(map[uuid.UUID]domain.SellableUnit, len(units))
	for _, u := range units {
		found[u.ID] = u
	}

	for _, id := range tt.EligibleUnitIDs {
		u, ok := found[id]
		switch {
		case !ok || u.VenueID != venueID:
			reasons = append(reasons, fmt.Sprintf("unit %s is not part of the venue", id))
		case string(u.Kind) != string(tt.Category):
			reasons = append(reasons, fmt.Sprintf("unit %s is a %s", id, strings.ToLower(string(u.Kind))))
		}
	}

	return reasons
}

func (s *Service) changed(ctx context.Context, eventID uuid.UUID) {
	if s.signal != nil {
		s.signal.EventChanged(ctx, eventID)
	}
}
