package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
)

func (s *Store) CreateVenue(ctx context.Context, v domain.Venue) error {
	const op = "postgres.Store.CreateVenue"

	_, err := s.handle(ctx).Exec(ctx,
		`INSERT INTO venues(id, name) VALUES ($1, $2)`,
		v.ID, v.Name,
	)

	return wrapDBErr(op, err)
}

func (s *Store) CreateUnits(ctx context.Context, units []domain.SellableUnit) error {
	const op = "postgres.Store.CreateUnits"

	batch := &pgx.Batch{}
	for _, u := range units {
		var x, y *float64
		if u.Position != nil {
			x, y = &u.Position.X, &u.Position.Y
		}
		batch.Queue(
			`INSERT INTO units(id, venue_id, kind, section, label, pos_x, pos_y)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			u.ID, u.VenueID, string(u.Kind), u.Section, u.Label, x, y,
		)
	}

	return wrapDBErr(op, s.handle(ctx).SendBatch(ctx, batch).Close())
}

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	const op = "postgres.Store.CreateEvent"

	_, err := s.handle(ctx).Exec(ctx,
		`INSERT INTO events(id, venue_id, organizer_id, title, starts_at, ends_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.VenueID, e.OrganizerID, e.Title, e.StartsAt, e.EndsAt, string(e.Status),
	)

	return wrapDBErr(op, err)
}

// TransitionEvent moves an event to status `to` if it is currently in one of
// `from`. Cancellation metadata is recorded when `to` is cancelled.
func (s *Store) TransitionEvent(
	ctx context.Context,
	id uuid.UUID,
	from []domain.EventStatus,
	to domain.EventStatus,
	by uuid.UUID,
	reason string,
	at time.Time,
) (*domain.Event, error) {
	const op = "postgres.Store.TransitionEvent"

	db := s.handle(ctx)

	var cancelledAt *time.Time
	var cancelledBy *uuid.UUID
	if to == domain.EventCancelled {
		cancelledAt, cancelledBy = &at, &by
	}

	e, err := scanEvent(db.QueryRow(ctx,
		`UPDATE events
		 SET status = $3,
		     cancelled_at = COALESCE($4, cancelled_at),
		     cancelled_by = COALESCE($5, cancelled_by),
		     cancel_reason = CASE WHEN $4::timestamptz IS NULL THEN cancel_reason ELSE $6 END
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING `+eventColumns,
		id, eventStatusStrings(from), string(to), cancelledAt, cancelledBy, reason,
	))
	if err == nil {
		return e, nil
	}
	if err = wrapDBErr(op, err); !isNotFound(err) {
		return nil, err
	}

	current, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	return nil, &repository.StatusMismatchError{ID: id, Current: string(current.Status)}
}

func (s *Store) CreateTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "postgres.Store.CreateTicketType"

	eligible := t.EligibleUnitIDs
	if eligible == nil {
		eligible = []uuid.UUID{}
	}

	_, err := s.handle(ctx).Exec(ctx,
		`INSERT INTO ticket_types(
		     id, event_id, name, base_minor, tax_rate, tax_minor, final_minor, currency,
		     initial_quantity, remaining_quantity, sales_start, sales_end,
		     max_per_order, max_per_user_per_event, category, eligible_unit_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.EventID, t.Name,
		t.Price.BaseMinor, t.Price.TaxRate, t.Price.TaxMinor, t.Price.FinalMinor, t.Price.Currency,
		t.InitialQuantity, t.RemainingQuantity, t.SalesStart, t.SalesEnd,
		t.MaxPerOrder, t.MaxPerUserPerEvent, string(t.Category), eligible,
	)

	return wrapDBErr(op, err)
}

func eventStatusStrings(in []domain.EventStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
