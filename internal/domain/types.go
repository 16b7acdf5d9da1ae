package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

type UnitKind string

const (
	UnitSeat  UnitKind = "SEAT"
	UnitTable UnitKind = "TABLE"
)

type TicketCategory string

const (
	CategoryGA    TicketCategory = "GA"
	CategorySeat  TicketCategory = "SEAT"
	CategoryTable TicketCategory = "TABLE"
)

type Venue struct {
	ID   uuid.UUID
	Name string
}

type Event struct {
	ID           uuid.UUID
	VenueID      uuid.UUID
	OrganizerID  uuid.UUID
	Title        string
	StartsAt     time.Time
	EndsAt       time.Time
	Status       EventStatus
	CancelledAt  *time.Time
	CancelledBy  *uuid.UUID
	CancelReason string
}

// Sellable reports whether new orders may be placed for the event.
func (e Event) Sellable() bool {
	return e.Status == EventPublished
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SellableUnit is a seat or a table. Its sold state is derived from tickets.
type SellableUnit struct {
	ID       uuid.UUID
	VenueID  uuid.UUID
	Kind     UnitKind
	Section  string
	Label    string
	Position *Position
}

type Attendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Hold is a time-bounded soft lock on one unit for one event.
type Hold struct {
	EventID   uuid.UUID `json:"event_id"`
	UnitID    uuid.UUID `json:"unit_id"`
	HolderID  uuid.UUID `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h Hold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

type HoldResult struct {
	Held     []uuid.UUID `json:"held"`
	Rejected []uuid.UUID `json:"rejected"`
}

// Complete reports whether every requested unit was held.
func (r HoldResult) Complete() bool {
	return len(r.Rejected) == 0
}

type TicketTypeAvailability struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	Name         string    `json:"name"`
	Initial      int       `json:"initial"`
	Remaining    int       `json:"remaining"`
	Pending      int       `json:"pending"`
}

type EventAvailability struct {
	EventID     uuid.UUID                `json:"event_id"`
	TicketTypes []TicketTypeAvailability `json:"ticket_types"`
	SoldUnits   []uuid.UUID              `json:"sold_units"`
	HeldUnits   []uuid.UUID              `json:"held_units"`
}

type OrderWithTickets struct {
	Order   Order    `json:"order"`
	Tickets []Ticket `json:"tickets"`
}

// CancellationSummary reports the outcome of a forced event cancellation.
type CancellationSummary struct {
	EventID          uuid.UUID `json:"event_id"`
	OrdersConsidered int       `json:"orders_considered"`
	OrdersRefunded   int       `json:"orders_refunded"`
	OrdersFailed     int       `json:"orders_failed"`
	TicketsCancelled int64     `json:"tickets_cancelled"`
}
