package httpgin

import (
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/shopspring/decimal"
)

type UnitsRequest struct {
	UnitIDs []uuid.UUID `json:"unit_ids" binding:"required,min=1"`
}

type HeldUnitsResponse struct {
	UnitIDs []uuid.UUID `json:"unit_ids"`
}

type IsHeldResponse struct {
	UnitID uuid.UUID `json:"unit_id"`
	Held   bool      `json:"held"`
}

type AttendeeInput struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
	Phone string `json:"phone"`
}

type LineInput struct {
	TicketTypeID uuid.UUID   `json:"ticket_type_id" binding:"required"`
	Quantity     int         `json:"quantity" binding:"required,gt=0"`
	UnitIDs      []uuid.UUID `json:"unit_ids"`
}

type CreateOrderRequest struct {
	Attendee      AttendeeInput `json:"attendee" binding:"required"`
	PaymentMethod string        `json:"payment_method" binding:"required,oneof=gateway cash"`
	Lines         []LineInput   `json:"lines" binding:"required,min=1,dive"`
}

type ConfirmOrderRequest struct {
	PaymentRef string `json:"payment_ref"`
	Proof      string `json:"proof"`
}

type RefundRequest struct {
	AmountMinor *int64 `json:"amount_minor"`
	Reason      string `json:"reason" binding:"required"`
}

type CancelEventRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type CreateVenueRequest struct {
	Name string `json:"name" binding:"required"`
}

type UnitInput struct {
	Kind    string   `json:"kind" binding:"required,oneof=SEAT TABLE"`
	Section string   `json:"section"`
	Label   string   `json:"label" binding:"required"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
}

type CreateUnitsRequest struct {
	Units []UnitInput `json:"units" binding:"required,min=1,dive"`
}

type CreateEventRequest struct {
	VenueID  uuid.UUID `json:"venue_id" binding:"required"`
	Title    string    `json:"title" binding:"required"`
	StartsAt string    `json:"starts_at" binding:"required"`
	EndsAt   string    `json:"ends_at" binding:"required"`
}

type CreateTicketTypeRequest struct {
	Name               string      `json:"name" binding:"required"`
	BaseMinor          int64       `json:"base_amount_minor" binding:"gte=0"`
	TaxRate            string      `json:"tax_rate"`
	Currency           string      `json:"currency" binding:"required,len=3"`
	Quantity           int         `json:"quantity" binding:"gte=0"`
	SalesStart         string      `json:"sales_start" binding:"required"`
	SalesEnd           string      `json:"sales_end" binding:"required"`
	MaxPerOrder        int         `json:"max_per_order" binding:"required,gt=0"`
	MaxPerUserPerEvent int         `json:"max_per_user_per_event"`
	Category           string      `json:"category"`
	EligibleUnitIDs    []uuid.UUID `json:"eligible_unit_ids"`
}

type ErrorResponse struct {
	Error         string      `json:"error"`
	Reasons       []string    `json:"reasons,omitempty"`
	Current       string      `json:"current_status,omitempty"`
	UnitIDs       []uuid.UUID `json:"unit_ids,omitempty"`
	TicketTypeIDs []uuid.UUID `json:"ticket_type_ids,omitempty"`
}

type VenueResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type UnitResponse struct {
	ID       uuid.UUID        `json:"id"`
	VenueID  uuid.UUID        `json:"venue_id"`
	Kind     domain.UnitKind  `json:"kind"`
	Section  string           `json:"section"`
	Label    string           `json:"label"`
	Position *domain.Position `json:"position,omitempty"`
}

type EventResponse struct {
	ID           uuid.UUID          `json:"id"`
	VenueID      uuid.UUID          `json:"venue_id"`
	Title        string             `json:"title"`
	StartsAt     time.Time          `json:"starts_at"`
	EndsAt       time.Time          `json:"ends_at"`
	Status       domain.EventStatus `json:"status"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason string             `json:"cancel_reason,omitempty"`
}

type TicketTypeResponse struct {
	ID                 uuid.UUID             `json:"id"`
	EventID            uuid.UUID             `json:"event_id"`
	Name               string                `json:"name"`
	Price              domain.Price          `json:"price"`
	InitialQuantity    int                   `json:"initial_quantity"`
	RemainingQuantity  int                   `json:"remaining_quantity"`
	SalesStart         time.Time             `json:"sales_start"`
	SalesEnd           time.Time             `json:"sales_end"`
	MaxPerOrder        int                   `json:"max_per_order"`
	MaxPerUserPerEvent int                   `json:"max_per_user_per_event"`
	Category           domain.TicketCategory `json:"category"`
	EligibleUnitIDs    []uuid.UUID           `json:"eligible_unit_ids,omitempty"`
}

func toVenue(v domain.Venue) VenueResponse {
	return VenueResponse{ID: v.ID, Name: v.Name}
}

func toUnits(units []domain.SellableUnit) []UnitResponse {
	out := make([]UnitResponse, 0, len(units))
	for _, u := range units {
		out = append(out, UnitResponse{
			ID:       u.ID,
			VenueID:  u.VenueID,
			Kind:     u.Kind,
			Section:  u.Section,
			Label:    u.Label,
			Position: u.Position,
		})
	}
	return out
}

func toEvent(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		VenueID:      e.VenueID,
		Title:        e.Title,
		StartsAt:     e.StartsAt,
		EndsAt:       e.EndsAt,
		Status:       e.Status,
		CancelledAt:  e.CancelledAt,
		CancelReason: e.CancelReason,
	}
}

func toTicketType(t domain.TicketType) TicketTypeResponse {
	return TicketTypeResponse{
		ID:                 t.ID,
		EventID:            t.EventID,
		Name:               t.Name,
		Price:              t.Price,
		InitialQuantity:    t.InitialQuantity,
		RemainingQuantity:  t.RemainingQuantity,
		SalesStart:         t.SalesStart,
		SalesEnd:           t.SalesEnd,
		MaxPerOrder:        t.MaxPerOrder,
		MaxPerUserPerEvent: t.MaxPerUserPerEvent,
		Category:           t.Category,
		EligibleUnitIDs:    t.EligibleUnitIDs,
	}
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTaxRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
