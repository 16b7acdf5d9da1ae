package domain

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPaid            OrderStatus = "paid"
	OrderFailed          OrderStatus = "failed"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRefunded        OrderStatus = "refunded"
	OrderPartialRefunded OrderStatus = "partial_refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderPaid, OrderFailed, OrderCancelled},
	OrderPaid:            {OrderRefunded, OrderPartialRefunded},
	OrderPartialRefunded: {OrderRefunded, OrderPartialRefunded},
}

// CanTransition reports whether the order state machine allows s -> to.
// partial_refunded may be re-entered by a further partial refund.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Refundable reports whether money can still be returned for an order in s.
func (s OrderStatus) Refundable() bool {
	return s == OrderPaid || s == OrderPartialRefunded
}

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketIssued    TicketStatus = "issued"
	TicketCheckedIn TicketStatus = "checked_in"
	TicketCancelled TicketStatus = "cancelled"
)

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketPending: {TicketIssued, TicketCancelled},
	TicketIssued:  {TicketCheckedIn, TicketCancelled},
}

func (s TicketStatus) CanTransition(to TicketStatus) bool {
	for _, next := range ticketTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Sold reports whether a ticket in s makes its unit unavailable for good.
func (s TicketStatus) Sold() bool {
	return s == TicketIssued || s == TicketCheckedIn
}

type PaymentMethod string

const (
	PaymentGateway PaymentMethod = "gateway"
	PaymentCash    PaymentMethod = "cash"
)

type Order struct {
	ID                uuid.UUID     `json:"id"`
	Number            string        `json:"number"`
	UserID            uuid.UUID     `json:"user_id"`
	EventID           uuid.UUID     `json:"event_id"`
	Status            OrderStatus   `json:"status"`
	TotalMinor        int64         `json:"total_amount_minor"`
	BaseMinor         int64         `json:"base_amount_minor"`
	TaxMinor          int64         `json:"tax_amount_minor"`
	RefundedMinor     int64         `json:"refunded_amount_minor"`
	Currency          string        `json:"currency"`
	Attendee          Attendee      `json:"attendee"`
	PaymentMethod     PaymentMethod `json:"payment_method"`
	GatewayOrderRef   string        `json:"gateway_order_ref,omitempty"`
	GatewayPaymentRef string        `json:"gateway_payment_ref,omitempty"`
	GatewaySignature  string        `json:"-"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// RefundCeiling is the amount that can still be refunded.
func (o Order) RefundCeiling() int64 {
	return o.TotalMinor - o.RefundedMinor
}

type Ticket struct {
	ID           uuid.UUID    `json:"id"`
	OrderID      uuid.UUID    `json:"order_id"`
	EventID      uuid.UUID    `json:"event_id"`
	TicketTypeID uuid.UUID    `json:"ticket_type_id"`
	UnitID       *uuid.UUID   `json:"unit_id,omitempty"`
	Code         string       `json:"code"`
	Status       TicketStatus `json:"status"`
	CheckedInAt  *time.Time   `json:"checked_in_at,omitempty"`
	CheckedInBy  *uuid.UUID   `json:"checked_in_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type RefundStatus string

const (
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

type Refund struct {
	ID          uuid.UUID    `json:"id"`
	OrderID     uuid.UUID    `json:"order_id"`
	RequestedBy uuid.UUID    `json:"requested_by"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	Reason      string       `json:"reason"`
	Status      RefundStatus `json:"status"`
	GatewayRef  string       `json:"gateway_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PaymentConfirmation carries the gateway references recorded when an order
// is paid.
type PaymentConfirmation struct {
	PaymentRef string
	Signature  string
	PaidAt     time.Time
}

// OrderLine is one validated line of a purchase.
type OrderLine struct {
	TicketType TicketType
	Quantity   int
	UnitIDs    []uuid.UUID
}

type OrderParams struct {
	UserID        uuid.UUID
	EventID       uuid.UUID
	Attendee      Attendee
	PaymentMethod PaymentMethod
	Lines         []OrderLine
	Now           time.Time
}

// NewOrder builds a pending order and its full ticket set. Totals are the sum
// of each line's unit price times its quantity.
func NewOrder(p OrderParams) (Order, []Ticket, error) {
	if len(p.Lines) == 0 {
		return Order{}, nil, errors.New("order has no lines")
	}
	if p.PaymentMethod != PaymentGateway && p.PaymentMethod != PaymentCash {
		return Order{}, nil, fmt.Errorf("unknown payment method %q", p.PaymentMethod)
	}

	number, err := NewOrderNumber(p.Now)
	if err != nil {
		return Order{}, nil, err
	}

	o := Order{
		ID:            uuid.New(),
		Number:        number,
		UserID:        p.UserID,
		EventID:       p.EventID,
		Status:        OrderPending,
		Currency:      p.Lines[0].TicketType.Price.Currency,
		Attendee:      p.Attendee,
		PaymentMethod: p.PaymentMethod,
		CreatedAt:     p.Now,
		UpdatedAt:     p.Now,
	}

	var tickets []Ticket
	for _, l := range p.Lines {
		tt := l.TicketType
		if l.Quantity <= 0 {
			return Order{}, nil, fmt.Errorf("ticket type %s: quantity must be positive", tt.ID)
		}
		if tt.Price.Currency != o.Currency {
			return Order{}, nil, fmt.Errorf("ticket type %s: currency %s differs from %s", tt.ID, tt.Price.Currency, o.Currency)
		}
		if tt.UnitAddressed() && len(l.UnitIDs) != l.Quantity {
			return Order{}, nil, fmt.Errorf("ticket type %s: %d units for quantity %d", tt.ID, len(l.UnitIDs), l.Quantity)
		}

		q := int64(l.Quantity)
		o.TotalMinor += tt.Price.FinalMinor * q
		o.BaseMinor += tt.Price.BaseMinor * q
		o.TaxMinor += tt.Price.TaxMinor * q

		for i := 0; i < l.Quantity; i++ {
			code, err := NewTicketCode()
			if err != nil {
				return Order{}, nil, err
			}

			t := Ticket{
				ID:           uuid.New(),
				OrderID:      o.ID,
				EventID:      p.EventID,
				TicketTypeID: tt.ID,
				Code:         code,
				Status:       TicketPending,
				CreatedAt:    p.Now,
			}
			if tt.UnitAddressed() {
				unit := l.UnitIDs[i]
				t.UnitID = &unit
			}
			tickets = append(tickets, t)
		}
	}

	return o, tickets, nil
}

type RefundParams struct {
	Order       Order
	AmountMinor int64
	Reason      string
	RequestedBy uuid.UUID
	Now         time.Time
}

func NewRefund(p RefundParams) (Refund, error) {
	if p.AmountMinor <= 0 {
		return Refund{}, errors.New("refund amount must be positive")
	}
	if p.AmountMinor > p.Order.RefundCeiling() {
		return Refund{}, fmt.Errorf("refund amount %d exceeds ceiling %d", p.AmountMinor, p.Order.RefundCeiling())
	}

	return Refund{
		ID:          uuid.New(),
		OrderID:     p.Order.ID,
		RequestedBy: p.RequestedBy,
		AmountMinor: p.AmountMinor,
		Currency:    p.Order.Currency,
		Reason:      p.Reason,
		Status:      RefundProcessing,
		CreatedAt:   p.Now,
		UpdatedAt:   p.Now,
	}, nil
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func randomCode(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random code: %w", err)
	}
	return codeEncoding.EncodeToString(b), nil
}

// NewOrderNumber returns an externally visible order number such as
// TIX-20261018-K3J9QX2A.
func NewOrderNumber(now time.Time) (string, error) {
	suffix, err := randomCode(5)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TIX-%s-%s", now.UTC().Format("20060102"), suffix), nil
}

// NewTicketCode returns a 12 character scannable code.
func NewTicketCode() (string, error) {
	s, err := randomCode(8)
	if err != nil {
		return "", err
	}
	return s[:12], nil
}
