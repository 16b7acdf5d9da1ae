package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Price holds amounts in minor currency units.
type Price struct {
	BaseMinor  int64           `json:"base_minor"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	TaxMinor   int64           `json:"tax_minor"`
	FinalMinor int64           `json:"final_minor"`
	Currency   string          `json:"currency"`
}

// NewPrice derives tax and final amounts from a base amount and a tax rate
// (0.18 means 18%). Tax is rounded half away from zero to a whole minor unit.
func NewPrice(baseMinor int64, taxRate decimal.Decimal, currency string) (Price, error) {
	if baseMinor < 0 {
		return Price{}, errors.New("base amount must not be negative")
	}
	if taxRate.IsNegative() {
		return Price{}, errors.New("tax rate must not be negative")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Price{}, fmt.Errorf("invalid currency %q", currency)
	}

	tax := decimal.NewFromInt(baseMinor).Mul(taxRate).Round(0).IntPart()

	return Price{
		BaseMinor:  baseMinor,
		TaxRate:    taxRate,
		TaxMinor:   tax,
		FinalMinor: baseMinor + tax,
		Currency:   currency,
	}, nil
}

type TicketType struct {
	ID                 uuid.UUID
	EventID            uuid.UUID
	Name               string
	Price              Price
	InitialQuantity    int
	RemainingQuantity  int
	SalesStart         time.Time
	SalesEnd           time.Time
	MaxPerOrder        int
	MaxPerUserPerEvent int // 0 means no cap
	Category           TicketCategory
	EligibleUnitIDs    []uuid.UUID
}

type TicketTypeParams struct {
	EventID            uuid.UUID
	Name               string
	Price              Price
	Quantity           int
	SalesStart         time.Time
	SalesEnd           time.Time
	MaxPerOrder        int
	MaxPerUserPerEvent int
	Category           TicketCategory
	EligibleUnitIDs    []uuid.UUID
}

func NewTicketType(p TicketTypeParams) (TicketType, error) {
	var reasons []string

	if p.EventID == uuid.Nil {
		reasons = append(reasons, "event is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		reasons = append(reasons, "name is required")
	}
	if p.Quantity < 0 {
		reasons = append(reasons, "quantity must not be negative")
	}
	if !p.SalesEnd.After(p.SalesStart) {
		reasons = append(reasons, "sales window must end after it starts")
	}
	if p.MaxPerOrder <= 0 {
		reasons = append(reasons, "max per order must be positive")
	}
	if p.MaxPerUserPerEvent < 0 {
		reasons = append(reasons, "max per user must not be negative")
	}

	category := p.Category
	if category == "" {
		category = CategoryGA
	}
	switch category {
	case CategoryGA:
		if len(p.EligibleUnitIDs) > 0 {
			reasons = append(reasons, "general admission ticket types cannot list units")
		}
	case CategorySeat, CategoryTable:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown category %q", category))
	}

	if len(reasons) > 0 {
		return TicketType{}, &ValidationError{Reasons: reasons}
	}

	return TicketType{
		ID:                 uuid.New(),
		EventID:            p.EventID,
		Name:               strings.TrimSpace(p.Name),
		Price:              p.Price,
		InitialQuantity:    p.Quantity,
		RemainingQuantity:  p.Quantity,
		SalesStart:         p.SalesStart,
		SalesEnd:           p.SalesEnd,
		MaxPerOrder:        p.MaxPerOrder,
		MaxPerUserPerEvent: p.MaxPerUserPerEvent,
		Category:           category,
		EligibleUnitIDs:    p.EligibleUnitIDs,
	}, nil
}

// UnitAddressed reports whether every ticket of this type is bound to a seat
// or a table.
func (t TicketType) UnitAddressed() bool {
	return t.Category == CategorySeat || t.Category == CategoryTable
}

func (t TicketType) OnSale(now time.Time) bool {
	return !now.Before(t.SalesStart) && now.Before(t.SalesEnd)
}

// Eligible reports whether unitID may be sold under this type.
func (t TicketType) Eligible(unitID uuid.UUID) bool {
	if len(t.EligibleUnitIDs) == 0 {
		return true
	}
	for _, id := range t.EligibleUnitIDs {
		if id == unitID {
			return true
		}
	}
	return false
}
