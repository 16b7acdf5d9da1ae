package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/kirinyoku/tixledger/internal/uow"
)

type LineRequest struct {
	TicketTypeID uuid.UUID
	Quantity     int
	UnitIDs      []uuid.UUID
}

type CreateOrderRequest struct {
	UserID        uuid.UUID
	EventID       uuid.UUID
	Attendee      domain.Attendee
	PaymentMethod domain.PaymentMethod
	Lines         []LineRequest
}

type CreateOrderResult struct {
	Order   domain.Order    `json:"order"`
	Tickets []domain.Ticket `json:"tickets"`
	// ClientSecret lets the buyer's browser complete the gateway payment.
	ClientSecret string `json:"client_secret,omitempty"`
}

// CreateOrder validates a purchase, holds its units and records a pending
// order with one pending ticket per unit of quantity.
//
// Parameters:
//   - ctx: request-scoped context.
//   - req: buyer, event, payment method and line items.
//
// Returns:
//   - *CreateOrderResult: the order, its tickets and the gateway client secret.
//   - error: *domain.ValidationError with every rule the request broke.
//   - error: *domain.UnavailableError if units are sold or held, or the
//     ticket type has too few unreserved tickets left.
//   - error: *domain.UpstreamError if the payment intent could not be created.
//
// A failed call leaves no order, no tickets and no hold it took.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (res *CreateOrderResult, err error) {
	const op = "service.orders.CreateOrder"

	defer metrics.ObserveOp("create_order", time.Now(), &err)

	now := s.cfg.Now()

	lines, err := s.validate(ctx, req, now)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	taken, err := s.holdUnits(ctx, req, lines)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	order, tickets, err := domain.NewOrder(domain.OrderParams{
		UserID:        req.UserID,
		EventID:       req.EventID,
		Attendee:      req.Attendee,
		PaymentMethod: req.PaymentMethod,
		Lines:         lines,
		Now:           now,
	})
	if err != nil {
		s.releaseUnits(ctx, req.EventID, req.UserID, taken)
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var clientSecret string
	if order.PaymentMethod == domain.PaymentGateway {
		intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
			AmountMinor: order.TotalMinor,
			Currency:    order.Currency,
			Reference:   order.Number,
			Metadata: map[string]string{
				gateway.MetaOrderID: order.ID.String(),
				"event_id":          order.EventID.String(),
			},
		})
		if err != nil {
			s.releaseUnits(ctx, req.EventID, req.UserID, taken)
			return nil, fmt.Errorf("%s:%w", op, &domain.UpstreamError{Service: "payment gateway", Err: err})
		}

		order.GatewayOrderRef = intent.Ref
		clientSecret = intent.ClientSecret
	}

	err = s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		if err := s.reserveQuantity(ctx, lines); err != nil {
			return err
		}
		if err := s.store.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := s.store.InsertTickets(ctx, tickets); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			metrics.OrderTransition(string(domain.OrderPending))
			s.changed(ctx, order.EventID)
		})

		return nil
	})
	if err != nil {
		s.cancelIntent(ctx, order.GatewayOrderRef)
		s.releaseUnits(ctx, req.EventID, req.UserID, taken)
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("order created",
		slog.String("order_id", order.ID.String()),
		slog.String("number", order.Number),
		slog.Int("tickets", len(tickets)),
	)

	return &CreateOrderResult{Order: order, Tickets: tickets, ClientSecret: clientSecret}, nil
}

// validate checks every rule and reports all broken ones together. Units and
// quantities that are merely taken are reported separately as unavailable.
func (s *Service) validate(ctx context.Context, req CreateOrderRequest, now time.Time) ([]domain.OrderLine, error) {
	var (
		reasons      []string
		soldOut      []uuid.UUID
		lines        []domain.OrderLine
		currency     string
		seenTypes    = map[uuid.UUID]bool{}
		seenUnits    = map[uuid.UUID]bool{}
		unitsToCheck []uuid.UUID
		wantKind     = map[uuid.UUID]domain.TicketCategory{}
	)

	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, notFound(err)
	}
	if !event.Sellable() {
		reasons = append(reasons, fmt.Sprintf("event is %s", event.Status))
	}

	if strings.TrimSpace(req.Attendee.Name) == "" {
		reasons = append(reasons, "attendee name is required")
	}
	if _, err := mail.ParseAddress(req.Attendee.Email); err != nil {
		reasons = append(reasons, "attendee email is invalid")
	}

	switch req.PaymentMethod {
	case domain.PaymentCash:
	case domain.PaymentGateway:
		if s.gateway == nil {
			reasons = append(reasons, "gateway payments are not available")
		}
	default:
		reasons = append(reasons, fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	}

	if len(req.Lines) == 0 {
		reasons = append(reasons, "at least one line item is required")
	}

	for _, l := range req.Lines {
		if seenTypes[l.TicketTypeID] {
			reasons = append(reasons, fmt.Sprintf("ticket type %s is listed more than once", l.TicketTypeID))
			continue
		}
		seenTypes[l.TicketTypeID] = true

		tt, err := s.store.GetTicketType(ctx, l.TicketTypeID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && tt.EventID != req.EventID) {
			reasons = append(reasons, fmt.Sprintf("ticket type %s does not belong to this event", l.TicketTypeID))
			continue
		}
		if err != nil {
			return nil, err
		}

		switch {
		case currency == "":
			currency = tt.Price.Currency
		case tt.Price.Currency != currency:
			reasons = append(reasons, fmt.Sprintf("%s is priced in %s, the order is in %s", tt.Name, tt.Price.Currency, currency))
		}

		if !tt.OnSale(now) {
			reasons = append(reasons, fmt.Sprintf("%s is not on sale", tt.Name))
		}
		if l.Quantity <= 0 {
			reasons = append(reasons, fmt.Sprintf("%s: quantity must be positive", tt.Name))
			continue
		}
		if l.Quantity > tt.MaxPerOrder {
			reasons = append(reasons, fmt.Sprintf("%s: at most %d per order", tt.Name, tt.MaxPerOrder))
		}
		if l.Quantity > tt.RemainingQuantity {
			soldOut = append(soldOut, tt.ID)
		}

		if tt.MaxPerUserPerEvent > 0 {
			owned, err := s.store.CountUserTickets(ctx, req.EventID, req.UserID, tt.ID)
			if err != nil {
				return nil, err
			}
			if owned+l.Quantity > tt.MaxPerUserPerEvent {
				reasons = append(reasons, fmt.Sprintf("%s: at most %d per customer, %d already bought",
					tt.Name, tt.MaxPerUserPerEvent, owned))
			}
		}

		if tt.UnitAddressed() {
			if len(l.UnitIDs) != l.Quantity {
				reasons = append(reasons, fmt.Sprintf("%s: %d units given for quantity %d", tt.Name, len(l.UnitIDs), l.Quantity))
			}
			for _, u := range l.UnitIDs {
				switch {
				case seenUnits[u]:
					reasons = append(reasons, fmt.Sprintf("unit %s is requested more than once", u))
				case !tt.Eligible(u):
					reasons = append(reasons, fmt.Sprintf("unit %s cannot be sold as %s", u, tt.Name))
				default:
					unitsToCheck = append(unitsToCheck, u)
					wantKind[u] = tt.Category
				}
				seenUnits[u] = true
			}
		} else if len(l.UnitIDs) > 0 {
			reasons = append(reasons, fmt.Sprintf("%s is general admission and takes no units", tt.Name))
		}

		lines = append(lines, domain.OrderLine{TicketType: *tt, Quantity: l.Quantity, UnitIDs: l.UnitIDs})
	}

	if len(unitsToCheck) > 0 {
		units, err := s.store.ListUnits(ctx, unitsToCheck)
		if err != nil {
			return nil, err
		}
		known := make(map[uuid.UUID]domain.SellableUnit, len(units))
		for _, u := range units {
			known[u.ID] = u
		}
		for _, id := range unitsToCheck {
			u, ok := known[id]
			switch {
			case !ok || u.VenueID != event.VenueID:
				reasons = append(reasons, fmt.Sprintf("unit %s is not part of the venue", id))
			case string(u.Kind) != string(wantKind[id]):
				reasons = append(reasons, fmt.Sprintf("unit %s is not a %s", id, strings.ToLower(string(wantKind[id]))))
			}
		}
	}

	if len(reasons) > 0 {
		return nil, &domain.ValidationError{Reasons: reasons}
	}

	// A unit on a pending order stays taken after its hold lapses, until the
	// order is paid or abandoned.
	var takenUnits []uuid.UUID
	if len(unitsToCheck) > 0 {
		sold, err := s.store.SoldUnits(ctx, req.EventID, unitsToCheck)
		if err != nil {
			return nil, err
		}
		claimed, err := s.store.ClaimedUnits(ctx, req.EventID, unitsToCheck)
		if err != nil {
			return nil, err
		}
		for _, u := range slices.Concat(sold, claimed) {
			if !slices.Contains(takenUnits, u) {
				takenUnits = append(takenUnits, u)
			}
		}
	}
	if len(soldOut) > 0 || len(takenUnits) > 0 {
		return nil, &domain.UnavailableError{UnitIDs: takenUnits, TicketTypeIDs: soldOut}
	}

	return lines, nil
}

// holdUnits holds every unit of the order for the buyer in one call. It
// returns the units this call newly took; holds the buyer already had are
// left alone on failure.
func (s *Service) holdUnits(ctx context.Context, req CreateOrderRequest, lines []domain.OrderLine) ([]uuid.UUID, error) {
	var units []uuid.UUID
	for _, l := range lines {
		units = append(units, l.UnitIDs...)
	}
	if len(units) == 0 {
		return nil, nil
	}

	before, err := s.holds.ListHeld(ctx, req.EventID, &req.UserID)
	if err != nil {
		return nil, err
	}

	res, err := s.holds.Hold(ctx, req.EventID, req.UserID, units)
	if err != nil {
		return nil, err
	}

	var taken []uuid.UUID
	for _, u := range res.Held {
		if !slices.Contains(before, u) {
			taken = append(taken, u)
		}
	}

	if !res.Complete() {
		s.releaseUnits(ctx, req.EventID, req.UserID, taken)
		return nil, &domain.UnavailableError{UnitIDs: res.Rejected}
	}

	return taken, nil
}

// reserveQuantity locks each ticket type and checks that remaining minus the
// tickets already promised to pending orders covers the request. Types are
// locked in ID order.
func (s *Service) reserveQuantity(ctx context.Context, lines []domain.OrderLine) error {
	sorted := slices.Clone(lines)
	slices.SortFunc(sorted, func(a, b domain.OrderLine) int {
		return strings.Compare(a.TicketType.ID.String(), b.TicketType.ID.String())
	})

	var short []uuid.UUID
	for _, l := range sorted {
		tt, err := s.store.LockTicketType(ctx, l.TicketType.ID)
		if err != nil {
			return err
		}

		pending, err := s.store.CountPendingTickets(ctx, tt.ID)
		if err != nil {
			return err
		}

		if tt.RemainingQuantity-pending < l.Quantity {
			short = append(short, tt.ID)
		}
	}

	if len(short) > 0 {
		return &domain.UnavailableError{TicketTypeIDs: short}
	}

	return nil
}
