package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository/memory"
	"github.com/kirinyoku/tixledger/internal/service/reservation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.Intent), args.Error(1)
}

func (m *mockGateway) CancelIntent(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *mockGateway) VerifyProof(ctx context.Context, intentRef, paymentRef, proof string) (bool, error) {
	args := m.Called(ctx, intentRef, paymentRef, proof)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type env struct {
	store    *memory.Store
	holds    *reservation.Service
	gw       *mockGateway
	notifier *mockNotifier
	svc      *Service

	event domain.Event
	units []uuid.UUID
	ga    domain.TicketType
	seat  domain.TicketType
}

type envOpts struct {
	gaQuantity int
	userCap    int
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()

	if opts.gaQuantity == 0 {
		opts.gaQuantity = 100
	}

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return testNow }

	e := &env{
		store:    memory.NewStore(),
		gw:       &mockGateway{},
		notifier: &mockNotifier{},
	}

	venue := domain.Venue{ID: uuid.New(), Name: "Hall " + uuid.NewString()}
	require.NoError(t, e.store.CreateVenue(ctx, venue))

	var units []domain.SellableUnit
	for i := 0; i < 4; i++ {
		u := domain.SellableUnit{ID: uuid.New(), VenueID: venue.ID, Kind: domain.UnitSeat, Section: "A", Label: string(rune('1' + i))}
		units = append(units, u)
		e.units = append(e.units, u.ID)
	}
	require.NoError(t, e.store.CreateUnits(ctx, units))

	e.event = domain.Event{
		ID:       uuid.New(),
		VenueID:  venue.ID,
		Title:    "Night show",
		StartsAt: testNow.Add(48 * time.Hour),
		EndsAt:   testNow.Add(51 * time.Hour),
		Status:   domain.EventPublished,
	}
	require.NoError(t, e.store.CreateEvent(ctx, e.event))

	price, err := domain.NewPrice(5000, decimal.RequireFromString("0.18"), "usd")
	require.NoError(t, err)

	e.ga, err = domain.NewTicketType(domain.TicketTypeParams{
		EventID:            e.event.ID,
		Name:               "General",
		Price:              price,
		Quantity:           opts.gaQuantity,
		SalesStart:         testNow.Add(-time.Hour),
		SalesEnd:           testNow.Add(24 * time.Hour),
		MaxPerOrder:        6,
		MaxPerUserPerEvent: opts.userCap,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateTicketType(ctx, e.ga))

	e.seat, err = domain.NewTicketType(domain.TicketTypeParams{
		EventID:         e.event.ID,
		Name:            "Reserved",
		Price:           price,
		Quantity:        4,
		SalesStart:      testNow.Add(-time.Hour),
		SalesEnd:        testNow.Add(24 * time.Hour),
		MaxPerOrder:     4,
		Category:        domain.CategorySeat,
		EligibleUnitIDs: e.units,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateTicketType(ctx, e.seat))

	e.holds = reservation.New(memory.NewHoldStore(), e.store, nil, nil, log, reservation.Config{Now: now})
	e.svc = New(e.store, e.holds, e.gw, e.notifier, nil, log, Config{Now: now})

	return e
}

func (e *env) request(userID uuid.UUID, method domain.PaymentMethod, lines ...LineRequest) CreateOrderRequest {
	return CreateOrderRequest{
		UserID:        userID,
		EventID:       e.event.ID,
		Attendee:      domain.Attendee{Name: "Ana", Email: "ana@example.com"},
		PaymentMethod: method,
		Lines:         lines,
	}
}

func (e *env) remaining(t *testing.T, id uuid.UUID) int {
	t.Helper()
	tt, err := e.store.GetTicketType(context.Background(), id)
	require.NoError(t, err)
	return tt.RemainingQuantity
}

func TestCreateOrder_ComputesTotalsAndPendingTickets(t *testing.T) {
	e := newEnv(t, envOpts{})

	res, err := e.svc.CreateOrder(context.Background(), e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 3}))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPending, res.Order.Status)
	assert.EqualValues(t, 3*5000, res.Order.BaseMinor)
	assert.EqualValues(t, 3*900, res.Order.TaxMinor)
	assert.EqualValues(t, 3*5900, res.Order.TotalMinor)
	assert.Equal(t, "USD", res.Order.Currency)
	require.Len(t, res.Tickets, 3)
	for _, tk := range res.Tickets {
		assert.Equal(t, domain.TicketPending, tk.Status)
		assert.Nil(t, tk.UnitID)
	}

	assert.Equal(t, 100, e.remaining(t, e.ga.ID), "creation never consumes inventory")
}

func TestCreateOrder_ConcurrentLastTicket(t *testing.T) {
	e := newEnv(t, envOpts{gaQuantity: 1})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.CreateOrder(context.Background(), e.request(uuid.New(), domain.PaymentCash,
				LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	var ok, unavailable int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInventoryUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, unavailable)
	assert.Equal(t, 1, e.remaining(t, e.ga.ID))
}

func TestCreateOrder_AggregatesValidationReasons(t *testing.T) {
	e := newEnv(t, envOpts{})

	req := e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 7},
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 2, UnitIDs: e.units[:1]},
		LineRequest{TicketTypeID: uuid.New(), Quantity: 1},
	)
	req.Attendee.Email = "not-an-email"

	_, err := e.svc.CreateOrder(context.Background(), req)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Len(t, verr.Reasons, 4)
}

func TestCreateOrder_OutsideSalesWindow(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.svc.cfg.Now = func() time.Time { return testNow.Add(48 * time.Hour) }

	_, err := e.svc.CreateOrder(context.Background(), e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))

	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestCreateOrder_PerUserCapIsCumulative(t *testing.T) {
	e := newEnv(t, envOpts{userCap: 4})
	user := uuid.New()

	_, err := e.svc.CreateOrder(context.Background(), e.request(user, domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 3}))
	require.NoError(t, err)

	_, err = e.svc.CreateOrder(context.Background(), e.request(user, domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 2}))
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = e.svc.CreateOrder(context.Background(), e.request(user, domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	assert.NoError(t, err)
}

func TestCreateOrder_RejectedUnitReleasesNewHolds(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	buyer, other := uuid.New(), uuid.New()

	_, err := e.holds.Hold(ctx, e.event.ID, other, e.units[1:2])
	require.NoError(t, err)

	_, err = e.svc.CreateOrder(ctx, e.request(buyer, domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 2, UnitIDs: e.units[:2]}))

	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, e.units[1:2], unavailable.UnitIDs)

	mine, err := e.holds.ListHeld(ctx, e.event.ID, &buyer)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCreateOrder_IntentFailureCompensates(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	buyer := uuid.New()

	e.gw.On("CreateIntent", mock.Anything, mock.Anything).
		Return(gateway.Intent{}, errors.New("gateway timeout")).Once()

	_, err := e.svc.CreateOrder(ctx, e.request(buyer, domain.PaymentGateway,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 2, UnitIDs: e.units[:2]}))

	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)

	held, err := e.holds.ListHeld(ctx, e.event.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, held)

	n, err := e.store.CountUserTickets(ctx, e.event.ID, buyer, e.seat.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.gw.AssertExpectations(t)
}

func TestCreateOrder_GatewayStoresIntent(t *testing.T) {
	e := newEnv(t, envOpts{})

	e.gw.On("CreateIntent", mock.Anything, mock.MatchedBy(func(r gateway.IntentRequest) bool {
		return r.AmountMinor == 5900 && r.Currency == "USD"
	})).Return(gateway.Intent{Ref: "pi_123", ClientSecret: "pi_123_secret"}, nil).Once()

	res, err := e.svc.CreateOrder(context.Background(), e.request(uuid.New(), domain.PaymentGateway,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	assert.Equal(t, "pi_123", res.Order.GatewayOrderRef)
	assert.Equal(t, "pi_123_secret", res.ClientSecret)

	stored, err := e.store.GetOrder(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", stored.GatewayOrderRef)
}

func TestConfirmOrder_IssuesSeatsAndClearsHolds(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	buyer := uuid.New()

	e.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return m.Template == notify.TemplateTicketsIssued
	})).Return(nil).Once()

	_, err := e.holds.Hold(ctx, e.event.ID, buyer, e.units[:2])
	require.NoError(t, err)

	created, err := e.svc.CreateOrder(ctx, e.request(buyer, domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 2, UnitIDs: e.units[:2]}))
	require.NoError(t, err)

	res, err := e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPaid, res.Order.Status)
	require.NotNil(t, res.Order.PaidAt)
	require.Len(t, res.Tickets, 2)
	for _, tk := range res.Tickets {
		assert.Equal(t, domain.TicketIssued, tk.Status)
	}

	stored, err := e.store.ListTickets(ctx, created.Order.ID)
	require.NoError(t, err)
	for _, tk := range stored {
		assert.Equal(t, domain.TicketIssued, tk.Status)
	}

	assert.Equal(t, 2, e.remaining(t, e.seat.ID))

	held, err := e.holds.ListHeld(ctx, e.event.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, held)

	sold, err := e.store.SoldUnits(ctx, e.event.ID, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, e.units[:2], sold)

	e.notifier.AssertExpectations(t)
}

func TestConfirmOrder_ConcurrentConfirmationsApplyOnce(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 2}))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflictingState):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
	assert.Equal(t, 98, e.remaining(t, e.ga.ID))
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestConfirmOrder_AlreadyPaidReportsCurrentStatus(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())
	require.NoError(t, err)

	_, err = e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())

	var conflict *domain.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, string(domain.OrderPaid), conflict.Current)
}

func TestConfirmOrder_WithoutTicketsIsIntegrityError(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	order := domain.Order{
		ID:            uuid.New(),
		Number:        "TIX-20261018-BROKEN00",
		UserID:        uuid.New(),
		EventID:       e.event.ID,
		Status:        domain.OrderPending,
		TotalMinor:    5900,
		Currency:      "USD",
		PaymentMethod: domain.PaymentCash,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, e.store.InsertOrder(ctx, order))

	_, err := e.svc.ConfirmCashOrder(ctx, order.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)

	stored, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status, "the failed confirmation rolls back")
}

func TestConfirmOrder_NotifyFailureKeepsConfirmation(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	res, err := e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, res.Order.Status)
}

func TestConfirmOrder_GatewayProofRejected(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	e.gw.On("CreateIntent", mock.Anything, mock.Anything).Return(gateway.Intent{Ref: "pi_9"}, nil)
	e.gw.On("VerifyProof", mock.Anything, "pi_9", "pi_9", "").Return(false, nil).Once()

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentGateway,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = e.svc.ConfirmOrder(ctx, created.Order.ID, &PaymentProof{PaymentRef: "pi_9"})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	stored, err := e.store.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status)
}

func TestHandleGatewayEvent_DuplicateDeliveryIsNoop(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	e.gw.On("CreateIntent", mock.Anything, mock.Anything).Return(gateway.Intent{Ref: "pi_7"}, nil)
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentGateway,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 2}))
	require.NoError(t, err)

	evt := gateway.Event{
		ID:         "evt_1",
		Kind:       gateway.EventPaymentSucceeded,
		OrderID:    created.Order.ID,
		IntentRef:  "pi_7",
		PaymentRef: "pi_7",
	}
	require.NoError(t, e.svc.HandleGatewayEvent(ctx, evt))
	require.NoError(t, e.svc.HandleGatewayEvent(ctx, evt))

	assert.Equal(t, 98, e.remaining(t, e.ga.ID))
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestHandleGatewayEvent_PaymentFailed(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	e.gw.On("CreateIntent", mock.Anything, mock.Anything).Return(gateway.Intent{Ref: "pi_8"}, nil)

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentGateway,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	require.NoError(t, e.svc.HandleGatewayEvent(ctx, gateway.Event{
		Kind:      gateway.EventPaymentFailed,
		OrderID:   created.Order.ID,
		IntentRef: "pi_8",
	}))

	stored, err := e.store.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, stored.Status)
}

func TestCancelOrder_FreesSeatsAndPendingQuantity(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	buyer := uuid.New()

	created, err := e.svc.CreateOrder(ctx, e.request(buyer, domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 1, UnitIDs: e.units[:1]}))
	require.NoError(t, err)

	stranger := uuid.New()
	_, err = e.svc.CancelOrder(ctx, created.Order.ID, &stranger)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	o, err := e.svc.CancelOrder(ctx, created.Order.ID, &buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, o.Status)

	pending, err := e.store.CountPendingTickets(ctx, e.seat.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	held, err := e.holds.IsHeld(ctx, e.event.ID, e.units[0], nil)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExpirePendingOrders(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	n, err := e.svc.ExpirePendingOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.svc.cfg.Now = func() time.Time { return testNow.Add(time.Hour) }

	n, err = e.svc.ExpirePendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := e.store.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, stored.Status)
}

func TestCheckIn_OnlyOnce(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)
	code := created.Tickets[0].Code

	_, err = e.svc.CheckIn(ctx, code, uuid.New())
	assert.ErrorIs(t, err, domain.ErrConflictingState, "pending tickets cannot be checked in")

	_, err = e.svc.ConfirmCashOrder(ctx, created.Order.ID, uuid.New())
	require.NoError(t, err)

	tk, err := e.svc.CheckIn(ctx, code, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCheckedIn, tk.Status)

	_, err = e.svc.CheckIn(ctx, code, uuid.New())
	assert.ErrorIs(t, err, domain.ErrConflictingState)

	png, err := e.svc.TicketQR(ctx, code, 128)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}

func TestConfirmOrder_CashOrderNeedsStaff(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	created, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = e.svc.ConfirmOrder(ctx, created.Order.ID, nil)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = e.svc.ConfirmOrder(ctx, created.Order.ID, &PaymentProof{PaymentRef: "pi_fake"})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	stored, err := e.store.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status)
	e.gw.AssertNotCalled(t, "VerifyProof", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateOrder_MixedCurrenciesIsValidationError(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	price, err := domain.NewPrice(4000, decimal.Zero, "EUR")
	require.NoError(t, err)
	euro, err := domain.NewTicketType(domain.TicketTypeParams{
		EventID:     e.event.ID,
		Name:        "Euro standing",
		Price:       price,
		Quantity:    10,
		SalesStart:  testNow.Add(-time.Hour),
		SalesEnd:    testNow.Add(time.Hour),
		MaxPerOrder: 2,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateTicketType(ctx, euro))

	_, err = e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.ga.ID, Quantity: 1},
		LineRequest{TicketTypeID: euro.ID, Quantity: 1},
	))

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Reasons, 1)
	assert.Contains(t, verr.Reasons[0], "EUR")
}

func TestCreateOrder_PendingOrderKeepsSeatAfterHoldLapses(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	first, err := e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 1, UnitIDs: e.units[:1]}))
	require.NoError(t, err)

	// The first buyer's hold runs out while their order is still unpaid.
	require.NoError(t, e.holds.Release(ctx, e.event.ID, e.units[:1]))

	_, err = e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 1, UnitIDs: e.units[:1]}))

	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, e.units[:1], unavailable.UnitIDs)

	// Once the first order is abandoned the seat is for sale again.
	_, err = e.svc.CancelOrder(ctx, first.Order.ID, nil)
	require.NoError(t, err)

	_, err = e.svc.CreateOrder(ctx, e.request(uuid.New(), domain.PaymentCash,
		LineRequest{TicketTypeID: e.seat.ID, Quantity: 1, UnitIDs: e.units[:1]}))
	assert.NoError(t, err)
}

// gatewayOrder creates a pending gateway order whose intent is ref.
func (e *env) gatewayOrder(t *testing.T, ref string, lines ...LineRequest) domain.Order {
	t.Helper()

	e.gw.On("CreateIntent", mock.Anything, mock.MatchedBy(func(r gateway.IntentRequest) bool {
		return r.AmountMinor == 5900*int64(lines[0].Quantity)
	})).Return(gateway.Intent{Ref: ref}, nil).Once()

	created, err := e.svc.CreateOrder(context.Background(), e.request(uuid.New(), domain.PaymentGateway, lines...))
	require.NoError(t, err)
	return created.Order
}

func (e *env) expectReversal(order domain.Order) {
	e.gw.On("Refund", mock.Anything, mock.MatchedBy(func(r gateway.RefundRequest) bool {
		return r.IdempotencyKey == "reversal-"+order.ID.String() &&
			r.AmountMinor == order.TotalMinor &&
			r.PaymentRef == "ch_"+order.GatewayOrderRef
	})).Return("re_"+order.GatewayOrderRef, nil)
	e.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return m.Template == notify.TemplatePaymentReversed && m.ScopeID == order.ID
	})).Return(nil)
}

func succeeded(order domain.Order) gateway.Event {
	return gateway.Event{
		ID:         "evt_" + order.GatewayOrderRef,
		Kind:       gateway.EventPaymentSucceeded,
		OrderID:    order.ID,
		IntentRef:  order.GatewayOrderRef,
		PaymentRef: "ch_" + order.GatewayOrderRef,
	}
}

func TestHandleGatewayEvent_CancelledEventRefundsPayment(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	order := e.gatewayOrder(t, "pi_c1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})

	_, err := e.store.TransitionEvent(ctx, e.event.ID,
		[]domain.EventStatus{domain.EventPublished}, domain.EventCancelled, uuid.New(), "storm", testNow)
	require.NoError(t, err)

	e.expectReversal(order)

	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))

	stored, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, stored.Status)
	assert.Equal(t, 100, e.remaining(t, e.ga.ID))
	e.gw.AssertNumberOfCalls(t, "Refund", 1)

	// A redelivery repeats the refund under the same idempotency key.
	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))
	e.gw.AssertNumberOfCalls(t, "Refund", 2)
}

func TestHandleGatewayEvent_SoldOutRefundsPayment(t *testing.T) {
	e := newEnv(t, envOpts{gaQuantity: 1})
	ctx := context.Background()

	order := e.gatewayOrder(t, "pi_s1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})

	// The last ticket goes elsewhere before the payment lands.
	require.NoError(t, e.store.DecrementRemaining(ctx, e.ga.ID, 1))

	e.expectReversal(order)

	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))

	stored, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, stored.Status)

	tickets, err := e.store.ListTickets(ctx, order.ID)
	require.NoError(t, err)
	for _, tk := range tickets {
		assert.Equal(t, domain.TicketCancelled, tk.Status)
	}
	e.gw.AssertNumberOfCalls(t, "Refund", 1)
	e.notifier.AssertExpectations(t)
}

func TestHandleGatewayEvent_LatePaymentOnCancelledOrderIsRefunded(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	order := e.gatewayOrder(t, "pi_l1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})

	e.gw.On("CancelIntent", mock.Anything, "pi_l1").Return(errors.New("intent already succeeded")).Once()
	_, err := e.svc.CancelOrder(ctx, order.ID, nil)
	require.NoError(t, err)

	e.expectReversal(order)

	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))

	stored, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, stored.Status)
	e.gw.AssertNumberOfCalls(t, "Refund", 1)
}

func TestHandleGatewayEvent_PaidOrderIsNotRefunded(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	order := e.gatewayOrder(t, "pi_p1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})

	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))
	require.NoError(t, e.svc.HandleGatewayEvent(ctx, succeeded(order)))

	e.gw.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestConfirmOrder_UnfulfillableProofRefundsPayment(t *testing.T) {
	e := newEnv(t, envOpts{gaQuantity: 1})
	ctx := context.Background()

	order := e.gatewayOrder(t, "pi_v1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})
	require.NoError(t, e.store.DecrementRemaining(ctx, e.ga.ID, 1))

	e.gw.On("VerifyProof", mock.Anything, "pi_v1", "ch_pi_v1", "sig").Return(true, nil).Once()
	e.expectReversal(order)

	_, err := e.svc.ConfirmOrder(ctx, order.ID, &PaymentProof{PaymentRef: "ch_pi_v1", Proof: "sig"})
	assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)

	stored, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, stored.Status)
	e.gw.AssertNumberOfCalls(t, "Refund", 1)
}

func TestCancelOrder_CompensationOutlivesCaller(t *testing.T) {
	e := newEnv(t, envOpts{})

	order := e.gatewayOrder(t, "pi_x1", LineRequest{TicketTypeID: e.ga.ID, Quantity: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.gw.On("CancelIntent", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), "pi_x1").
		Return(nil).Once()

	_, err := e.svc.CancelOrder(ctx, order.ID, nil)
	require.NoError(t, err)
	e.gw.AssertExpectations(t)
}
