package httpgin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository/memory"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/kirinyoku/tixledger/internal/service"
	"github.com/kirinyoku/tixledger/internal/service/orders"
	"github.com/kirinyoku/tixledger/internal/service/settlement"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t      *testing.T
	router *gin.Engine
	user   uuid.UUID
}

func (c client) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if c.user != uuid.Nil {
		req.Header.Set(headerUserID, c.user.String())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svcs := service.NewServices(service.Deps{
		Store:    memory.NewStore(),
		Holds:    memory.NewHoldStore(),
		Notifier: notify.NewLogNotifier(log),
		Log:      log,
	}, service.Config{})

	return NewRouter(svcs, redisrepo.NewIdempotencyStore(rdb, time.Hour), nil, log)
}

// seedEvent creates a published event with two seats sold through a seat
// ticket type, using the admin API.
func seedEvent(t *testing.T, admin client) (eventID, seatTypeID uuid.UUID, seats []uuid.UUID) {
	t.Helper()

	w := admin.do(http.MethodPost, "/admin/venues", CreateVenueRequest{Name: "Arena " + uuid.NewString()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	venue := decode[VenueResponse](t, w)

	w = admin.do(http.MethodPost, "/admin/venues/"+venue.ID.String()+"/units", CreateUnitsRequest{Units: []UnitInput{
		{Kind: "SEAT", Section: "A", Label: "1"},
		{Kind: "SEAT", Section: "A", Label: "2"},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	units := decode[[]UnitResponse](t, w)
	for _, u := range units {
		seats = append(seats, u.ID)
	}

	now := time.Now().UTC()
	w = admin.do(http.MethodPost, "/admin/events", CreateEventRequest{
		VenueID:  venue.ID,
		Title:    "Opening night",
		StartsAt: now.Add(48 * time.Hour).Format(time.RFC3339),
		EndsAt:   now.Add(50 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	event := decode[EventResponse](t, w)

	w = admin.do(http.MethodPost, "/admin/events/"+event.ID.String()+"/ticket-types", CreateTicketTypeRequest{
		Name:            "Stalls",
		BaseMinor:       4000,
		TaxRate:         "0.25",
		Currency:        "EUR",
		Quantity:        2,
		SalesStart:      now.Add(-time.Hour).Format(time.RFC3339),
		SalesEnd:        now.Add(24 * time.Hour).Format(time.RFC3339),
		MaxPerOrder:     2,
		Category:        "seat",
		EligibleUnitIDs: seats,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tt := decode[TicketTypeResponse](t, w)
	assert.EqualValues(t, 5000, tt.Price.FinalMinor)

	w = admin.do(http.MethodPost, "/admin/events/"+event.ID.String()+"/publish", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	return event.ID, tt.ID, seats
}

func TestRouter_CashOrderLifecycle(t *testing.T) {
	router := newTestRouter(t)
	admin := client{t: t, router: router, user: uuid.New()}
	buyer := client{t: t, router: router, user: uuid.New()}
	rival := client{t: t, router: router, user: uuid.New()}

	eventID, typeID, seats := seedEvent(t, admin)
	base := "/events/" + eventID.String()

	w := buyer.do(http.MethodPost, base+"/holds", UnitsRequest{UnitIDs: seats[:1]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rival.do(http.MethodPost, base+"/holds", UnitsRequest{UnitIDs: seats})
	assert.Equal(t, http.StatusConflict, w.Code)
	partial := decode[domain.HoldResult](t, w)
	assert.Equal(t, seats[:1], partial.Rejected)
	assert.Equal(t, seats[1:], partial.Held)

	w = rival.do(http.MethodGet, base+"/holds/"+seats[0].String(), nil)
	assert.True(t, decode[IsHeldResponse](t, w).Held)

	order := CreateOrderRequest{
		Attendee:      AttendeeInput{Name: "Ana", Email: "ana@example.com"},
		PaymentMethod: "cash",
		Lines:         []LineInput{{TicketTypeID: typeID, Quantity: 1, UnitIDs: seats[:1]}},
	}
	w = buyer.do(http.MethodPost, base+"/orders", order, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "k-1", w.Header().Get("Idempotency-Key"))
	created := decode[orders.CreateOrderResult](t, w)
	assert.Equal(t, domain.OrderPending, created.Order.Status)
	assert.EqualValues(t, 5000, created.Order.TotalMinor)

	// A retried request replays the first response.
	w = buyer.do(http.MethodPost, base+"/orders", order, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, created.Order.ID, decode[orders.CreateOrderResult](t, w).Order.ID)

	orderPath := "/orders/" + created.Order.ID.String()

	w = rival.do(http.MethodGet, orderPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Buyers cannot confirm their own cash orders.
	w = buyer.do(http.MethodPost, orderPath+"/confirm", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = admin.do(http.MethodPost, "/admin/orders/"+created.Order.ID.String()+"/cash-payment", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	paid := decode[domain.OrderWithTickets](t, w)
	assert.Equal(t, domain.OrderPaid, paid.Order.Status)
	require.Len(t, paid.Tickets, 1)
	code := paid.Tickets[0].Code

	w = buyer.do(http.MethodGet, "/tickets/"+code+"/qr?size=128", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = admin.do(http.MethodPost, "/tickets/"+code+"/check-in", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = admin.do(http.MethodPost, "/tickets/"+code+"/check-in", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = buyer.do(http.MethodGet, base+"/availability", nil)
	require.Equal(t, http.StatusOK, w.Code)
	av := decode[domain.EventAvailability](t, w)
	assert.Contains(t, av.SoldUnits, seats[0])
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = buyer.do(http.MethodGet, base+"/availability", nil, "If-None-Match", w.Header().Get("ETag"))
	assert.Equal(t, http.StatusNotModified, w.Code)

	amount := int64(2000)
	w = admin.do(http.MethodPost, orderPath+"/refunds", RefundRequest{AmountMinor: &amount, Reason: "seat view"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[settlement.RefundResult](t, w)
	assert.Equal(t, domain.OrderPartialRefunded, res.Order.Status)
	assert.Equal(t, settlement.CashRefundRef, res.Refund.GatewayRef)

	w = admin.do(http.MethodGet, orderPath+"/refunds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Refund](t, w), 1)
}

func TestRouter_ForceCancelEvent(t *testing.T) {
	router := newTestRouter(t)
	admin := client{t: t, router: router, user: uuid.New()}

	eventID, _, _ := seedEvent(t, admin)
	path := "/admin/events/" + eventID.String() + "/cancel"

	w := admin.do(http.MethodPost, path, CancelEventRequest{Reason: "storm"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decode[domain.CancellationSummary](t, w)
	assert.Zero(t, sum.OrdersConsidered)

	w = admin.do(http.MethodPost, path, CancelEventRequest{Reason: "storm"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(domain.EventCancelled), decode[ErrorResponse](t, w).Current)
}

func TestRouter_Errors(t *testing.T) {
	router := newTestRouter(t)
	anon := client{t: t, router: router}
	user := client{t: t, router: router, user: uuid.New()}

	w := anon.do(http.MethodPost, "/events/"+uuid.NewString()+"/holds", UnitsRequest{UnitIDs: []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = user.do(http.MethodGet, "/events/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = user.do(http.MethodGet, "/events/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = user.do(http.MethodPost, "/admin/events", CreateEventRequest{
		VenueID:  uuid.New(),
		Title:    "x",
		StartsAt: "2026-12-01T20:00:00Z",
		EndsAt:   "2026-12-01T19:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, w).Reasons)

	w = user.do(http.MethodPost, "/webhooks/stripe", map[string]string{"type": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestETagMatches(t *testing.T) {
	tag := weakETag([]byte(`{"a":1}`))

	assert.True(t, etagMatches(tag, tag))
	assert.True(t, etagMatches(`"x", `+tag, tag))
	assert.True(t, etagMatches(tag[2:], tag), "weak comparison ignores W/")
	assert.True(t, etagMatches("*", tag))
	assert.False(t, etagMatches("", tag))
	assert.False(t, etagMatches(weakETag([]byte(`{"a":2}`)), tag))
}
