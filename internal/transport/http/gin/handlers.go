package httpgin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/kirinyoku/tixledger/internal/service"
	"github.com/kirinyoku/tixledger/internal/service/orders"
	"github.com/kirinyoku/tixledger/internal/service/settlement"
)

// --- Handlers with Swagger annotations ---

// @Summary  Get event
// @Param    id  path  string  true  "Event ID"
// @Success  200  {object}  EventResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, toEvent(*e), "public, max-age=60")
	}
}

// @Summary  List ticket types of an event
// @Param    id  path  string  true  "Event ID"
// @Success  200  {array}  TicketTypeResponse
// @Router   /events/{id}/ticket-types [get]
func handleListTicketTypes(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		types, err := svcs.Query.TicketTypes(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		out := make([]TicketTypeResponse, 0, len(types))
		for _, t := range types {
			out = append(out, toTicketType(t))
		}
		writeJSONWithCache(c, http.StatusOK, out, "public, max-age=30")
	}
}

// @Summary  Get availability
// @Param    id  path  string  true  "Event ID"
// @Success  200  {object}  domain.EventAvailability
// @Router   /events/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		av, err := svcs.Query.Availability(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, av, "public, max-age=5")
	}
}

// @Summary  Hold units for the caller
// @Param    id  path  string  true  "Event ID"
// @Param    req body  UnitsRequest true "payload"
// @Success  200 {object} domain.HoldResult
// @Failure  409 {object} domain.HoldResult "some units were rejected"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /events/{id}/holds [post]
func handleHold(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		holder, ok := actorID(c)
		if !ok {
			return
		}
		var req UnitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		res, err := svcs.Reservation.Hold(c.Request.Context(), eventID, holder, req.UnitIDs)
		if err != nil {
			respondErr(c, err)
			return
		}

		status := http.StatusOK
		if !res.Complete() {
			status = http.StatusConflict
		}
		c.JSON(status, res)
	}
}

// @Summary  Release the caller's holds
// @Param    id  path  string  true  "Event ID"
// @Param    req body  UnitsRequest true "payload"
// @Success  204
// @Router   /events/{id}/holds [delete]
func handleRelease(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		holder, ok := actorID(c)
		if !ok {
			return
		}
		var req UnitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Reservation.ReleaseFor(c.Request.Context(), eventID, holder, req.UnitIDs); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  List the caller's live holds
// @Param    id  path  string  true  "Event ID"
// @Success  200 {object} HeldUnitsResponse
// @Router   /events/{id}/holds [get]
func handleListHeld(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		holder, ok := actorID(c)
		if !ok {
			return
		}
		units, err := svcs.Reservation.ListHeld(c.Request.Context(), eventID, &holder)
		if err != nil {
			respondErr(c, err)
			return
		}
		if units == nil {
			units = []uuid.UUID{}
		}
		c.JSON(http.StatusOK, HeldUnitsResponse{UnitIDs: units})
	}
}

// @Summary  Check whether someone else holds a unit
// @Param    id      path  string  true  "Event ID"
// @Param    unitId  path  string  true  "Unit ID"
// @Success  200 {object} IsHeldResponse
// @Router   /events/{id}/holds/{unitId} [get]
func handleIsHeld(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		unitID, ok := parseUUIDParam(c, "unitId")
		if !ok {
			return
		}
		var exclude *uuid.UUID
		if holder, err := uuid.Parse(strings.TrimSpace(c.GetHeader(headerUserID))); err == nil {
			exclude = &holder
		}
		held, err := svcs.Reservation.IsHeld(c.Request.Context(), eventID, unitID, exclude)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, IsHeldResponse{UnitID: unitID, Held: held})
	}
}

// @Summary  Create order (idempotent)
// @Param    id  path  string  true  "Event ID"
// @Param    req body  CreateOrderRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} orders.CreateOrderResult
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "inventory unavailable / idem in progress"
// @Failure  502 {object} ErrorResponse "payment gateway unavailable"
// @Router   /events/{id}/orders [post]
func handleCreateOrder(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		userID, ok := actorID(c)
		if !ok {
			return
		}
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemOrder(eventID, userID.String()+":"+idemKey)

			if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				replay(c, idemKey, payload)
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
					replay(c, idemKey, payload)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		lines := make([]orders.LineRequest, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, orders.LineRequest{
				TicketTypeID: l.TicketTypeID,
				Quantity:     l.Quantity,
				UnitIDs:      l.UnitIDs,
			})
		}

		res, err := svcs.Orders.CreateOrder(c.Request.Context(), orders.CreateOrderRequest{
			UserID:  userID,
			EventID: eventID,
			Attendee: domain.Attendee{
				Name:  req.Attendee.Name,
				Email: req.Attendee.Email,
				Phone: req.Attendee.Phone,
			},
			PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
			Lines:         lines,
		})
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		if idemStorageKey != "" {
			b, _ := json.Marshal(res)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, res)
	}
}

func replay(c *gin.Context, idemKey, payload string) {
	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
}

// @Summary  Get order with tickets
// @Param    id  path  string  true  "Order ID"
// @Success  200 {object} domain.OrderWithTickets
// @Router   /orders/{id} [get]
func handleGetOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		userID, ok := actorID(c)
		if !ok {
			return
		}
		o, err := svcs.Query.GetOrderWithTickets(c.Request.Context(), orderID, &userID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary  Confirm a gateway order with the buyer's payment proof
// @Param    id  path  string  true  "Order ID"
// @Param    req body  ConfirmOrderRequest true "payment proof"
// @Success  200 {object} domain.OrderWithTickets
// @Failure  400 {object} ErrorResponse "missing or rejected proof, or a cash order"
// @Failure  409 {object} ErrorResponse
// @Router   /orders/{id}/confirm [post]
func handleConfirmOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req ConfirmOrderRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}

		var proof *orders.PaymentProof
		if req.PaymentRef != "" || req.Proof != "" {
			proof = &orders.PaymentProof{PaymentRef: req.PaymentRef, Proof: req.Proof}
		}

		res, err := svcs.Orders.ConfirmOrder(c.Request.Context(), orderID, proof)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Record box-office payment of a cash order
// @Param    id  path  string  true  "Order ID"
// @Success  200 {object} domain.OrderWithTickets
// @Failure  400 {object} ErrorResponse "not a cash order"
// @Failure  409 {object} ErrorResponse
// @Router   /admin/orders/{id}/cash-payment [post]
func handleConfirmCashOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		staffID, ok := actorID(c)
		if !ok {
			return
		}
		res, err := svcs.Orders.ConfirmCashOrder(c.Request.Context(), orderID, staffID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Cancel a pending order
// @Param    id  path  string  true  "Order ID"
// @Success  200 {object} domain.Order
// @Failure  409 {object} ErrorResponse
// @Router   /orders/{id}/cancel [post]
func handleCancelOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		userID, ok := actorID(c)
		if !ok {
			return
		}
		o, err := svcs.Orders.CancelOrder(c.Request.Context(), orderID, &userID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary  Ticket QR code
// @Param    code  path   string  true   "Ticket code"
// @Param    size  query  int     false  "image size in pixels"
// @Produce  png
// @Success  200
// @Router   /tickets/{code}/qr [get]
func handleTicketQR(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		size := parseIntDefault(c.Query("size"), 256)
		if size > 1024 {
			size = 1024
		}
		png, err := svcs.Orders.TicketQR(c.Request.Context(), c.Param("code"), size)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.Header("Cache-Control", "private, max-age=300")
		c.Data(http.StatusOK, "image/png", png)
	}
}

// @Summary  Check a ticket in at the door
// @Param    code  path  string  true  "Ticket code"
// @Success  200 {object} domain.Ticket
// @Failure  409 {object} ErrorResponse "already checked in or not issued"
// @Router   /tickets/{code}/check-in [post]
func handleCheckIn(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		staffID, ok := actorID(c)
		if !ok {
			return
		}
		t, err := svcs.Orders.CheckIn(c.Request.Context(), c.Param("code"), staffID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Refund an order
// @Param    id  path  string  true  "Order ID"
// @Param    req body  RefundRequest true "payload; amount defaults to the full remaining amount"
// @Success  201 {object} settlement.RefundResult
// @Failure  409 {object} ErrorResponse
// @Failure  502 {object} ErrorResponse
// @Router   /orders/{id}/refunds [post]
func handleRefund(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		staffID, ok := actorID(c)
		if !ok {
			return
		}
		var req RefundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svcs.Settlement.ProcessRefund(c.Request.Context(), settlement.RefundRequest{
			OrderID:     orderID,
			AmountMinor: req.AmountMinor,
			Reason:      req.Reason,
			RequestedBy: staffID,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// @Summary  List refunds of an order
// @Param    id  path  string  true  "Order ID"
// @Success  200 {array} domain.Refund
// @Router   /orders/{id}/refunds [get]
func handleListRefunds(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		refunds, err := svcs.Settlement.ListRefunds(c.Request.Context(), orderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		if refunds == nil {
			refunds = []domain.Refund{}
		}
		c.JSON(http.StatusOK, refunds)
	}
}

// @Summary  Stripe webhook
// @Param    Stripe-Signature  header  string  true  "signature"
// @Success  200
// @Failure  400 {object} ErrorResponse "invalid signature"
// @Router   /webhooks/stripe [post]
func handleStripeWebhook(svcs *service.Services, webhooks WebhookParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if webhooks == nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "webhooks are not configured"})
			return
		}
		payload, err := c.GetRawData()
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}
		evt, err := webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			respondErr(c, err)
			return
		}
		if err := svcs.Orders.HandleGatewayEvent(c.Request.Context(), evt); err != nil {
			// Stripe retries non-2xx deliveries.
			if errors.Is(err, domain.ErrNotFound) {
				c.Status(http.StatusOK)
				return
			}
			respondErr(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}
