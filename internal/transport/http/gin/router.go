package httpgin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/kirinyoku/tixledger/internal/service"
	"github.com/kirinyoku/tixledger/internal/service/reservation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// WebhookParser verifies and decodes payment gateway notifications.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (gateway.Event, error)
}

const headerUserID = "X-User-ID"

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	webhooks WebhookParser,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/ticket-types", handleListTicketTypes(svcs))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))

	r.POST("/events/:id/holds", handleHold(svcs))
	r.DELETE("/events/:id/holds", handleRelease(svcs))
	r.GET("/events/:id/holds", handleListHeld(svcs))
	r.GET("/events/:id/holds/:unitId", handleIsHeld(svcs))

	r.POST("/events/:id/orders", handleCreateOrder(svcs, idem))
	r.GET("/orders/:id", handleGetOrder(svcs))
	r.POST("/orders/:id/confirm", handleConfirmOrder(svcs))
	r.POST("/orders/:id/cancel", handleCancelOrder(svcs))

	r.GET("/tickets/:code/qr", handleTicketQR(svcs))

	r.POST("/webhooks/stripe", handleStripeWebhook(svcs, webhooks))

	// Staff and admin API. Authentication is left to the deployment.
	r.POST("/tickets/:code/check-in", handleCheckIn(svcs))
	r.POST("/orders/:id/refunds", handleRefund(svcs))
	r.GET("/orders/:id/refunds", handleListRefunds(svcs))

	admin := r.Group("/admin")
	{
		admin.POST("/venues", handleCreateVenue(svcs))
		admin.POST("/venues/:id/units", handleCreateUnits(svcs))
		admin.POST("/events", handleCreateEvent(svcs))
		admin.POST("/events/:id/publish", handlePublishEvent(svcs))
		admin.POST("/events/:id/ticket-types", handleCreateTicketType(svcs))
		admin.POST("/events/:id/cancel", handleForceCancelEvent(svcs))
		admin.POST("/orders/:id/cash-payment", handleConfirmCashOrder(svcs))
	}

	return r
}

// --- Helpers ---

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// actorID reads the caller identity set by the upstream auth proxy.
func actorID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.GetHeader(headerUserID)))
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid " + headerUserID})
		return uuid.Nil, false
	}
	return id, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	_ = c.Error(err)

	var (
		verr     *domain.ValidationError
		conflict *domain.StateConflictError
		unavail  *domain.UnavailableError
		limited  *reservation.RateLimitedError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation failed", Reasons: verr.Reasons})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.As(err, &unavail):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:         "inventory unavailable",
			UnitIDs:       unavail.UnitIDs,
			TicketTypeIDs: unavail.TicketTypeIDs,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: conflict.Entity + " is in the wrong state", Current: conflict.Current})
	case errors.Is(err, domain.ErrConflictingState):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "conflict"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, gateway.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, domain.ErrUpstreamFailure):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "payment gateway unavailable, retry later"})
	case errors.Is(err, domain.ErrDataIntegrity):
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "data integrity violation"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
