package httpgin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		c.Header(headerRequestID, reqID)
		c.Set(ctxRequestID, reqID)

		c.Next()
	}
}

// CORS lets browser checkouts call the API directly. Caller identity travels
// in X-User-ID, set by the auth proxy in front of this service.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			headerRequestID,
			headerUserID,
			"Idempotency-Key",
			"If-None-Match",
		},
		ExposeHeaders: []string{
			headerRequestID,
			"ETag",
			"Cache-Control",
			"Idempotency-Key",
			"Retry-After",
		},
		MaxAge: 12 * time.Hour,
	})
}

// LoggingMiddleware writes one access record per request and counts it.
// Requests that ended in a handler error or a 5xx are logged at Error.
func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequest(c.Request.Method, route, status)

		if route == "/metrics" || route == "/healthz" {
			return
		}

		attrs := []any{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(ctxRequestID)),
			slog.Duration("latency", time.Since(start)),
			slog.Int("bytes_out", c.Writer.Size()),
		}
		if actor := c.GetHeader(headerUserID); actor != "" {
			attrs = append(attrs, slog.String("actor", actor))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http", slog.Group("http", attrs...), slog.String("err", c.Errors.String()))
		case len(c.Errors) > 0:
			logger.Warn("http", slog.Group("http", attrs...), slog.String("err", c.Errors.String()))
		default:
			logger.Info("http", slog.Group("http", attrs...))
		}
	}
}
