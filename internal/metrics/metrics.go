// Package metrics holds the Prometheus collectors for the inventory flows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	holdUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixledger_hold_units_total",
			Help: "Units requested through Hold, by outcome",
		},
		[]string{"outcome"},
	)

	holdsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixledger_holds_swept_total",
			Help: "Expired holds removed by the sweeper",
		},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixledger_order_transitions_total",
			Help: "Order lifecycle transitions",
		},
		[]string{"to"},
	)

	refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixledger_refunds_total",
			Help: "Refund attempts by final status",
		},
		[]string{"status"},
	)

	notifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixledger_notify_failures_total",
			Help: "Notifications that could not be delivered",
		},
		[]string{"template"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixledger_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"method", "route", "class"},
	)

	opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tixledger_operation_duration_seconds",
			Help:    "Duration of core operations",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op", "result"},
	)
)

func HoldUnits(held, rejected int) {
	holdUnits.WithLabelValues("held").Add(float64(held))
	holdUnits.WithLabelValues("rejected").Add(float64(rejected))
}

func HoldsSwept(n int64) {
	holdsSwept.Add(float64(n))
}

func OrderTransition(to string) {
	orderTransitions.WithLabelValues(to).Inc()
}

func Refund(status string) {
	refunds.WithLabelValues(status).Inc()
}

func NotifyFailed(template string) {
	notifyFailures.WithLabelValues(template).Inc()
}

// HTTPRequest counts a served request. route is the registered pattern, not
// the raw path, to keep label cardinality bounded.
func HTTPRequest(method, route string, status int) {
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	httpRequests.WithLabelValues(method, route, class).Inc()
}

// ObserveOp records how long op took since start. Use with defer:
//
//	defer metrics.ObserveOp("create_order", time.Now(), &err)
func ObserveOp(op string, start time.Time, errp *error) {
	result := "ok"
	if errp != nil && *errp != nil {
		result = "error"
	}
	opDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}
