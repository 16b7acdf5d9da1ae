// Package notify delivers customer notifications. Delivery is fire-and-forget
// from the caller's side: a failed Notify never undoes a committed change.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Template string

const (
	TemplateTicketsIssued  Template = "tickets_issued"
	TemplateRefund         Template = "refund_processed"
	TemplateEventCancelled Template = "event_cancelled"

	// TemplatePaymentReversed tells a buyer their payment was returned
	// because the order could not be fulfilled.
	TemplatePaymentReversed Template = "payment_reversed"
)

type Message struct {
	Template  Template       `json:"template"`
	Recipient string         `json:"recipient"`
	ScopeID   uuid.UUID      `json:"scope_id"`
	Context   map[string]any `json:"context,omitempty"`
	At        time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.log.Info("notification",
		slog.String("template", string(msg.Template)),
		slog.String("recipient", msg.Recipient),
		slog.String("scope_id", msg.ScopeID.String()),
	)
	return nil
}
