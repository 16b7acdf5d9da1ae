// Package gateway talks to the external payment processor.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotConfigured    = errors.New("payment gateway is not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// MetaOrderID is the intent metadata key that links processor events back to
// an order.
const MetaOrderID = "order_id"

type IntentRequest struct {
	AmountMinor int64
	Currency    string
	// Reference is the order number. It doubles as the idempotency key so a
	// retried CreateIntent never opens a second intent.
	Reference string
	Metadata  map[string]string
}

type Intent struct {
	Ref          string
	ClientSecret string
}

type RefundRequest struct {
	PaymentRef     string
	AmountMinor    int64
	IdempotencyKey string
	Metadata       map[string]string
}

// Gateway is the subset of the processor the order and settlement flows use.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CancelIntent(ctx context.Context, intentRef string) error
	// VerifyProof reports whether the intent was paid by paymentRef.
	VerifyProof(ctx context.Context, intentRef, paymentRef, proof string) (bool, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventIgnored          EventKind = "ignored"
)

// Event is a verified processor notification about one order.
type Event struct {
	ID         string
	Kind       EventKind
	OrderID    uuid.UUID
	IntentRef  string
	PaymentRef string
}
