package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe implements Gateway with payment intents. The intent ID is the
// payment reference recorded on the order.
type Stripe struct {
	client        *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) (*Stripe, error) {
	if secretKey == "" {
		return nil, ErrNotConfigured
	}

	return &Stripe{
		client:        client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}, nil
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	const op = "gateway.Stripe.CreateIntent"

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountMinor),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		Description:        stripe.String(req.Reference),
		Metadata:           req.Metadata,
		PaymentMethodTypes: []*string{stripe.String("card")},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + req.Reference)

	pi, err := s.client.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%s:%w", op, err)
	}

	return Intent{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) CancelIntent(ctx context.Context, intentRef string) error {
	const op = "gateway.Stripe.CancelIntent"

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := s.client.PaymentIntents.Cancel(intentRef, params); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// VerifyProof asks Stripe for the intent instead of trusting the client. The
// proof string is unused: Stripe's own record is the proof.
func (s *Stripe) VerifyProof(ctx context.Context, intentRef, paymentRef, _ string) (bool, error) {
	const op = "gateway.Stripe.VerifyProof"

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.client.PaymentIntents.Get(intentRef, params)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return false, nil
	}
	if paymentRef == "" || paymentRef == pi.ID {
		return true, nil
	}

	return pi.LatestCharge != nil && pi.LatestCharge.ID == paymentRef, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (string, error) {
	const op = "gateway.Stripe.Refund"

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.AmountMinor),
		Metadata:      req.Metadata,
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.client.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return r.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps payment intent
// events onto orders through the order_id metadata.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (Event, error) {
	const op = "gateway.Stripe.ParseWebhook"

	if s.webhookSecret == "" {
		return Event{}, ErrNotConfigured
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%s:%w: %v", op, ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Kind: EventIgnored}

	var kind EventKind
	switch evt.Type {
	case "payment_intent.succeeded":
		kind = EventPaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		kind = EventPaymentFailed
	default:
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return Event{}, fmt.Errorf("%s:%w", op, err)
	}

	orderID, err := uuid.Parse(pi.Metadata[MetaOrderID])
	if err != nil {
		return out, nil
	}

	out.Kind = kind
	out.OrderID = orderID
	out.IntentRef = pi.ID
	out.PaymentRef = pi.ID

	return out, nil
}
