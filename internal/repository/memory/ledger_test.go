package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func seedPaidOrder(t *testing.T, s *Store) domain.Order {
	t.Helper()
	ctx := context.Background()

	venue := domain.Venue{ID: uuid.New(), Name: "Depot"}
	require.NoError(t, s.CreateVenue(ctx, venue))

	event := domain.Event{ID: uuid.New(), VenueID: venue.ID, Title: "Gig", Status: domain.EventPublished}
	require.NoError(t, s.CreateEvent(ctx, event))

	o := domain.Order{
		ID:            uuid.New(),
		Number:        "TIX-20261018-MEMORY01",
		EventID:       event.ID,
		Status:        domain.OrderPaid,
		TotalMinor:    4000,
		Currency:      "EUR",
		PaymentMethod: domain.PaymentGateway,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, s.InsertOrder(ctx, o))

	return o
}

func TestFinishRefund_UnknownAndFinished(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	o := seedPaidOrder(t, s)

	_, err := s.FinishRefund(ctx, uuid.New(), domain.RefundCompleted, "re_x", testNow)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	r := domain.Refund{ID: uuid.New(), OrderID: o.ID, AmountMinor: 1000, Status: domain.RefundProcessing, CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, s.OpenRefund(ctx, r))

	_, err = s.FinishRefund(ctx, r.ID, domain.RefundCompleted, "re_1", testNow)
	require.NoError(t, err)

	_, err = s.FinishRefund(ctx, r.ID, domain.RefundCompleted, "re_1", testNow)
	var mismatch *repository.StatusMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, string(domain.RefundCompleted), mismatch.Current)

	assert.ErrorAs(t, s.SetRefundGatewayRef(ctx, r.ID, "re_2"), &mismatch)
	assert.ErrorIs(t, s.SetRefundGatewayRef(ctx, uuid.New(), "re_2"), repository.ErrNotFound)
}

func TestListStaleRefunds(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	o := seedPaidOrder(t, s)

	old := domain.Refund{ID: uuid.New(), OrderID: o.ID, AmountMinor: 1000, Status: domain.RefundProcessing, CreatedAt: testNow.Add(-time.Hour), UpdatedAt: testNow.Add(-time.Hour)}
	recent := domain.Refund{ID: uuid.New(), OrderID: o.ID, AmountMinor: 1000, Status: domain.RefundProcessing, CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, s.OpenRefund(ctx, old))
	require.NoError(t, s.OpenRefund(ctx, recent))
	require.NoError(t, s.SetRefundGatewayRef(ctx, old.ID, "re_old"))

	stale, err := s.ListStaleRefunds(ctx, testNow.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.Equal(t, "re_old", stale[0].GatewayRef)
}
