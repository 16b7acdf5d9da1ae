package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/skip2/go-qrcode"
)

// CheckIn admits the holder of an issued ticket. A ticket can be checked in
// once.
func (s *Service) CheckIn(ctx context.Context, code string, staffID uuid.UUID) (*domain.Ticket, error) {
	const op = "service.orders.CheckIn"

	t, err := s.store.GetTicketByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}

	order, err := s.store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}
	if !order.Status.Refundable() {
		return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "order", ID: order.ID, Current: string(order.Status)})
	}

	checked, err := s.store.CheckInTicket(ctx, t.ID, staffID, s.cfg.Now())
	if err != nil {
		var mismatch *repository.StatusMismatchError
		if errors.As(err, &mismatch) {
			return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "ticket", ID: t.ID, Current: mismatch.Current})
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return checked, nil
}

// TicketQR renders the ticket code as a PNG QR code. Only sold tickets get
// one.
func (s *Service) TicketQR(ctx context.Context, code string, size int) ([]byte, error) {
	const op = "service.orders.TicketQR"

	t, err := s.store.GetTicketByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, notFound(err))
	}
	if !t.Status.Sold() {
		return nil, fmt.Errorf("%s:%w", op, &domain.StateConflictError{Entity: "ticket", ID: t.ID, Current: string(t.Status)})
	}

	if size <= 0 {
		size = 256
	}

	png, err := qrcode.Encode(t.Code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return png, nil
}
