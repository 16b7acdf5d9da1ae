package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/metrics"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/repository"
	"github.com/kirinyoku/tixledger/internal/uow"
)

// Store is the part of the ledger the order lifecycle reads and writes.
type Store interface {
	uow.Transactor

	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	LockTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	CountPendingTickets(ctx context.Context, ticketTypeID uuid.UUID) (int, error)
	CountUserTickets(ctx context.Context, eventID, userID, ticketTypeID uuid.UUID) (int, error)
	SoldUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error)
	ClaimedUnits(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) ([]uuid.UUID, error)
	ListUnits(ctx context.Context, ids []uuid.UUID) ([]domain.SellableUnit, error)

	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error)

	InsertOrder(ctx context.Context, o domain.Order) error
	InsertTickets(ctx context.Context, tickets []domain.Ticket) error
	TransitionOrder(ctx context.Context, id uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus, pay *domain.PaymentConfirmation, at time.Time) (*domain.Order, error)
	TransitionTickets(ctx context.Context, orderID uuid.UUID, from []domain.TicketStatus, to domain.TicketStatus) (int64, error)
	DecrementRemaining(ctx context.Context, ticketTypeID uuid.UUID, n int) error
	CheckInTicket(ctx context.Context, id, by uuid.UUID, at time.Time) (*domain.Ticket, error)
}

// Holds is the reservation manager as seen by checkout.
type Holds interface {
	Hold(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID) (domain.HoldResult, error)
	ListHeld(ctx context.Context, eventID uuid.UUID, holderID *uuid.UUID) ([]uuid.UUID, error)
	ReleaseFor(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID) error
	Confirm(ctx context.Context, eventID uuid.UUID, unitIDs []uuid.UUID) error
}

type Signal interface {
	EventChanged(ctx context.Context, eventID uuid.UUID)
}

type Config struct {
	// PendingTTL is how long an unpaid order may stay pending before the
	// reaper cancels it.
	PendingTTL time.Duration
	ReapBatch  int
	// WriteTimeout bounds the work that carries on after the caller has
	// gone away: persisting an order, issuing tickets, compensation.
	WriteTimeout time.Duration
	Now          func() time.Time
}

type Service struct {
	store    Store
	holds    Holds
	gateway  gateway.Gateway
	notifier notify.Notifier
	signal   Signal
	uow      *uow.UoW
	log      *slog.Logger
	cfg      Config
}

// New builds the order lifecycle controller. gw may be nil, in which case
// only cash orders are accepted. signal may be nil.
func New(
	store Store,
	holds Holds,
	gw gateway.Gateway,
	notifier notify.Notifier,
	signal Signal,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:    store,
		holds:    holds,
		gateway:  gw,
		notifier: notifier,
		signal:   signal,
		uow:      uow.NewUoW(store),
		log:      log,
		cfg:      cfg,
	}
}

// detach keeps ctx's values but drops its cancellation, so a client
// disconnect cannot stop a write half way.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
}

func (s *Service) changed(ctx context.Context, eventID uuid.UUID) {
	if s.signal != nil {
		s.signal.EventChanged(ctx, eventID)
	}
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		metrics.NotifyFailed(string(msg.Template))
		s.log.Warn("notification failed",
			slog.String("template", string(msg.Template)),
			slog.String("scope_id", msg.ScopeID.String()),
			slog.Any("err", err),
		)
	}
}

// releaseUnits drops the order owner's holds. It runs on compensation paths,
// so failures are only logged.
func (s *Service) releaseUnits(ctx context.Context, eventID, holderID uuid.UUID, unitIDs []uuid.UUID) {
	if len(unitIDs) == 0 {
		return
	}
	if err := s.holds.ReleaseFor(ctx, eventID, holderID, unitIDs); err != nil {
		s.log.Warn("hold release failed",
			slog.String("event_id", eventID.String()),
			slog.Any("err", err),
		)
	}
}

func (s *Service) cancelIntent(ctx context.Context, ref string) {
	if s.gateway == nil || ref == "" {
		return
	}
	if err := s.gateway.CancelIntent(ctx, ref); err != nil {
		s.log.Warn("payment intent cancel failed", slog.String("intent", ref), slog.Any("err", err))
	}
}

// orderConflict turns a failed conditional transition into the domain error.
func orderConflict(id uuid.UUID, err error) error {
	var mismatch *repository.StatusMismatchError
	if errors.As(err, &mismatch) {
		return &domain.StateConflictError{Entity: "order", ID: id, Current: mismatch.Current}
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func ticketUnits(tickets []domain.Ticket) []uuid.UUID {
	var out []uuid.UUID
	for _, t := range tickets {
		if t.UnitID != nil {
			out = append(out, *t.UnitID)
		}
	}
	return out
}
