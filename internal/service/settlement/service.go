package settlement

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

// Store is the part of the ledger refunds and event cancellation touch.
type Store interface {
	uow.Transactor

	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, eventID uuid.UUID, statuses []domain.OrderStatus) ([]domain.Order, error)
	ListRefunds(ctx context.Context, orderID uuid.UUID) ([]domain.Refund, error)

	TransitionEvent(ctx context.Context, id uuid.UUID, from []domain.EventStatus, to domain.EventStatus, by uuid.UUID, reason string, at time.Time) (*domain.Event, error)
	TransitionTickets(ctx context.Context, orderID uuid.UUID, from []domain.TicketStatus, to domain.TicketStatus) (int64, error)
	CancelEventTickets(ctx context.Context, eventID uuid.UUID, from []domain.TicketStatus) (int64, error)

	OpenRefund(ctx context.Context, r domain.Refund) error
	FinishRefund(ctx context.Context, id uuid.UUID, status domain.RefundStatus, gatewayRef string, at time.Time) (*domain.Refund, error)
	SetRefundGatewayRef(ctx context.Context, id uuid.UUID, gatewayRef string) error
	ListStaleRefunds(ctx context.Context, before time.Time, limit int) ([]domain.Refund, error)
	ApplyRefund(ctx context.Context, orderID uuid.UUID, amount int64, at time.Time) (*domain.Order, error)
}

type Signal interface {
	EventChanged(ctx context.Context, eventID uuid.UUID)
}

type Config struct {
	// RefundConcurrency bounds the gateway calls a forced event cancellation
	// makes at once.
	RefundConcurrency int
	// WriteTimeout bounds a refund once its amount is reserved, whether or
	// not the caller is still waiting.
	WriteTimeout time.Duration
	// ReconcileAfter is how long a refund may stay processing before the
	// reconciler finishes it.
	ReconcileAfter time.Duration
	ReconcileBatch int
	Now            func() time.Time
}

type Service struct {
	store    Store
	gateway  gateway.Gateway
	notifier notify.Notifier
	signal   Signal
	uow      *uow.UoW
	log      *slog.Logger
	cfg      Config
}

// New builds the settlement reversal controller. gw may be nil when only
// cash orders are sold. signal may be nil.
func New(
	store Store,
	gw gateway.Gateway,
	notifier notify.Notifier,
	signal Signal,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.RefundConcurrency <= 0 {
		cfg.RefundConcurrency = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 5 * time.Minute
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		signal:   signal,
		uow:      uow.NewUoW(store),
		log:      log,
		cfg:      cfg,
	}
}

// detach keeps ctx's values but drops its cancellation, so a client
// disconnect cannot strand a refund between the gateway and the ledger.
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

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}
