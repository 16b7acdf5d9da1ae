package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tixledger/internal/config"
	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/notify"
	"github.com/kirinyoku/tixledger/internal/postgres"
	"github.com/kirinyoku/tixledger/internal/redis"
	"github.com/kirinyoku/tixledger/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/tixledger/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/kirinyoku/tixledger/internal/service"
	"github.com/kirinyoku/tixledger/internal/service/orders"
	"github.com/kirinyoku/tixledger/internal/service/reservation"
	httpgin "github.com/kirinyoku/tixledger/internal/transport/http/gin"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	pubsub     *redisrepo.EventsPubSub
	cache      *redisrepo.Cache
	closers    []func() error
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger}

	deps := service.Deps{Log: logger}

	// Record store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN(),
			MaxConns: cfg.Postgres.MaxConns,
			AppName:  "tixledger",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		store := postgresrepo.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		deps.Store = store
	default:
		logger.Warn("using in-memory record store; data is lost on restart")
		deps.Store = memory.NewStore()
	}

	// Holds and the redis-backed extras
	var idem *redisrepo.IdempotencyStore
	switch cfg.Holds.Driver {
	case config.DriverRedis:
		rdb, err := redis.New(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)

		a.cache = redisrepo.NewCache(rdb)
		a.pubsub = redisrepo.NewEventsPubSub(rdb)
		idem = redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

		deps.Holds = redisrepo.NewHoldStore(rdb)
		deps.Cache = a.cache
		deps.Signal = redisrepo.NewBroadcaster(a.cache, a.pubsub, logger.With("component", "broadcaster"))
		if cfg.Holds.RateLimit > 0 {
			deps.Limiter = redisrepo.NewSlidingWindowLimiter(rdb, "holds", cfg.Holds.RateLimit, time.Minute)
		}
	default:
		deps.Holds = memory.NewHoldStore()
	}

	// Payment gateway
	var webhooks httpgin.WebhookParser
	if cfg.Stripe.Enabled() {
		stripe, err := gateway.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize stripe: %w", err)
		}
		deps.Gateway = stripe
		webhooks = stripe
	} else {
		logger.Warn("payment gateway not configured; only cash orders are accepted")
	}

	// Notifications
	if cfg.Kafka.Enabled() {
		kn := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic)
		a.closers = append(a.closers, kn.Close)
		deps.Notifier = kn
	} else {
		deps.Notifier = notify.NewLogNotifier(logger.With("component", "notify"))
	}

	a.services = service.NewServices(deps, service.Config{
		Reservation: reservation.Config{TTL: cfg.Holds.TTL},
		Orders:      orders.Config{PendingTTL: cfg.Orders.PendingTTL},
	})

	router := httpgin.NewRouter(a.services, idem, webhooks, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.Close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.services.Reservation.RunSweeper(gCtx, a.cfg.Holds.SweepInterval)
	})

	g.Go(func() error {
		return a.services.Orders.RunReaper(gCtx, a.cfg.Orders.ReapInterval)
	})

	g.Go(func() error {
		return a.services.Settlement.RunReconciler(gCtx, a.cfg.Orders.ReapInterval)
	})

	// Other instances publish ledger changes; drop our cached view of them.
	if a.pubsub != nil {
		g.Go(func() error {
			err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, eventID uuid.UUID) {
				if err := a.cache.InvalidateEvent(ctx, eventID); err != nil {
					a.logger.Warn("cache invalidation failed", slog.String("event_id", eventID.String()), slog.Any("err", err))
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// Close releases pools and clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("err", err))
		}
	}
	a.closers = nil
}
