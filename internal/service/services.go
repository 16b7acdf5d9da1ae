package service

import (
	"log/slog"

	"github.com/kirinyoku/tixledger/internal/gateway"
	"github.com/kirinyoku/tixledger/internal/notify"
	redisrepo "github.com/kirinyoku/tixledger/internal/repository/redis"
	"github.com/kirinyoku/tixledger/internal/service/admin"
	"github.com/kirinyoku/tixledger/internal/service/orders"
	"github.com/kirinyoku/tixledger/internal/service/query"
	"github.com/kirinyoku/tixledger/internal/service/reservation"
	"github.com/kirinyoku/tixledger/internal/service/settlement"
)

// Store is the full ledger. Both the Postgres and the in-memory store
// satisfy it.
type Store interface {
	orders.Store
	settlement.Store
	query.Store
	admin.Store
}

type Services struct {
	Reservation *reservation.Service
	Orders      *orders.Service
	Settlement  *settlement.Service
	Query       *query.Service
	Admin       *admin.Service
}

type Config struct {
	Reservation reservation.Config
	Orders      orders.Config
	Settlement  settlement.Config
	Query       query.Config
}

// Deps are the collaborators shared by the services. Limiter, Gateway,
// Signal and Cache are optional and must be left as untyped nil when absent.
type Deps struct {
	Store    Store
	Holds    reservation.HoldStore
	Limiter  reservation.Limiter
	Gateway  gateway.Gateway
	Notifier notify.Notifier
	Signal   reservation.Signal
	Cache    *redisrepo.Cache
	Log      *slog.Logger
}

func NewServices(d Deps, cfg Config) *Services {
	res := reservation.New(d.Holds, d.Store, d.Limiter, d.Signal, d.Log.With("service", "reservation"), cfg.Reservation)

	return &Services{
		Reservation: res,
		Orders:      orders.New(d.Store, res, d.Gateway, d.Notifier, d.Signal, d.Log.With("service", "orders"), cfg.Orders),
		Settlement:  settlement.New(d.Store, d.Gateway, d.Notifier, d.Signal, d.Log.With("service", "settlement"), cfg.Settlement),
		Query:       query.New(d.Store, res, d.Cache, cfg.Query),
		Admin:       admin.New(d.Store, d.Signal, d.Log.With("service", "admin")),
	}
}
