package uow

import (
	"context"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// Transactor runs fn inside a transaction. Stores carry the transaction in
// the context handed to fn.
type Transactor interface {
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type retryable interface {
	Retryable(err error) bool
}

// UoW represents a unit of work.
type UoW struct {
	tx       Transactor
	attempts int
}

func NewUoW(tx Transactor) *UoW {
	return &UoW{tx: tx, attempts: 3}
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks. Serialization failures reported by the
// transactor are retried with a fresh set of hooks.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	var (
		hooks []AfterCommit
		err   error
	)

	for attempt := 1; attempt <= u.attempts; attempt++ {
		hooks = hooks[:0]

		err = u.tx.RunTx(ctx, func(ctx context.Context) error {
			return fn(ctx, func(h AfterCommit) {
				hooks = append(hooks, h)
			})
		})
		if err == nil {
			break
		}

		r, ok := u.tx.(retryable)
		if !ok || !r.Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}
