// Package engine runs every gameplay operation through one choreography:
// distributed lock, transaction, pessimistic subject locks, mutation, commit,
// then events. Feature operations supply only the mutation step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gachaward/internal/bus"
	"gachaward/internal/claim"
	"gachaward/internal/config"
	"gachaward/internal/ledger"
	"gachaward/internal/lock"
	"gachaward/internal/prob"
)

var (
	// ErrConflict is returned after serialization-retry exhaustion; the
	// operation did not commit and is safe to resubmit.
	ErrConflict = errors.New("conflicting concurrent update, try again")

	ErrBannerNotFound = errors.New("banner not found")
	ErrRecipeNotFound = errors.New("recipe not found")
	ErrQuestNotFound  = errors.New("quest not found")
)

type Engine struct {
	pool  *pgxpool.Pool
	log   *slog.Logger
	locks *lock.Coordinator
	led   *ledger.Ledger
	bus   *bus.Bus
	cfg   *config.Store
	rng   prob.Source

	lockLease      time.Duration
	lockWait       time.Duration
	degradedLockOK bool
}

type Options struct {
	LockLease      time.Duration
	LockWait       time.Duration
	DegradedLockOK bool
	// RNG defaults to the crypto source; tests inject a seeded one.
	RNG prob.Source
}

func New(pool *pgxpool.Pool, logger *slog.Logger, locks *lock.Coordinator, led *ledger.Ledger, b *bus.Bus, cfg *config.Store, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RNG == nil {
		opts.RNG = prob.CryptoSource{}
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 15 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if err := checkDetailSchemas(); err != nil {
		return nil, err
	}
	return &Engine{
		pool:           pool,
		log:            logger,
		locks:          locks,
		led:            led,
		bus:            b,
		cfg:            cfg,
		rng:            opts.RNG,
		lockLease:      opts.LockLease,
		lockWait:       opts.LockWait,
		degradedLockOK: opts.DegradedLockOK,
	}, nil
}

// opFunc performs the mutation inside an open transaction. Events passed to
// stage are published only after the transaction commits; a rollback discards
// them unseen.
type opFunc func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error

// run executes the full choreography for one operation over the given
// subjects. Both lock layers follow the same sorted order, so operations
// touching overlapping subject sets cannot form a deadlock cycle.
func (e *Engine) run(ctx context.Context, opName string, subjects []string, fn opFunc) error {
	ordered := lock.SortKeys(subjects)

	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	handles, err := e.locks.AcquireAll(lockCtx, ordered, e.lockLease)
	cancel()
	switch {
	case err == nil:
		defer e.locks.ReleaseAll(handles)
	case errors.Is(err, lock.ErrLockUnavailable) && e.degradedLockOK:
		// Explicitly configured fallback: the row locks below still
		// serialize the final read-then-write.
		e.log.Error("lock coordinator unavailable, proceeding on row locks only",
			"op", opName, "subjects", ordered, "err", err)
	default:
		return err
	}

	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		var staged []bus.Event
		err = func() error {
			defer tx.Rollback(ctx)
			if err := lockSubjectRows(ctx, tx, ordered); err != nil {
				return err
			}
			if err := fn(ctx, tx, func(ev bus.Event) { staged = append(staged, ev) }); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			for _, ev := range staged {
				e.bus.Publish(ctx, ev)
			}
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrConflict
}

// lockSubjectRows takes the transaction-scoped pessimistic lock per subject,
// in the already-sorted order. Released automatically at commit or rollback.
func lockSubjectRows(ctx context.Context, tx pgx.Tx, subjects []string) error {
	for _, s := range subjects {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s); err != nil {
			return fmt.Errorf("subject lock %s: %w", s, err)
		}
	}
	return nil
}

// claimOp consumes the caller-supplied idempotency key so a replayed request
// (double click, platform retry) surfaces as already-claimed instead of
// charging twice.
func (e *Engine) claimOp(ctx context.Context, tx pgx.Tx, subjectID, opName, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	ok, err := claim.TryClaim(ctx, tx, subjectID, "op:"+opName, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %q: %w", opName, key, claim.ErrAlreadyClaimed)
	}
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
