// Package lock is the cross-process mutual-exclusion layer. Leases live in
// the same Postgres store every process already shares; an expired lease is
// stolen atomically by the next acquirer, so a crashed holder can never block
// the system past its lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

var (
	// ErrLockTimeout means the caller's wait budget ran out while another
	// holder kept the lease. Retryable with backoff.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockUnavailable means the backing store could not be reached. The
	// coordinator never silently grants in this state.
	ErrLockUnavailable = errors.New("lock store unavailable")
)

// Handle proves ownership of one held lease.
type Handle struct {
	Key        string
	OwnerToken string
	ExpiresAt  time.Time
}

type Coordinator struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewCoordinator(pool *pgxpool.Pool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{pool: pool, log: logger}
}

// PlayerKey and GuildKey are the lock key convention: one key per logical
// mutable subject.
func PlayerKey(id string) string { return "player:" + id }
func GuildKey(id string) string  { return "guild:" + id }

// SortKeys returns the globally consistent acquisition order for a
// multi-subject operation. Both lock layers must follow it.
func SortKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// Acquire blocks until the lease is held or ctx expires. The wait budget is
// the caller's ctx deadline; on expiry the result is ErrLockTimeout and no
// state has been touched.
func (c *Coordinator) Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	token := uuid.NewString()
	delay := 25 * time.Millisecond

	for {
		expiry, acquired, err := c.tryAcquire(ctx, key, token, lease)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Handle{Key: key, OwnerToken: token, ExpiresAt: expiry}, nil
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		t := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-t.C:
		}
		if delay < 400*time.Millisecond {
			delay *= 2
		}
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context, key, token string, lease time.Duration) (time.Time, bool, error) {
	var expiry time.Time
	err := c.pool.QueryRow(ctx, `
		INSERT INTO game.lock_leases (lock_key, owner_token, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (lock_key) DO UPDATE
		SET owner_token = EXCLUDED.owner_token,
		    expires_at  = EXCLUDED.expires_at
		WHERE game.lock_leases.expires_at <= now()
		RETURNING expires_at
	`, key, token, lease.Seconds()).Scan(&expiry)
	if err == nil {
		return expiry, true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	if isNoRows(err) {
		// Live lease held by someone else.
		return time.Time{}, false, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
}

// AcquireAll takes every key in sorted order, releasing anything held if a
// later acquisition fails.
func (c *Coordinator) AcquireAll(ctx context.Context, keys []string, lease time.Duration) ([]*Handle, error) {
	ordered := SortKeys(keys)
	held := make([]*Handle, 0, len(ordered))
	for _, key := range ordered {
		h, err := c.Acquire(ctx, key, lease)
		if err != nil {
			c.ReleaseAll(held)
			return nil, err
		}
		held = append(held, h)
	}
	return held, nil
}

// Release is idempotent: a foreign, expired, or already-released handle is a
// no-op. Best effort; lease expiry is the safety net.
func (c *Coordinator) Release(h *Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.pool.Exec(ctx, `
		DELETE FROM game.lock_leases
		WHERE lock_key = $1 AND owner_token = $2
	`, h.Key, h.OwnerToken)
	if err != nil {
		c.log.Warn("lock release failed, lease will expire", "key", h.Key, "err", err)
	}
}

func (c *Coordinator) ReleaseAll(handles []*Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		c.Release(handles[i])
	}
}

// Sweep clears leases that expired more than grace ago. Hygiene only;
// correctness never depends on it because expired rows are stolen in place.
func (c *Coordinator) Sweep(ctx context.Context, grace time.Duration) (int64, error) {
	cmd, err := c.pool.Exec(ctx, `
		DELETE FROM game.lock_leases
		WHERE expires_at < now() - make_interval(secs => $1)
	`, grace.Seconds())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
