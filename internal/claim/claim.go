// Package claim deduplicates one-time rewards and replayed operations.
// Uniqueness is enforced by the primary key on claim_guards, never by a
// check-then-insert in application code.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyClaimed is surfaced by callers when TryClaim reports a duplicate
// and the gated reward path must not run again.
var ErrAlreadyClaimed = errors.New("already claimed")

// TryClaim inserts the uniqueness row inside the caller's transaction.
// Returns true on the first claim. A rollback of the surrounding transaction
// rolls the claim back too, so a failed grant never burns the claim.
func TryClaim(ctx context.Context, tx pgx.Tx, subjectID, claimType, claimKey string) (bool, error) {
	cmd, err := tx.Exec(ctx, `
		INSERT INTO game.claim_guards (subject_id, claim_type, claim_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id, claim_type, claim_key) DO NOTHING
	`, subjectID, claimType, claimKey)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// PurgeExpired deletes claims of the given types older than the cutoff. This
// is the only delete path, used by the worker's retention job for claims that
// are naturally re-issuable (daily rewards, rotating quests).
func PurgeExpired(ctx context.Context, pool *pgxpool.Pool, before time.Time, claimTypes ...string) (int64, error) {
	cmd, err := pool.Exec(ctx, `
		DELETE FROM game.claim_guards
		WHERE claim_type = ANY($1) AND claimed_at < $2
	`, claimTypes, before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
