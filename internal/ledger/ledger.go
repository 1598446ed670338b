package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger owns resource_accounts and audit_entries. No other package writes
// either table.
type Ledger struct {
	pool *pgxpool.Pool
	log  *slog.Logger
	caps CapSource
}

func New(pool *pgxpool.Pool, logger *slog.Logger, caps CapSource) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{pool: pool, log: logger, caps: caps}
}

// ReadBalances is the lock-free display path. Kinds with no account row yet
// report the configured starting balance, matching what lazy creation would
// produce on first mutation.
func (l *Ledger) ReadBalances(ctx context.Context, subjectID string, kinds ...Kind) (map[Kind]int64, error) {
	caps := l.caps.Caps()
	out := make(map[Kind]int64, len(kinds))
	for _, k := range kinds {
		out[k] = caps.Starting(k)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT kind, balance
		FROM game.resource_accounts
		WHERE subject_id = $1 AND kind = ANY($2)
	`, subjectID, kindStrings(kinds))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var balance int64
		if err := rows.Scan(&kind, &balance); err != nil {
			return nil, err
		}
		out[Kind(kind)] = balance
	}
	return out, rows.Err()
}

// ApplyDeltas applies the batch atomically inside the caller's transaction.
// The caller must already hold the subject lock for the transaction; the
// per-account row locks taken here are the defense-in-depth layer.
func (l *Ledger) ApplyDeltas(ctx context.Context, tx pgx.Tx, subjectID string, deltas []Delta) (map[Kind]Change, error) {
	if len(deltas) == 0 {
		return map[Kind]Change{}, nil
	}
	caps := l.caps.Caps()
	kinds := distinctKinds(deltas)

	for _, k := range kinds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game.resource_accounts (subject_id, kind, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (subject_id, kind) DO NOTHING
		`, subjectID, string(k), caps.Starting(k)); err != nil {
			return nil, fmt.Errorf("ensure account %s/%s: %w", subjectID, k, err)
		}
	}

	balances := make(map[Kind]int64, len(kinds))
	rows, err := tx.Query(ctx, `
		SELECT kind, balance
		FROM game.resource_accounts
		WHERE subject_id = $1 AND kind = ANY($2)
		ORDER BY kind
		FOR UPDATE
	`, subjectID, kindStrings(kinds))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var balance int64
		if err := rows.Scan(&kind, &balance); err != nil {
			rows.Close()
			return nil, err
		}
		balances[Kind(kind)] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	changes, err := planBatch(balances, caps, deltas)
	if err != nil {
		return nil, err
	}

	for _, k := range kinds {
		ch, ok := changes[k]
		if !ok || ch.New == ch.Old {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE game.resource_accounts
			SET balance = $1, updated_at = now()
			WHERE subject_id = $2 AND kind = $3
		`, ch.New, subjectID, string(k)); err != nil {
			return nil, fmt.Errorf("update account %s/%s: %w", subjectID, k, err)
		}
	}

	if err := l.auditBatch(ctx, tx, subjectID, deltas, changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func distinctKinds(deltas []Delta) []Kind {
	seen := make(map[Kind]bool, len(deltas))
	var out []Kind
	for _, d := range deltas {
		if !seen[d.Kind] {
			seen[d.Kind] = true
			out = append(out, d.Kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func kindStrings(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
