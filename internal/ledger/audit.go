package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is one immutable audit record. There is no update or delete path.
type Entry struct {
	ID            int64          `json:"id,omitempty"`
	SubjectID     string         `json:"subject_id"`
	OperationType string         `json:"operation_type"`
	Detail        map[string]any `json:"detail"`
	Context       string         `json:"context"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// AppendAudit writes an entry inside the caller's transaction so a committed
// mutation can never exist without its audit record.
func AppendAudit(ctx context.Context, tx pgx.Tx, e Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO game.audit_entries (subject_id, operation_type, detail, context)
		VALUES ($1, $2, $3::jsonb, $4)
	`, e.SubjectID, e.OperationType, string(detail), e.Context)
	return err
}

// auditBatch writes one entry per distinct reason code in the batch, deltas
// coalesced into an itemized payload.
func (l *Ledger) auditBatch(ctx context.Context, tx pgx.Tx, subjectID string, deltas []Delta, changes map[Kind]Change) error {
	order := make([]string, 0, 2)
	byReason := make(map[string][]Delta, 2)
	for _, d := range deltas {
		if _, ok := byReason[d.Reason]; !ok {
			order = append(order, d.Reason)
		}
		byReason[d.Reason] = append(byReason[d.Reason], d)
	}

	for _, reason := range order {
		group := byReason[reason]
		items := make([]map[string]any, 0, len(group))
		balances := make(map[string]int64, len(group))
		for _, d := range group {
			items = append(items, map[string]any{
				"kind":   string(d.Kind),
				"amount": d.Amount,
			})
			balances[string(d.Kind)] = changes[d.Kind].New
		}
		err := AppendAudit(ctx, tx, Entry{
			SubjectID:     subjectID,
			OperationType: reason,
			Detail:        map[string]any{"items": items, "balances": balances},
			Context:       group[0].Context,
		})
		if err != nil {
			return fmt.Errorf("audit %s: %w", reason, err)
		}
	}
	return nil
}

// AuditFilter narrows and orders an audit query. Zero values mean "no bound".
type AuditFilter struct {
	OperationType string
	Since         time.Time
	Until         time.Time
	Desc          bool
	Limit         int32
}

// QueryAudit reads entries for a subject, newest or oldest first. Read-only;
// runs on the pool outside any transaction.
func (l *Ledger) QueryAudit(ctx context.Context, subjectID string, f AuditFilter) ([]Entry, error) {
	query := `
		SELECT id, subject_id, operation_type, detail, context, occurred_at
		FROM game.audit_entries
		WHERE subject_id = $1
	`
	args := []any{subjectID}
	if f.OperationType != "" {
		args = append(args, f.OperationType)
		query += fmt.Sprintf(" AND operation_type = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(" AND occurred_at < $%d", len(args))
	}
	if f.Desc {
		query += " ORDER BY occurred_at DESC, id DESC"
	} else {
		query += " ORDER BY occurred_at ASC, id ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.OperationType, &detail, &e.Context, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
