package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"

	"gachaward/internal/bus"
	"gachaward/internal/claim"
	"gachaward/internal/config"
	"gachaward/internal/ledger"
)

// IncomeTickResult summarizes one payout sweep.
type IncomeTickResult struct {
	TickID        string `json:"tick_id"`
	OwnersPaid    int    `json:"owners_paid"`
	OwnersSkipped int    `json:"owners_skipped"`
}

// IncomeTick pays every structure owner their per-tick income. The worker
// supplies a tick identifier (the truncated tick time); each owner's payout is
// guarded by a claim on that identifier, so overlapping workers or a restarted
// tick never double-pay. Owners are paid in independent transactions; one
// failing owner does not block the rest.
func (e *Engine) IncomeTick(ctx context.Context, tickID string) (IncomeTickResult, error) {
	snap := e.cfg.Current()
	out := IncomeTickResult{TickID: tickID}
	if len(snap.Income) == 0 {
		return out, nil
	}

	owners, err := e.structureOwners(ctx, snap.Income)
	if err != nil {
		return out, err
	}

	for _, owner := range owners {
		err := e.payOwner(ctx, tickID, owner, snap.Income)
		switch {
		case err == nil:
			out.OwnersPaid++
		case errors.Is(err, claim.ErrAlreadyClaimed):
			out.OwnersSkipped++
		default:
			// Keep sweeping; the owner's claim was rolled back, so the next
			// tick (or a retry of this one) pays them.
			e.log.Error("income payout failed", "subject", owner, "tick", tickID, "err", err)
			out.OwnersSkipped++
		}
	}
	return out, nil
}

// structureOwners lists subjects holding at least one income structure,
// sorted for a stable sweep order.
func (e *Engine) structureOwners(ctx context.Context, income []config.IncomeStructure) ([]string, error) {
	kinds := make([]string, 0, len(income))
	for _, inc := range income {
		kinds = append(kinds, string(ledger.ItemKind(inc.Structure)))
	}
	rows, err := e.pool.Query(ctx,
		`SELECT DISTINCT subject_id
		   FROM game.resource_accounts
		  WHERE kind = ANY($1) AND balance > 0`, kinds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		owners = append(owners, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(owners)
	return owners, nil
}

func (e *Engine) payOwner(ctx context.Context, tickID, subjectID string, income []config.IncomeStructure) error {
	return e.run(ctx, "income_tick", []string{subjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		ok, err := claim.TryClaim(ctx, tx, subjectID, "income", tickID)
		if err != nil {
			return err
		}
		if !ok {
			return claim.ErrAlreadyClaimed
		}

		balances, err := readStructureCounts(ctx, tx, subjectID, income)
		if err != nil {
			return err
		}

		var deltas []ledger.Delta
		paid := map[string]int64{}
		for _, inc := range income {
			count := balances[ledger.ItemKind(inc.Structure)]
			if count <= 0 {
				continue
			}
			amount := inc.AmountPerUnit * count
			deltas = append(deltas, ledger.Delta{
				Kind:    ledger.Kind(inc.PayKind),
				Amount:  amount,
				Reason:  "income_" + inc.Structure,
				Context: tickID,
			})
			paid[inc.Structure] = amount
		}
		if len(deltas) == 0 {
			// Structures were sold between the sweep query and this
			// transaction. The claim still burns the tick for the owner.
			return nil
		}
		if _, err := e.led.ApplyDeltas(ctx, tx, subjectID, deltas); err != nil {
			return err
		}

		stage(bus.Event{
			Topic:     "income.paid",
			SubjectID: subjectID,
			Data: map[string]any{
				"schema": "v1",
				"tick":   tickID,
				"paid":   paid,
			},
		})
		return nil
	})
}

// readStructureCounts reads the owner's structure balances inside the payout
// transaction, so the amount reflects the locked state and not the sweep's.
func readStructureCounts(ctx context.Context, tx pgx.Tx, subjectID string, income []config.IncomeStructure) (map[ledger.Kind]int64, error) {
	kinds := make([]string, 0, len(income))
	for _, inc := range income {
		kinds = append(kinds, string(ledger.ItemKind(inc.Structure)))
	}
	rows, err := tx.Query(ctx,
		`SELECT kind, balance
		   FROM game.resource_accounts
		  WHERE subject_id = $1 AND kind = ANY($2)`, subjectID, kinds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ledger.Kind]int64, len(income))
	for rows.Next() {
		var (
			kind    string
			balance int64
		)
		if err := rows.Scan(&kind, &balance); err != nil {
			return nil, err
		}
		out[ledger.Kind(kind)] = balance
	}
	return out, rows.Err()
}
