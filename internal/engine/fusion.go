package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gachaward/internal/bus"
	"gachaward/internal/config"
	"gachaward/internal/ledger"
	"gachaward/internal/prob"
)

type FuseInput struct {
	SubjectID      string
	RecipeID       string
	IdempotencyKey string
	Context        string
}

type FuseResult struct {
	Success  bool                          `json:"success"`
	Forced   bool                          `json:"forced"`
	Consumed map[ledger.Kind]ledger.Change `json:"consumed"`
	Granted  map[ledger.Kind]ledger.Change `json:"granted"`
	Pity     prob.State                    `json:"pity"`
}

// Fuse consumes the recipe inputs as one atomic batch and rolls the result.
// If any input is missing, nothing is consumed: the materials and the
// currency charge stand or fall together.
func (e *Engine) Fuse(ctx context.Context, in FuseInput) (FuseResult, error) {
	snap := e.cfg.Current()
	recipe, ok := snap.Recipes[in.RecipeID]
	if !ok {
		return FuseResult{}, fmt.Errorf("%q: %w", in.RecipeID, ErrRecipeNotFound)
	}

	var out FuseResult
	err := e.run(ctx, "fuse", []string{in.SubjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, in.SubjectID, "fuse", in.IdempotencyKey); err != nil {
			return err
		}

		deltas := make([]ledger.Delta, len(recipe.Inputs))
		for i, g := range recipe.Inputs {
			deltas[i] = ledger.Delta{
				Kind:    ledger.Kind(g.Kind),
				Amount:  -g.Amount,
				Reason:  "fusion_cost",
				Context: in.Context,
			}
		}
		consumed, err := e.led.ApplyDeltas(ctx, tx, in.SubjectID, deltas)
		if err != nil {
			return err
		}
		out.Consumed = consumed

		table := recipe.Table()
		hasPity := recipe.PityDomain != "" && recipe.Pity.Threshold > 0
		if hasPity {
			decision, derr := prob.EvaluatePity(ctx, tx, in.SubjectID, recipe.PityDomain, recipe.Pity)
			if derr != nil {
				return derr
			}
			if decision.ForceQualifying {
				out.Forced = true
				table, derr = table.Restrict(map[string]bool{config.FusionSuccess: true})
				if derr != nil {
					return derr
				}
			}
		}

		outcome, err := table.Draw(e.rng)
		if err != nil {
			return err
		}
		out.Success = outcome == config.FusionSuccess

		if hasPity {
			var roll int64
			if !out.Success {
				roll, err = prob.RollCredit(e.rng, recipe.Pity)
				if err != nil {
					return err
				}
			}
			out.Pity, err = prob.SettleDraw(ctx, tx, in.SubjectID, recipe.PityDomain, out.Success, roll)
			if err != nil {
				return err
			}
		}

		grants := recipe.Consolation
		reason := "fusion_consolation"
		if out.Success {
			grants = recipe.Success
			reason = "fusion_result"
		}
		granted, err := e.grantOutcome(ctx, tx, in.SubjectID, grants, reason, in.Context)
		if err != nil {
			return err
		}
		out.Granted = granted

		detail, err := opDetail("fusion_attempt", map[string]any{
			"recipe":  in.RecipeID,
			"outcome": outcome,
			"forced":  out.Forced,
		})
		if err != nil {
			return err
		}
		if err := ledger.AppendAudit(ctx, tx, ledger.Entry{
			SubjectID:     in.SubjectID,
			OperationType: "fusion_attempt",
			Detail:        detail,
			Context:       in.Context,
		}); err != nil {
			return err
		}

		stage(bus.Event{
			Topic:     "fusion.resolved",
			SubjectID: in.SubjectID,
			Data: map[string]any{
				"schema":  "v1",
				"recipe":  in.RecipeID,
				"success": out.Success,
				"forced":  out.Forced,
			},
		})
		return nil
	})
	if err != nil {
		return FuseResult{}, err
	}
	return out, nil
}
