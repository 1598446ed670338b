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

type SummonInput struct {
	SubjectID      string
	BannerID       string
	IdempotencyKey string
	Context        string
}

type SummonResult struct {
	Outcome string                        `json:"outcome"`
	Forced  bool                          `json:"forced"`
	Pity    prob.State                    `json:"pity"`
	Cost    map[ledger.Kind]ledger.Change `json:"cost"`
	Granted map[ledger.Kind]ledger.Change `json:"granted"`
}

// Summon charges the banner cost, runs the pity-aware weighted draw, and
// grants the outcome, all in one transaction. A replayed idempotency key
// surfaces as already-claimed without touching the balance.
func (e *Engine) Summon(ctx context.Context, in SummonInput) (SummonResult, error) {
	snap := e.cfg.Current()
	banner, ok := snap.Banners[in.BannerID]
	if !ok {
		return SummonResult{}, fmt.Errorf("%q: %w", in.BannerID, ErrBannerNotFound)
	}

	var out SummonResult
	err := e.run(ctx, "summon", []string{in.SubjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, in.SubjectID, "summon", in.IdempotencyKey); err != nil {
			return err
		}

		cost, err := e.led.ApplyDeltas(ctx, tx, in.SubjectID, []ledger.Delta{{
			Kind:    ledger.Kind(banner.CostKind),
			Amount:  -banner.CostAmount,
			Reason:  "summon_cost",
			Context: in.Context,
		}})
		if err != nil {
			return err
		}
		out.Cost = cost

		outcome, forced, state, err := e.drawFromBanner(ctx, tx, in.SubjectID, banner)
		if err != nil {
			return err
		}
		out.Outcome = outcome
		out.Forced = forced
		out.Pity = state

		granted, err := e.grantOutcome(ctx, tx, in.SubjectID, banner.Grants[outcome], "summon_granted", in.Context)
		if err != nil {
			return err
		}
		out.Granted = granted

		detail, err := opDetail("summon", map[string]any{
			"banner":  in.BannerID,
			"outcome": outcome,
			"forced":  forced,
		})
		if err != nil {
			return err
		}
		if err := ledger.AppendAudit(ctx, tx, ledger.Entry{
			SubjectID:     in.SubjectID,
			OperationType: "summon",
			Detail:        detail,
			Context:       in.Context,
		}); err != nil {
			return err
		}

		stage(bus.Event{
			Topic:     "summon.granted",
			SubjectID: in.SubjectID,
			Data: map[string]any{
				"schema":  "v1",
				"banner":  in.BannerID,
				"outcome": outcome,
				"forced":  forced,
			},
		})
		return nil
	})
	if err != nil {
		return SummonResult{}, err
	}
	return out, nil
}

// drawFromBanner resolves one weighted draw with both pity tracks applied.
// Pity state moves in the caller's transaction, so the cost debit and the
// counter update commit or roll back together.
func (e *Engine) drawFromBanner(ctx context.Context, tx pgx.Tx, subjectID string, banner *config.Banner) (outcome string, forced bool, state prob.State, err error) {
	table := banner.Table()
	hasPity := banner.PityDomain != "" && (banner.Pity.Threshold > 0 || banner.Pity.RedeemAt > 0)

	if hasPity {
		decision, derr := prob.EvaluatePity(ctx, tx, subjectID, banner.PityDomain, banner.Pity)
		if derr != nil {
			return "", false, prob.State{}, derr
		}
		if decision.ForceQualifying {
			forced = true
			table, derr = table.Restrict(banner.QualifyingSet())
			if derr != nil {
				return "", false, prob.State{}, derr
			}
		}
	}

	outcome, err = table.Draw(e.rng)
	if err != nil {
		return "", false, prob.State{}, err
	}

	if hasPity {
		qualifying := banner.QualifyingSet()[outcome]
		var roll int64
		if !qualifying {
			roll, err = prob.RollCredit(e.rng, banner.Pity)
			if err != nil {
				return "", false, prob.State{}, err
			}
		}
		state, err = prob.SettleDraw(ctx, tx, subjectID, banner.PityDomain, qualifying, roll)
		if err != nil {
			return "", false, prob.State{}, err
		}
	}
	return outcome, forced, state, nil
}

func (e *Engine) grantOutcome(ctx context.Context, tx pgx.Tx, subjectID string, grants []config.Grant, reason, contextTag string) (map[ledger.Kind]ledger.Change, error) {
	if len(grants) == 0 {
		return map[ledger.Kind]ledger.Change{}, nil
	}
	deltas := make([]ledger.Delta, len(grants))
	for i, g := range grants {
		deltas[i] = ledger.Delta{
			Kind:    ledger.Kind(g.Kind),
			Amount:  g.Amount,
			Reason:  reason,
			Context: contextTag,
		}
	}
	return e.led.ApplyDeltas(ctx, tx, subjectID, deltas)
}

type RedeemPityInput struct {
	SubjectID      string
	Domain         string
	IdempotencyKey string
	Context        string
}

type RedeemPityResult struct {
	Outcome string                        `json:"outcome"`
	Granted map[ledger.Kind]ledger.Change `json:"granted"`
	Pity    prob.State                    `json:"pity"`
}

// RedeemPity spends accumulated pity credits for a guaranteed qualifying
// outcome on the banner owning the domain. Player-initiated, never automatic.
func (e *Engine) RedeemPity(ctx context.Context, in RedeemPityInput) (RedeemPityResult, error) {
	snap := e.cfg.Current()
	bannerID, banner := bannerByPityDomain(snap, in.Domain)
	if banner == nil {
		return RedeemPityResult{}, fmt.Errorf("pity domain %q: %w", in.Domain, ErrBannerNotFound)
	}

	var out RedeemPityResult
	err := e.run(ctx, "pity_redeem", []string{in.SubjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, in.SubjectID, "pity_redeem", in.IdempotencyKey); err != nil {
			return err
		}

		state, err := prob.SpendCredits(ctx, tx, in.SubjectID, in.Domain, banner.Pity)
		if err != nil {
			return err
		}
		out.Pity = state

		forcedTable, err := banner.Table().Restrict(banner.QualifyingSet())
		if err != nil {
			return err
		}
		outcome, err := forcedTable.Draw(e.rng)
		if err != nil {
			return err
		}
		out.Outcome = outcome

		granted, err := e.grantOutcome(ctx, tx, in.SubjectID, banner.Grants[outcome], "pity_redeem_granted", in.Context)
		if err != nil {
			return err
		}
		out.Granted = granted

		detail, err := opDetail("pity_redeem", map[string]any{
			"domain":  in.Domain,
			"outcome": outcome,
		})
		if err != nil {
			return err
		}
		if err := ledger.AppendAudit(ctx, tx, ledger.Entry{
			SubjectID:     in.SubjectID,
			OperationType: "pity_redeem",
			Detail:        detail,
			Context:       in.Context,
		}); err != nil {
			return err
		}

		stage(bus.Event{
			Topic:     "pity.redeemed",
			SubjectID: in.SubjectID,
			Data: map[string]any{
				"schema":  "v1",
				"banner":  bannerID,
				"domain":  in.Domain,
				"outcome": outcome,
			},
		})
		return nil
	})
	if err != nil {
		return RedeemPityResult{}, err
	}
	return out, nil
}

func bannerByPityDomain(snap *config.Snapshot, domain string) (string, *config.Banner) {
	for id, b := range snap.Banners {
		if b.PityDomain == domain {
			return id, b
		}
	}
	return "", nil
}
