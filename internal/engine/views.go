package engine

import (
	"context"
	"fmt"

	"gachaward/internal/ledger"
	"gachaward/internal/prob"
)

// Balances reads every kind the active snapshot mentions. Lock-free; a value
// may be one committed write stale, which is fine for display.
func (e *Engine) Balances(ctx context.Context, subjectID string) (map[ledger.Kind]int64, error) {
	return e.led.ReadBalances(ctx, subjectID, e.cfg.Current().Kinds()...)
}

// Audit exposes the subject's history to the API and CLI.
func (e *Engine) Audit(ctx context.Context, subjectID string, f ledger.AuditFilter) ([]ledger.Entry, error) {
	return e.led.QueryAudit(ctx, subjectID, f)
}

// PityView is the display shape for one pity domain: current progress plus
// the rule so clients can render "3 of 10".
type PityView struct {
	Domain     string     `json:"domain"`
	State      prob.State `json:"state"`
	Rule       prob.Rule  `json:"rule"`
	Redeemable bool       `json:"redeemable"`
}

// Pity reads the subject's progress in one domain. The domain must belong to
// a configured banner or recipe.
func (e *Engine) Pity(ctx context.Context, subjectID, domain string) (PityView, error) {
	rule, ok := e.pityRule(domain)
	if !ok {
		return PityView{}, fmt.Errorf("pity domain %q: %w", domain, ErrBannerNotFound)
	}
	state, err := prob.ReadState(ctx, e.pool, subjectID, domain)
	if err != nil {
		return PityView{}, err
	}
	return PityView{
		Domain:     domain,
		State:      state,
		Rule:       rule,
		Redeemable: rule.RedeemAt > 0 && state.Credits >= rule.RedeemAt,
	}, nil
}

func (e *Engine) pityRule(domain string) (prob.Rule, bool) {
	snap := e.cfg.Current()
	for _, b := range snap.Banners {
		if b.PityDomain == domain {
			return b.Pity, true
		}
	}
	for _, r := range snap.Recipes {
		if r.PityDomain == domain {
			return r.Pity, true
		}
	}
	return prob.Rule{}, false
}
