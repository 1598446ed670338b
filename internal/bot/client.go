package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"gachaward/internal/cli"
	"gachaward/internal/engine"
	"gachaward/internal/ledger"
)

// apiClient decodes the raw API responses into the engine's result shapes so
// command handlers work with typed fields instead of map lookups.
type apiClient struct {
	c *cli.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{c: cli.NewClient(baseURL, token)}
}

func (a *apiClient) summon(ctx context.Context, subject, banner, idem string) (engine.SummonResult, error) {
	raw, err := a.c.Do(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(subject)+"/summon",
		map[string]any{"banner_id": banner, "context": "discord"}, idem)
	if err != nil {
		return engine.SummonResult{}, err
	}
	return decodeInto[engine.SummonResult](raw)
}

func (a *apiClient) fuse(ctx context.Context, subject, recipe, idem string) (engine.FuseResult, error) {
	raw, err := a.c.Do(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(subject)+"/fuse",
		map[string]any{"recipe_id": recipe, "context": "discord"}, idem)
	if err != nil {
		return engine.FuseResult{}, err
	}
	return decodeInto[engine.FuseResult](raw)
}

func (a *apiClient) daily(ctx context.Context, subject string) (engine.DailyClaimResult, error) {
	raw, err := a.c.Do(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(subject)+"/daily",
		map[string]any{"context": "discord"}, "")
	if err != nil {
		return engine.DailyClaimResult{}, err
	}
	return decodeInto[engine.DailyClaimResult](raw)
}

func (a *apiClient) balances(ctx context.Context, subject string) (map[ledger.Kind]int64, error) {
	raw, err := a.c.Balances(ctx, subject)
	if err != nil {
		return nil, err
	}
	payload, err := decodeInto[struct {
		Balances map[ledger.Kind]int64 `json:"balances"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return payload.Balances, nil
}

func (a *apiClient) transfer(ctx context.Context, from, to, kind string, amount int64, idem string) (engine.TransferResult, error) {
	raw, err := a.c.Do(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(from)+"/transfer",
		map[string]any{"to": to, "kind": kind, "amount": amount, "context": "discord"}, idem)
	if err != nil {
		return engine.TransferResult{}, err
	}
	return decodeInto[engine.TransferResult](raw)
}

func (a *apiClient) redeemPity(ctx context.Context, subject, domain, idem string) (engine.RedeemPityResult, error) {
	raw, err := a.c.Do(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(subject)+"/pity/"+url.PathEscape(domain)+"/redeem",
		map[string]any{"context": "discord"}, idem)
	if err != nil {
		return engine.RedeemPityResult{}, err
	}
	return decodeInto[engine.RedeemPityResult](raw)
}

func (a *apiClient) pity(ctx context.Context, subject, domain string) (engine.PityView, error) {
	raw, err := a.c.Pity(ctx, subject, domain)
	if err != nil {
		return engine.PityView{}, err
	}
	return decodeInto[engine.PityView](raw)
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
