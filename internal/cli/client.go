// Package cli is the thin HTTP client behind the gw admin tool. It speaks to
// the API with the shared service token; end users never see it.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Balances(ctx context.Context, subjectID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/subjects/"+url.PathEscape(subjectID)+"/balances", nil, &out, "")
	return out, err
}

func (c *Client) Audit(ctx context.Context, subjectID, opType string, limit int) (map[string]any, error) {
	q := url.Values{}
	if opType != "" {
		q.Set("op", opType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/subjects/" + url.PathEscape(subjectID) + "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

func (c *Client) Pity(ctx context.Context, subjectID, domain string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet,
		"/v1/subjects/"+url.PathEscape(subjectID)+"/pity/"+url.PathEscape(domain), nil, &out, "")
	return out, err
}

func (c *Client) Activity(ctx context.Context, subjectID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/subjects/"+url.PathEscape(subjectID)+"/activity", nil, &out, "")
	return out, err
}

func (c *Client) Grant(ctx context.Context, subjectID, kind string, amount int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/grant", map[string]any{
		"subject_id": subjectID,
		"kind":       kind,
		"amount":     amount,
		"context":    "cli",
	}, &out, idem)
	return out, err
}

func (c *Client) ReloadSnapshot(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/snapshot/reload", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) Summon(ctx context.Context, subjectID, bannerID, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost,
		"/v1/subjects/"+url.PathEscape(subjectID)+"/summon", map[string]any{
			"banner_id": bannerID,
			"context":   "cli",
		}, &out, idem)
	return out, err
}

func (c *Client) GuildPayout(ctx context.Context, guildID string, members []string, kind string, amountEach int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost,
		"/v1/guilds/"+url.PathEscape(guildID)+"/payout", map[string]any{
			"members":     members,
			"kind":        kind,
			"amount_each": amountEach,
			"context":     "cli",
		}, &out, idem)
	return out, err
}

// Do is the generic escape hatch used by the bot for routes without a named
// wrapper.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, method, path, body, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
