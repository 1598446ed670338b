package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

type balancesPayload struct {
	Balances map[string]int64 `json:"balances"`
}

type auditPayload struct {
	Entries []auditEntry `json:"entries"`
}

type auditEntry struct {
	ID            int64          `json:"id"`
	OperationType string         `json:"operation_type"`
	Detail        map[string]any `json:"detail"`
	Context       string         `json:"context"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

type pityPayload struct {
	Domain string `json:"domain"`
	State  struct {
		Counter int64 `json:"counter"`
		Credits int64 `json:"credits"`
	} `json:"state"`
	Rule struct {
		Threshold int64 `json:"threshold"`
		RedeemAt  int64 `json:"redeem_at"`
	} `json:"rule"`
	Redeemable bool `json:"redeemable"`
}

type activityPayload struct {
	Counts map[string]int64 `json:"counts"`
}

type changesPayload struct {
	Changes map[string]struct {
		Old       int64 `json:"old"`
		New       int64 `json:"new"`
		Requested int64 `json:"requested"`
		Applied   int64 `json:"applied"`
	} `json:"changes"`
}

type summonPayload struct {
	Outcome string `json:"outcome"`
	Forced  bool   `json:"forced"`
}

func renderBalances(subject string, raw map[string]any) error {
	out, err := decodeInto[balancesPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== BALANCES %s ==\n", subject)
	if len(out.Balances) == 0 {
		printInfo("No balances.")
		return nil
	}
	kinds := make([]string, 0, len(out.Balances))
	for k := range out.Balances {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("%-20s %12d\n", k, out.Balances[k])
	}
	fmt.Println()
	return nil
}

func renderAudit(subject string, raw map[string]any) error {
	out, err := decodeInto[auditPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== AUDIT %s ==\n", subject)
	if len(out.Entries) == 0 {
		printInfo("No entries.")
		return nil
	}
	fmt.Printf("%-8s %-20s %-20s %-12s %s\n", "ID", "TIME", "OPERATION", "CONTEXT", "DETAIL")
	for _, e := range out.Entries {
		detail, _ := json.Marshal(e.Detail)
		fmt.Printf("%-8d %-20s %-20s %-12s %s\n",
			e.ID,
			e.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			truncate(e.OperationType, 20),
			truncate(e.Context, 12),
			truncate(string(detail), 60),
		)
	}
	fmt.Println()
	return nil
}

func renderPity(raw map[string]any) error {
	out, err := decodeInto[pityPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== PITY %s ==\n", out.Domain)
	if out.Rule.Threshold > 0 {
		fmt.Printf("Counter: %d / %d\n", out.State.Counter, out.Rule.Threshold)
	} else {
		fmt.Printf("Counter: %d\n", out.State.Counter)
	}
	if out.Rule.RedeemAt > 0 {
		fmt.Printf("Credits: %d / %d\n", out.State.Credits, out.Rule.RedeemAt)
		if out.Redeemable {
			warn.Println("Credits ready to redeem.")
		}
	}
	fmt.Println()
	return nil
}

func renderActivity(subject string, raw map[string]any) error {
	out, err := decodeInto[activityPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== ACTIVITY %s ==\n", subject)
	if len(out.Counts) == 0 {
		printInfo("No recorded activity since the service started.")
		return nil
	}
	topics := make([]string, 0, len(out.Counts))
	for t := range out.Counts {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		fmt.Printf("%-24s %8d\n", t, out.Counts[t])
	}
	fmt.Println()
	return nil
}

func renderChanges(raw map[string]any) error {
	out, err := decodeInto[changesPayload](raw)
	if err != nil {
		return err
	}
	for kind, ch := range out.Changes {
		line := fmt.Sprintf("%s: %d -> %d", kind, ch.Old, ch.New)
		if ch.Applied != ch.Requested {
			line += fmt.Sprintf(" (requested %d, applied %d)", ch.Requested, ch.Applied)
		}
		printSuccess(line)
	}
	return nil
}

func renderSummon(raw map[string]any) error {
	out, err := decodeInto[summonPayload](raw)
	if err != nil {
		return err
	}
	msg := "Outcome: " + out.Outcome
	if out.Forced {
		msg += " (forced by pity)"
	}
	printSuccess(msg)
	return nil
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

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
