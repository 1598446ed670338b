package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gachaward/internal/bus"
	"gachaward/internal/ledger"
)

type TransferInput struct {
	FromSubjectID  string
	ToSubjectID    string
	Kind           string
	Amount         int64
	IdempotencyKey string
	Context        string
}

type TransferResult struct {
	Debited  map[ledger.Kind]ledger.Change `json:"debited"`
	Credited map[ledger.Kind]ledger.Change `json:"credited"`
	// OverflowLost is the amount the receiver's cap swallowed.
	OverflowLost int64 `json:"overflow_lost"`
}

// Transfer moves a resource between two subjects. Both lock layers are taken
// in sorted subject order; the debit and credit commit atomically. A credit
// that saturates at the receiver's cap still debits the full amount and
// reports the overflow, mirroring the saturating-grant policy.
func (e *Engine) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if in.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("amount must be > 0")
	}
	if in.FromSubjectID == in.ToSubjectID {
		return TransferResult{}, fmt.Errorf("cannot transfer to self")
	}

	var out TransferResult
	err := e.run(ctx, "transfer", []string{in.FromSubjectID, in.ToSubjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, in.FromSubjectID, "transfer", in.IdempotencyKey); err != nil {
			return err
		}

		debited, err := e.led.ApplyDeltas(ctx, tx, in.FromSubjectID, []ledger.Delta{{
			Kind:    ledger.Kind(in.Kind),
			Amount:  -in.Amount,
			Reason:  "transfer_out",
			Context: in.Context,
		}})
		if err != nil {
			return err
		}
		credited, err := e.led.ApplyDeltas(ctx, tx, in.ToSubjectID, []ledger.Delta{{
			Kind:    ledger.Kind(in.Kind),
			Amount:  in.Amount,
			Reason:  "transfer_in",
			Context: in.Context,
		}})
		if err != nil {
			return err
		}
		out.Debited = debited
		out.Credited = credited
		ch := credited[ledger.Kind(in.Kind)]
		out.OverflowLost = ch.Requested - ch.Applied

		stage(bus.Event{
			Topic:     "transfer.completed",
			SubjectID: in.FromSubjectID,
			Data: map[string]any{
				"schema": "v1",
				"to":     in.ToSubjectID,
				"kind":   in.Kind,
				"amount": in.Amount,
			},
		})
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return out, nil
}

type GuildDepositInput struct {
	SubjectID      string
	GuildID        string
	Kind           string
	Amount         int64
	IdempotencyKey string
	Context        string
}

// GuildDeposit moves a player's resource into the shared guild treasury
// subject. Same two-subject discipline as Transfer.
func (e *Engine) GuildDeposit(ctx context.Context, in GuildDepositInput) (TransferResult, error) {
	return e.Transfer(ctx, TransferInput{
		FromSubjectID:  in.SubjectID,
		ToSubjectID:    "guild:" + in.GuildID,
		Kind:           in.Kind,
		Amount:         in.Amount,
		IdempotencyKey: in.IdempotencyKey,
		Context:        in.Context,
	})
}

type GuildPayoutInput struct {
	GuildID        string
	Members        []string
	Kind           string
	AmountEach     int64
	IdempotencyKey string
	Context        string
}

type GuildPayoutResult struct {
	Paid map[string]map[ledger.Kind]ledger.Change `json:"paid"`
}

// GuildPayout debits the treasury once and credits every member in one
// transaction, locking the guild and all member subjects in sorted order.
// If the treasury cannot cover the whole payout, nobody is paid.
func (e *Engine) GuildPayout(ctx context.Context, in GuildPayoutInput) (GuildPayoutResult, error) {
	if in.AmountEach <= 0 {
		return GuildPayoutResult{}, fmt.Errorf("amount must be > 0")
	}
	if len(in.Members) == 0 {
		return GuildPayoutResult{}, fmt.Errorf("no members to pay")
	}
	guildSubject := "guild:" + in.GuildID
	subjects := append([]string{guildSubject}, in.Members...)

	out := GuildPayoutResult{Paid: make(map[string]map[ledger.Kind]ledger.Change, len(in.Members))}
	err := e.run(ctx, "guild_payout", subjects, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, guildSubject, "guild_payout", in.IdempotencyKey); err != nil {
			return err
		}

		total := in.AmountEach * int64(len(in.Members))
		if _, err := e.led.ApplyDeltas(ctx, tx, guildSubject, []ledger.Delta{{
			Kind:    ledger.Kind(in.Kind),
			Amount:  -total,
			Reason:  "guild_payout",
			Context: in.Context,
		}}); err != nil {
			return err
		}
		for _, member := range in.Members {
			credited, err := e.led.ApplyDeltas(ctx, tx, member, []ledger.Delta{{
				Kind:    ledger.Kind(in.Kind),
				Amount:  in.AmountEach,
				Reason:  "guild_payout",
				Context: in.Context,
			}})
			if err != nil {
				return err
			}
			out.Paid[member] = credited
		}

		detail, err := opDetail("guild_payout", map[string]any{
			"guild":       in.GuildID,
			"members":     len(in.Members),
			"amount_each": in.AmountEach,
		})
		if err != nil {
			return err
		}
		if err := ledger.AppendAudit(ctx, tx, ledger.Entry{
			SubjectID:     guildSubject,
			OperationType: "guild_payout",
			Detail:        detail,
			Context:       in.Context,
		}); err != nil {
			return err
		}

		stage(bus.Event{
			Topic:     "guild.payout",
			SubjectID: guildSubject,
			Data: map[string]any{
				"schema":      "v1",
				"guild":       in.GuildID,
				"members":     in.Members,
				"kind":        in.Kind,
				"amount_each": in.AmountEach,
			},
		})
		return nil
	})
	if err != nil {
		return GuildPayoutResult{}, err
	}
	return out, nil
}
