package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gachaward/internal/bus"
	"gachaward/internal/claim"
	"gachaward/internal/ledger"
)

type DailyClaimResult struct {
	Day     string                        `json:"day"`
	Granted map[ledger.Kind]ledger.Change `json:"granted"`
}

// ClaimDaily grants the daily reward at most once per day key. The claim row
// and the grant share one transaction: a failed grant does not burn the day.
func (e *Engine) ClaimDaily(ctx context.Context, subjectID, day, contextTag string) (DailyClaimResult, error) {
	snap := e.cfg.Current()
	out := DailyClaimResult{Day: day}

	err := e.run(ctx, "daily_claim", []string{subjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		ok, err := claim.TryClaim(ctx, tx, subjectID, "daily", day)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("daily %s: %w", day, claim.ErrAlreadyClaimed)
		}

		granted, err := e.grantOutcome(ctx, tx, subjectID, snap.DailyReward, "daily_claim", contextTag)
		if err != nil {
			return err
		}
		out.Granted = granted

		stage(bus.Event{
			Topic:     "daily.claimed",
			SubjectID: subjectID,
			Data:      map[string]any{"schema": "v1", "day": day},
		})
		return nil
	})
	if err != nil {
		return DailyClaimResult{}, err
	}
	return out, nil
}

type QuestClaimResult struct {
	QuestID string                        `json:"quest_id"`
	Period  string                        `json:"period"`
	Granted map[ledger.Kind]ledger.Change `json:"granted"`
}

// CompleteQuest turns in a quest reward once per period. Progress tracking
// happens in bus subscribers; only the reward grant needs the claim guard.
func (e *Engine) CompleteQuest(ctx context.Context, subjectID, questID, period, contextTag string) (QuestClaimResult, error) {
	snap := e.cfg.Current()
	quest, ok := snap.Quests[questID]
	if !ok {
		return QuestClaimResult{}, fmt.Errorf("%q: %w", questID, ErrQuestNotFound)
	}
	out := QuestClaimResult{QuestID: questID, Period: period}

	err := e.run(ctx, "quest_claim", []string{subjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		ok, err := claim.TryClaim(ctx, tx, subjectID, "quest:"+questID, period)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("quest %s %s: %w", questID, period, claim.ErrAlreadyClaimed)
		}

		granted, err := e.grantOutcome(ctx, tx, subjectID, quest.Reward, "quest_reward", contextTag)
		if err != nil {
			return err
		}
		out.Granted = granted

		stage(bus.Event{
			Topic:     "quest.completed",
			SubjectID: subjectID,
			Data:      map[string]any{"schema": "v1", "quest": questID, "period": period},
		})
		return nil
	})
	if err != nil {
		return QuestClaimResult{}, err
	}
	return out, nil
}

type AdminGrantInput struct {
	SubjectID      string
	Kind           string
	Amount         int64
	IdempotencyKey string
	Context        string
}

// AdminGrant is the operator backdoor used by the CLI; it moves through the
// same choreography and audit trail as every player operation.
func (e *Engine) AdminGrant(ctx context.Context, in AdminGrantInput) (map[ledger.Kind]ledger.Change, error) {
	if in.Amount == 0 {
		return nil, fmt.Errorf("amount must be non-zero")
	}
	var out map[ledger.Kind]ledger.Change
	err := e.run(ctx, "admin_grant", []string{in.SubjectID}, func(ctx context.Context, tx pgx.Tx, stage func(bus.Event)) error {
		if err := e.claimOp(ctx, tx, in.SubjectID, "admin_grant", in.IdempotencyKey); err != nil {
			return err
		}
		changes, err := e.led.ApplyDeltas(ctx, tx, in.SubjectID, []ledger.Delta{{
			Kind:    ledger.Kind(in.Kind),
			Amount:  in.Amount,
			Reason:  "admin_grant",
			Context: in.Context,
		}})
		if err != nil {
			return err
		}
		out = changes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
