package prob

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCreditsNotReady rejects a credit redemption below the threshold.
var ErrCreditsNotReady = errors.New("pity credits below redemption threshold")

// Rule configures the two independent pity tracks for one domain. Threshold 0
// disables the count track, RedeemAt 0 disables the credit track. The tracks
// never share state.
type Rule struct {
	Threshold int64 `json:"threshold"`
	CreditMin int64 `json:"credit_min"`
	CreditMax int64 `json:"credit_max"`
	RedeemAt  int64 `json:"redeem_at"`
}

func (r Rule) Validate() error {
	if r.Threshold < 0 || r.RedeemAt < 0 {
		return &ConfigError{Reason: "pity thresholds must be >= 0"}
	}
	if r.CreditMin < 0 || r.CreditMax < r.CreditMin {
		return &ConfigError{Reason: fmt.Sprintf("pity credit range [%d,%d] invalid", r.CreditMin, r.CreditMax)}
	}
	return nil
}

type State struct {
	Counter int64 `json:"counter"`
	Credits int64 `json:"credits"`
}

type Decision struct {
	ForceQualifying bool
	Counter         int64
}

// pityForces reports whether the triggering draw itself must be forced: a
// counter sitting one short of the threshold means this draw is the
// threshold-th consecutive miss.
func pityForces(counter, threshold int64) bool {
	return threshold > 0 && counter >= threshold-1
}

// settlePity is the pure state transition applied after a draw resolves.
func settlePity(s State, qualifying bool, creditRoll int64) State {
	if qualifying {
		s.Counter = 0
		return s
	}
	s.Counter++
	s.Credits += creditRoll
	return s
}

// EvaluatePity locks the pity row (creating it lazily) and reports whether
// the draw about to happen must be forced to a qualifying outcome. Must run
// in the same transaction as the balance mutation consuming the draw's cost.
func EvaluatePity(ctx context.Context, tx pgx.Tx, subjectID, domain string, rule Rule) (Decision, error) {
	s, err := lockState(ctx, tx, subjectID, domain)
	if err != nil {
		return Decision{}, err
	}
	return Decision{ForceQualifying: pityForces(s.Counter, rule.Threshold), Counter: s.Counter}, nil
}

// SettleDraw records the draw result: a qualifying outcome resets the counter
// to exactly zero, a miss increments it and accrues creditRoll credits.
func SettleDraw(ctx context.Context, tx pgx.Tx, subjectID, domain string, qualifying bool, creditRoll int64) (State, error) {
	s, err := lockState(ctx, tx, subjectID, domain)
	if err != nil {
		return State{}, err
	}
	next := settlePity(s, qualifying, creditRoll)
	if err := writeState(ctx, tx, subjectID, domain, next); err != nil {
		return State{}, err
	}
	return next, nil
}

// RollCredit draws the per-miss credit amount uniformly from the rule's range.
func RollCredit(src Source, rule Rule) (int64, error) {
	if rule.RedeemAt == 0 || rule.CreditMax == 0 {
		return 0, nil
	}
	if rule.CreditMax == rule.CreditMin {
		return rule.CreditMin, nil
	}
	n, err := src.Int63n(rule.CreditMax - rule.CreditMin + 1)
	if err != nil {
		return 0, err
	}
	return rule.CreditMin + n, nil
}

// SpendCredits debits the accumulated credits to zero in exchange for a
// forced qualifying result. Explicit player action, never automatic.
func SpendCredits(ctx context.Context, tx pgx.Tx, subjectID, domain string, rule Rule) (State, error) {
	s, err := lockState(ctx, tx, subjectID, domain)
	if err != nil {
		return State{}, err
	}
	if rule.RedeemAt <= 0 || s.Credits < rule.RedeemAt {
		return s, fmt.Errorf("%w: have %d, need %d", ErrCreditsNotReady, s.Credits, rule.RedeemAt)
	}
	s.Credits = 0
	if err := writeState(ctx, tx, subjectID, domain, s); err != nil {
		return State{}, err
	}
	return s, nil
}

// ReadState is the lock-free display path for pity progress.
func ReadState(ctx context.Context, pool *pgxpool.Pool, subjectID, domain string) (State, error) {
	var s State
	err := pool.QueryRow(ctx, `
		SELECT counter, credits
		FROM game.pity_states
		WHERE subject_id = $1 AND domain = $2
	`, subjectID, domain).Scan(&s.Counter, &s.Credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, nil
	}
	return s, err
}

func lockState(ctx context.Context, tx pgx.Tx, subjectID, domain string) (State, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.pity_states (subject_id, domain)
		VALUES ($1, $2)
		ON CONFLICT (subject_id, domain) DO NOTHING
	`, subjectID, domain); err != nil {
		return State{}, fmt.Errorf("ensure pity row %s/%s: %w", subjectID, domain, err)
	}
	var s State
	err := tx.QueryRow(ctx, `
		SELECT counter, credits
		FROM game.pity_states
		WHERE subject_id = $1 AND domain = $2
		FOR UPDATE
	`, subjectID, domain).Scan(&s.Counter, &s.Credits)
	if err != nil {
		return State{}, fmt.Errorf("lock pity row %s/%s: %w", subjectID, domain, err)
	}
	return s, nil
}

func writeState(ctx context.Context, tx pgx.Tx, subjectID, domain string, s State) error {
	_, err := tx.Exec(ctx, `
		UPDATE game.pity_states
		SET counter = $1, credits = $2, updated_at = now()
		WHERE subject_id = $3 AND domain = $4
	`, s.Counter, s.Credits, subjectID, domain)
	return err
}
