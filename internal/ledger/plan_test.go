package ledger

import (
	"errors"
	"math/rand"
	"testing"
)

func testCaps() Caps {
	return Caps{
		Max:        map[Kind]int64{KindGem: 500, KindEnergy: 100},
		Start:      map[Kind]int64{KindEnergy: 100},
		DefaultMax: 1_000_000,
	}
}

func TestPlanBatchSaturatingGrant(t *testing.T) {
	balances := map[Kind]int64{KindGem: 450}
	changes, err := planBatch(balances, testCaps(), []Delta{
		{Kind: KindGem, Amount: 100, Reason: "reward"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch := changes[KindGem]
	if ch.New != 500 {
		t.Fatalf("balance got %d want 500", ch.New)
	}
	if ch.Requested != 100 || ch.Applied != 50 {
		t.Fatalf("requested=%d applied=%d, want 100/50", ch.Requested, ch.Applied)
	}
}

func TestPlanBatchDebitBelowZeroFailsWholeBatch(t *testing.T) {
	balances := map[Kind]int64{KindCoin: 30, KindShard: 10}
	_, err := planBatch(balances, testCaps(), []Delta{
		{Kind: KindShard, Amount: -5, Reason: "craft"},
		{Kind: KindCoin, Amount: -50, Reason: "craft"},
	})
	var insufficient *InsufficientError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if insufficient.Kind != KindCoin || insufficient.Required != 50 || insufficient.Available != 30 {
		t.Fatalf("error fields: %+v", insufficient)
	}
}

func TestPlanBatchExactZeroAllowed(t *testing.T) {
	balances := map[Kind]int64{KindCoin: 75}
	changes, err := planBatch(balances, testCaps(), []Delta{
		{Kind: KindCoin, Amount: -75, Reason: "purchase"},
	})
	if err != nil {
		t.Fatalf("debit to exactly zero must succeed: %v", err)
	}
	if changes[KindCoin].New != 0 {
		t.Fatalf("got %d want 0", changes[KindCoin].New)
	}
}

func TestPlanBatchSequentialDeltasSameKind(t *testing.T) {
	// Later deltas see the running balance, not the starting one.
	balances := map[Kind]int64{KindGem: 480}
	changes, err := planBatch(balances, testCaps(), []Delta{
		{Kind: KindGem, Amount: 100, Reason: "reward"}, // clamps at 500
		{Kind: KindGem, Amount: -500, Reason: "spend"}, // spends the clamped total
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch := changes[KindGem]
	if ch.Old != 480 || ch.New != 0 {
		t.Fatalf("old=%d new=%d, want 480/0", ch.Old, ch.New)
	}
}

func TestPlanBatchMissingKindUsesStartingBalance(t *testing.T) {
	changes, err := planBatch(map[Kind]int64{}, testCaps(), []Delta{
		{Kind: KindEnergy, Amount: -40, Reason: "adventure"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch := changes[KindEnergy]
	if ch.Old != 100 || ch.New != 60 {
		t.Fatalf("old=%d new=%d, want 100/60", ch.Old, ch.New)
	}
}

func TestPlanBatchDoesNotMutateInput(t *testing.T) {
	balances := map[Kind]int64{KindCoin: 100}
	if _, err := planBatch(balances, testCaps(), []Delta{
		{Kind: KindCoin, Amount: -60, Reason: "spend"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balances[KindCoin] != 100 {
		t.Fatalf("input balances mutated: %d", balances[KindCoin])
	}
}

func TestPlanBatchCapInvariantRandomSequences(t *testing.T) {
	caps := testCaps()
	r := rand.New(rand.NewSource(7))
	kinds := []Kind{KindCoin, KindGem, KindEnergy}

	balances := map[Kind]int64{}
	for i := 0; i < 2000; i++ {
		var deltas []Delta
		n := 1 + r.Intn(3)
		for j := 0; j < n; j++ {
			deltas = append(deltas, Delta{
				Kind:   kinds[r.Intn(len(kinds))],
				Amount: r.Int63n(400) - 150,
				Reason: "fuzz",
			})
		}
		changes, err := planBatch(balances, caps, deltas)
		if err != nil {
			var insufficient *InsufficientError
			if !errors.As(err, &insufficient) {
				t.Fatalf("step %d: unexpected error type: %v", i, err)
			}
			continue // failed batch applies nothing
		}
		for k, ch := range changes {
			if ch.New < 0 || ch.New > caps.Cap(k) {
				t.Fatalf("step %d: %s out of range [0,%d]: %d", i, k, caps.Cap(k), ch.New)
			}
			balances[k] = ch.New
		}
	}
}
