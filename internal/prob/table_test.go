package prob

import (
	"errors"
	"testing"
)

func TestNewTableRejectsDegenerateConfigs(t *testing.T) {
	cases := []struct {
		name     string
		outcomes []Outcome
	}{
		{name: "empty", outcomes: nil},
		{name: "negative weight", outcomes: []Outcome{{ID: "a", Weight: -1}}},
		{name: "zero total", outcomes: []Outcome{{ID: "a", Weight: 0}, {ID: "b", Weight: 0}}},
		{name: "empty id", outcomes: []Outcome{{ID: "", Weight: 1}}},
	}
	for _, tc := range cases {
		_, err := NewTable(tc.outcomes)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected ConfigError, got %v", tc.name, err)
		}
	}
}

func TestDrawCoversAllOutcomes(t *testing.T) {
	table, err := NewTable([]Outcome{
		{ID: "common", Weight: 80},
		{ID: "rare", Weight: 15},
		{ID: "epic", Weight: 5},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	src := NewSeededSource(42)
	seen := map[string]int{}
	for i := 0; i < 10_000; i++ {
		id, err := table.Draw(src)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		seen[id]++
	}
	for _, id := range []string{"common", "rare", "epic"} {
		if seen[id] == 0 {
			t.Fatalf("outcome %s never drawn", id)
		}
	}
	if seen["common"] <= seen["rare"] || seen["rare"] <= seen["epic"] {
		t.Fatalf("frequencies out of order: %v", seen)
	}
}

func TestDrawNeverPicksZeroWeight(t *testing.T) {
	table, err := NewTable([]Outcome{
		{ID: "never", Weight: 0},
		{ID: "always", Weight: 1},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	src := NewSeededSource(1)
	for i := 0; i < 5000; i++ {
		id, err := table.Draw(src)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if id == "never" {
			t.Fatal("zero-weight outcome drawn")
		}
	}
}

func TestDrawIsDeterministicPerSeed(t *testing.T) {
	table, err := DecayTable([]string{"a", "b", "c", "d"}, 100, 0.2)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	run := func() []string {
		src := NewSeededSource(99)
		out := make([]string, 0, 50)
		for i := 0; i < 50; i++ {
			id, err := table.Draw(src)
			if err != nil {
				t.Fatalf("draw: %v", err)
			}
			out = append(out, id)
		}
		return out
	}
	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d diverged: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestDecayTableWeights(t *testing.T) {
	table, err := DecayTable([]string{"a", "b", "c"}, 100, 0.5)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	outcomes := table.Outcomes()
	want := []float64{100, 50, 25}
	for i, o := range outcomes {
		if o.Weight != want[i] {
			t.Fatalf("weight[%d]=%v want %v", i, o.Weight, want[i])
		}
	}
	if table.TotalWeight() != 175 {
		t.Fatalf("total %v want 175", table.TotalWeight())
	}
}

func TestRestrict(t *testing.T) {
	table, err := NewTable([]Outcome{
		{ID: "common", Weight: 90},
		{ID: "epic", Weight: 10},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	forced, err := table.Restrict(map[string]bool{"epic": true})
	if err != nil {
		t.Fatalf("restrict: %v", err)
	}
	src := NewSeededSource(3)
	for i := 0; i < 100; i++ {
		id, err := forced.Draw(src)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if id != "epic" {
			t.Fatalf("restricted draw returned %s", id)
		}
	}

	if _, err := table.Restrict(map[string]bool{"missing": true}); err == nil {
		t.Fatal("expected error for empty restriction")
	}
}
