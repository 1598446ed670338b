package lock

import (
	"math/rand"
	"sort"
	"testing"
)

func TestSortKeysIsStableAndNonMutating(t *testing.T) {
	in := []string{"player:9", "guild:raiders", "player:1"}
	out := SortKeys(in)
	if !sort.StringsAreSorted(out) {
		t.Fatalf("not sorted: %v", out)
	}
	if in[0] != "player:9" {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestKeyConventions(t *testing.T) {
	if PlayerKey("42") != "player:42" {
		t.Fatalf("got %s", PlayerKey("42"))
	}
	if GuildKey("raiders") != "guild:raiders" {
		t.Fatalf("got %s", GuildKey("raiders"))
	}
}

// Deadlock freedom comes from every operation acquiring in the same global
// order. Randomized subject sets must always plan identical relative orders.
func TestSortedOrderIsGloballyConsistent(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	universe := []string{
		PlayerKey("a"), PlayerKey("b"), PlayerKey("c"),
		GuildKey("x"), GuildKey("y"),
	}

	position := map[string]int{}
	for i, k := range SortKeys(universe) {
		position[k] = i
	}

	for trial := 0; trial < 500; trial++ {
		subset := append([]string(nil), universe...)
		r.Shuffle(len(subset), func(i, j int) { subset[i], subset[j] = subset[j], subset[i] })
		subset = subset[:1+r.Intn(len(subset))]

		ordered := SortKeys(subset)
		for i := 1; i < len(ordered); i++ {
			if position[ordered[i-1]] >= position[ordered[i]] {
				t.Fatalf("trial %d: relative order inverted: %v", trial, ordered)
			}
		}
	}
}
