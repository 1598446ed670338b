package ledger

import "strings"

// Kind identifies one resource pool on a subject. Currencies and gauges are
// fixed kinds; inventory counts and single-use charges are namespaced so new
// item types never need a schema change.
type Kind string

const (
	KindCoin    Kind = "coin"
	KindShard   Kind = "shard"
	KindGem     Kind = "gem"
	KindEnergy  Kind = "energy"
	KindStamina Kind = "stamina"
	KindHealth  Kind = "health"
)

func ItemKind(name string) Kind   { return Kind("item:" + name) }
func ChargeKind(name string) Kind { return Kind("charge:" + name) }

func (k Kind) IsItem() bool   { return strings.HasPrefix(string(k), "item:") }
func (k Kind) IsCharge() bool { return strings.HasPrefix(string(k), "charge:") }

// Caps holds the per-kind balance ceiling and lazy-create starting balance.
// A snapshot reload swaps the whole value; the ledger never mutates it.
type Caps struct {
	Max        map[Kind]int64
	Start      map[Kind]int64
	DefaultMax int64
}

func (c Caps) Cap(k Kind) int64 {
	if v, ok := c.Max[k]; ok {
		return v
	}
	return c.DefaultMax
}

func (c Caps) Starting(k Kind) int64 {
	return c.Start[k]
}

// CapSource yields the currently active caps. Implemented by the config
// snapshot store so reloads apply without re-wiring the ledger.
type CapSource interface {
	Caps() Caps
}
