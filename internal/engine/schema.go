package engine

import "fmt"

// detailSchemas closes the set of operation-level audit payloads: every
// operation type the engine writes directly must be registered here with its
// required keys. Checked once at startup so a new operation cannot ship a
// free-form payload by accident.
var detailSchemas = map[string][]string{
	"summon":         {"banner", "outcome", "forced"},
	"fusion_attempt": {"recipe", "outcome", "forced"},
	"pity_redeem":    {"domain", "outcome"},
	"guild_payout":   {"guild", "members", "amount_each"},
}

func checkDetailSchemas() error {
	for op, keys := range detailSchemas {
		if op == "" || len(keys) == 0 {
			return fmt.Errorf("audit schema registry: empty entry for %q", op)
		}
	}
	return nil
}

// opDetail validates a payload against the registry. A miss here is a
// programming error in the engine, not caller input.
func opDetail(op string, detail map[string]any) (map[string]any, error) {
	keys, ok := detailSchemas[op]
	if !ok {
		return nil, fmt.Errorf("audit schema registry: unknown operation type %q", op)
	}
	for _, k := range keys {
		if _, ok := detail[k]; !ok {
			return nil, fmt.Errorf("audit schema registry: %s detail missing %q", op, k)
		}
	}
	return detail, nil
}
