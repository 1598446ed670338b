package prob

import "fmt"

// ConfigError marks a degenerate table or rule. Raised at load time; a table
// that constructed successfully can always draw.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "probability config error: " + e.Reason
}

type Outcome struct {
	ID     string
	Weight float64
}

// Table is an immutable weighted outcome list. Reloading config produces a
// new Table; an in-flight draw never sees a partial edit.
type Table struct {
	outcomes []Outcome
	total    float64
}

func NewTable(outcomes []Outcome) (*Table, error) {
	if len(outcomes) == 0 {
		return nil, &ConfigError{Reason: "empty outcome table"}
	}
	var total float64
	for _, o := range outcomes {
		if o.ID == "" {
			return nil, &ConfigError{Reason: "outcome with empty id"}
		}
		if o.Weight < 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf("outcome %s has negative weight %v", o.ID, o.Weight)}
		}
		total += o.Weight
	}
	if total <= 0 {
		return nil, &ConfigError{Reason: "total weight must be > 0"}
	}
	return &Table{outcomes: append([]Outcome(nil), outcomes...), total: total}, nil
}

// DecayTable derives weights by exponential decay: the first id gets base,
// each following id the previous weight times factor.
func DecayTable(ids []string, base, factor float64) (*Table, error) {
	if base <= 0 || factor <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("decay base %v and factor %v must be > 0", base, factor)}
	}
	outcomes := make([]Outcome, len(ids))
	w := base
	for i, id := range ids {
		outcomes[i] = Outcome{ID: id, Weight: w}
		w *= factor
	}
	return NewTable(outcomes)
}

// Draw selects an outcome proportional to weight: uniform real in [0, total),
// cumulative walk. CPU-only, never blocks.
func (t *Table) Draw(src Source) (string, error) {
	f, err := src.Float64()
	if err != nil {
		return "", err
	}
	target := f * t.total
	var cum float64
	for _, o := range t.outcomes {
		cum += o.Weight
		if target < cum {
			return o.ID, nil
		}
	}
	// Float accumulation can land exactly on total; the last positive-weight
	// outcome takes it.
	for i := len(t.outcomes) - 1; i >= 0; i-- {
		if t.outcomes[i].Weight > 0 {
			return t.outcomes[i].ID, nil
		}
	}
	return t.outcomes[len(t.outcomes)-1].ID, nil
}

// Restrict returns a sub-table containing only the given outcomes, used for
// forced-guarantee draws. Fails if the subset has no weight.
func (t *Table) Restrict(ids map[string]bool) (*Table, error) {
	var subset []Outcome
	for _, o := range t.outcomes {
		if ids[o.ID] {
			subset = append(subset, o)
		}
	}
	if len(subset) == 0 {
		return nil, &ConfigError{Reason: "restriction matches no outcomes"}
	}
	return NewTable(subset)
}

func (t *Table) Outcomes() []Outcome {
	return append([]Outcome(nil), t.outcomes...)
}

func (t *Table) TotalWeight() float64 { return t.total }
