package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gachaward/internal/ledger"
	"gachaward/internal/prob"
)

// ErrInvalidSnapshot is wrapped around every load-time validation failure.
// Fatal for the affected feature set; a running service keeps its previous
// snapshot when a reload fails.
var ErrInvalidSnapshot = errors.New("invalid gameplay snapshot")

// Grant names a resource amount given or (negative) consumed by an operation.
type Grant struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

// Banner configures one summon pool. Weights are either listed explicitly or
// derived by exponential decay over DecayOrder.
type Banner struct {
	CostKind    string             `json:"cost_kind"`
	CostAmount  int64              `json:"cost_amount"`
	Outcomes    []BannerOutcome    `json:"outcomes,omitempty"`
	DecayOrder  []string           `json:"decay_order,omitempty"`
	DecayBase   float64            `json:"decay_base,omitempty"`
	DecayFactor float64            `json:"decay_factor,omitempty"`
	Qualifying  []string           `json:"qualifying"`
	PityDomain  string             `json:"pity_domain"`
	Pity        prob.Rule          `json:"pity"`
	Grants      map[string][]Grant `json:"grants"`

	table      *prob.Table
	qualifying map[string]bool
}

type BannerOutcome struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

func (b *Banner) Table() *prob.Table             { return b.table }
func (b *Banner) QualifyingSet() map[string]bool { return b.qualifying }

// Recipe configures one fusion. Inputs are consumed, then the success roll
// decides between Success and Consolation grants.
type Recipe struct {
	Inputs        []Grant   `json:"inputs"`
	SuccessWeight float64   `json:"success_weight"`
	FailureWeight float64   `json:"failure_weight"`
	PityDomain    string    `json:"pity_domain,omitempty"`
	Pity          prob.Rule `json:"pity,omitempty"`
	Success       []Grant   `json:"success"`
	Consolation   []Grant   `json:"consolation,omitempty"`

	table *prob.Table
}

func (r *Recipe) Table() *prob.Table { return r.table }

type Quest struct {
	Reward []Grant `json:"reward"`
}

// IncomeStructure pays PayKind per owned unit of the structure item on every
// worker tick.
type IncomeStructure struct {
	Structure     string `json:"structure"`
	PayKind       string `json:"pay_kind"`
	AmountPerUnit int64  `json:"amount_per_unit"`
}

// Snapshot is the immutable, versioned gameplay configuration. A reload
// produces a whole new value swapped by reference; one operation always reads
// exactly one snapshot.
type Snapshot struct {
	Version     string             `json:"version"`
	DefaultCap  int64              `json:"default_cap"`
	Caps        map[string]int64   `json:"caps"`
	Starting    map[string]int64   `json:"starting"`
	DailyReward []Grant            `json:"daily_reward"`
	Banners     map[string]*Banner `json:"banners"`
	Recipes     map[string]*Recipe `json:"recipes"`
	Quests      map[string]*Quest  `json:"quests"`
	Income      []IncomeStructure  `json:"income"`

	caps ledger.Caps
}

func (s *Snapshot) LedgerCaps() ledger.Caps { return s.caps }

// Kinds lists every resource kind the snapshot mentions, for display reads.
func (s *Snapshot) Kinds() []ledger.Kind {
	seen := map[string]bool{}
	add := func(k string) {
		if k != "" {
			seen[k] = true
		}
	}
	for k := range s.Caps {
		add(k)
	}
	for k := range s.Starting {
		add(k)
	}
	for _, b := range s.Banners {
		add(b.CostKind)
		for _, gs := range b.Grants {
			for _, g := range gs {
				add(g.Kind)
			}
		}
	}
	for _, r := range s.Recipes {
		for _, g := range r.Inputs {
			add(g.Kind)
		}
		for _, g := range r.Success {
			add(g.Kind)
		}
		for _, g := range r.Consolation {
			add(g.Kind)
		}
	}
	for _, g := range s.DailyReward {
		add(g.Kind)
	}
	for _, inc := range s.Income {
		add("item:" + inc.Structure)
		add(inc.PayKind)
	}
	out := make([]ledger.Kind, 0, len(seen))
	for k := range seen {
		out = append(out, ledger.Kind(k))
	}
	return out
}

func (s *Snapshot) validate() error {
	if s.DefaultCap <= 0 {
		return fmt.Errorf("%w: default_cap must be > 0", ErrInvalidSnapshot)
	}
	for name, b := range s.Banners {
		if err := b.resolve(); err != nil {
			return fmt.Errorf("%w: banner %s: %v", ErrInvalidSnapshot, name, err)
		}
	}
	for name, r := range s.Recipes {
		if err := r.resolve(); err != nil {
			return fmt.Errorf("%w: recipe %s: %v", ErrInvalidSnapshot, name, err)
		}
	}
	for name, q := range s.Quests {
		if len(q.Reward) == 0 {
			return fmt.Errorf("%w: quest %s has no reward", ErrInvalidSnapshot, name)
		}
	}
	for i, inc := range s.Income {
		if inc.Structure == "" || inc.PayKind == "" || inc.AmountPerUnit <= 0 {
			return fmt.Errorf("%w: income structure %d incomplete", ErrInvalidSnapshot, i)
		}
	}

	caps := ledger.Caps{
		Max:        make(map[ledger.Kind]int64, len(s.Caps)),
		Start:      make(map[ledger.Kind]int64, len(s.Starting)),
		DefaultMax: s.DefaultCap,
	}
	for k, v := range s.Caps {
		if v < 0 {
			return fmt.Errorf("%w: cap for %s is negative", ErrInvalidSnapshot, k)
		}
		caps.Max[ledger.Kind(k)] = v
	}
	for k, v := range s.Starting {
		if v < 0 || v > caps.Cap(ledger.Kind(k)) {
			return fmt.Errorf("%w: starting balance for %s outside [0, cap]", ErrInvalidSnapshot, k)
		}
		caps.Start[ledger.Kind(k)] = v
	}
	s.caps = caps
	return nil
}

func (b *Banner) resolve() error {
	if b.CostKind == "" || b.CostAmount <= 0 {
		return fmt.Errorf("cost is required")
	}
	var (
		table *prob.Table
		err   error
	)
	switch {
	case len(b.Outcomes) > 0:
		outcomes := make([]prob.Outcome, len(b.Outcomes))
		for i, o := range b.Outcomes {
			outcomes[i] = prob.Outcome{ID: o.ID, Weight: o.Weight}
		}
		table, err = prob.NewTable(outcomes)
	case len(b.DecayOrder) > 0:
		table, err = prob.DecayTable(b.DecayOrder, b.DecayBase, b.DecayFactor)
	default:
		return fmt.Errorf("no outcomes configured")
	}
	if err != nil {
		return err
	}

	if err := b.Pity.Validate(); err != nil {
		return err
	}
	if (b.Pity.Threshold > 0 || b.Pity.RedeemAt > 0) && b.PityDomain == "" {
		return fmt.Errorf("pity configured without a domain")
	}

	ids := map[string]bool{}
	for _, o := range table.Outcomes() {
		ids[o.ID] = true
		if _, ok := b.Grants[o.ID]; !ok {
			return fmt.Errorf("outcome %s has no grants", o.ID)
		}
	}
	b.qualifying = map[string]bool{}
	for _, q := range b.Qualifying {
		if !ids[q] {
			return fmt.Errorf("qualifying outcome %s not in table", q)
		}
		b.qualifying[q] = true
	}
	if (b.Pity.Threshold > 0 || b.Pity.RedeemAt > 0) && len(b.qualifying) == 0 {
		return fmt.Errorf("pity configured without qualifying outcomes")
	}
	// A guarantee must be drawable: the restricted table has to hold weight.
	if len(b.qualifying) > 0 {
		if _, err := table.Restrict(b.qualifying); err != nil {
			return err
		}
	}
	b.table = table
	return nil
}

func (r *Recipe) resolve() error {
	if len(r.Inputs) == 0 {
		return fmt.Errorf("no inputs")
	}
	for _, g := range r.Inputs {
		if g.Amount <= 0 {
			return fmt.Errorf("input amounts must be positive")
		}
	}
	if len(r.Success) == 0 {
		return fmt.Errorf("no success grants")
	}
	table, err := prob.NewTable([]prob.Outcome{
		{ID: FusionSuccess, Weight: r.SuccessWeight},
		{ID: FusionFailure, Weight: r.FailureWeight},
	})
	if err != nil {
		return err
	}
	if err := r.Pity.Validate(); err != nil {
		return err
	}
	if r.Pity.Threshold > 0 && r.PityDomain == "" {
		return fmt.Errorf("pity configured without a domain")
	}
	r.table = table
	return nil
}

// Fusion roll outcome ids.
const (
	FusionSuccess = "success"
	FusionFailure = "failure"
)

// Store holds the active snapshot behind an atomic pointer. Readers grab one
// reference and use it for the whole operation; Reload swaps the pointer only
// after the new snapshot validated completely.
type Store struct {
	path string
	log  *slog.Logger
	ptr  atomic.Pointer[Snapshot]
}

func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, log: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		return err
	}
	s.ptr.Store(snap)
	s.log.Info("gameplay snapshot loaded",
		"path", s.path,
		"version", snap.Version,
		"banners", len(snap.Banners),
		"recipes", len(snap.Recipes))
	return nil
}

func ParseSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Current() *Snapshot { return s.ptr.Load() }

// Caps implements ledger.CapSource.
func (s *Store) Caps() ledger.Caps { return s.ptr.Load().caps }
