package ledger

// Delta is a requested change to one resource pool. Deltas sharing a Reason
// are coalesced into a single audit entry when the batch commits.
type Delta struct {
	Kind    Kind
	Amount  int64
	Reason  string
	Context string
}

// Change reports the outcome of a batch for one kind. Applied can be smaller
// than Requested when a grant saturated at the cap, so callers can show
// "overflow lost" feedback.
type Change struct {
	Old       int64 `json:"old"`
	New       int64 `json:"new"`
	Requested int64 `json:"requested"`
	Applied   int64 `json:"applied"`
}

// planBatch walks the deltas in order against the starting balances and
// produces the final per-kind changes, or fails the entire batch if any debit
// would go below zero. Grants clamp at the per-kind cap. Pure; the caller owns
// the row locks and the writes.
func planBatch(balances map[Kind]int64, caps Caps, deltas []Delta) (map[Kind]Change, error) {
	running := make(map[Kind]int64, len(balances))
	for k, v := range balances {
		running[k] = v
	}

	out := make(map[Kind]Change, len(balances))
	for _, d := range deltas {
		cur, ok := running[d.Kind]
		if !ok {
			cur = caps.Starting(d.Kind)
			running[d.Kind] = cur
		}
		ch, touched := out[d.Kind]
		if !touched {
			ch.Old = cur
		}

		next := cur + d.Amount
		applied := d.Amount
		if d.Amount < 0 {
			if next < 0 {
				return nil, &InsufficientError{Kind: d.Kind, Required: -d.Amount, Available: cur}
			}
		} else if cap := caps.Cap(d.Kind); next > cap {
			// Saturating grant: clamp and report what actually landed.
			applied = cap - cur
			next = cap
		}

		running[d.Kind] = next
		ch.New = next
		ch.Requested += d.Amount
		ch.Applied += applied
		out[d.Kind] = ch
	}
	return out, nil
}
