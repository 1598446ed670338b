package engine

import (
	"context"
	"sync"

	"gachaward/internal/bus"
)

// ProgressTracker keeps an in-memory count of gameplay actions per subject,
// fed by the event bus. It backs quest-progress display and the admin
// activity view. Non-durable on purpose: the counters are advisory, reward
// grants stay behind the claim guard.
type ProgressTracker struct {
	mu     sync.RWMutex
	counts map[string]map[string]int64
}

func NewProgressTracker(b *bus.Bus) *ProgressTracker {
	t := &ProgressTracker{counts: make(map[string]map[string]int64)}
	b.Subscribe("*", bus.PriorityLow, "progress-tracker", t.observe)
	return t
}

// observe tolerates payloads it does not understand: a publisher adding or
// dropping data fields must never break the tracker, only the topic and
// subject are required.
func (t *ProgressTracker) observe(ctx context.Context, ev bus.Event) error {
	if ev.SubjectID == "" || ev.Topic == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.counts[ev.SubjectID]
	if !ok {
		m = make(map[string]int64)
		t.counts[ev.SubjectID] = m
	}
	m[ev.Topic]++
	return nil
}

// Counts returns a copy of the subject's action counters.
func (t *ProgressTracker) Counts(subjectID string) map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.counts[subjectID]))
	for topic, n := range t.counts[subjectID] {
		out[topic] = n
	}
	return out
}

// Reset clears one subject's counters, used when a quest period rolls over.
func (t *ProgressTracker) Reset(subjectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, subjectID)
}
