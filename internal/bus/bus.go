// Package bus is the in-process publish/subscribe fabric. Delivery is
// at-most-once, best-effort, non-durable: an event staged before a crash is
// simply lost, and anything that must survive belongs in the store as a
// durable state transition instead.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Priority orders subscriber execution. Within a tier, registration order.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Event is the payload contract to downstream subscribers. Data is
// schema-versioned per topic; subscribers must ignore unknown fields.
type Event struct {
	Topic     string         `json:"topic"`
	SubjectID string         `json:"subject_id"`
	Data      map[string]any `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}

type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	pattern string
	handler Handler
	name    string
}

type Bus struct {
	log            *slog.Logger
	handlerTimeout time.Duration

	mu    sync.RWMutex
	tiers [PriorityLow + 1][]subscription
}

func New(logger *slog.Logger, handlerTimeout time.Duration) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = 5 * time.Second
	}
	return &Bus{log: logger, handlerTimeout: handlerTimeout}
}

// Subscribe registers a handler for a topic or a trailing-wildcard pattern
// such as "summon.*". The name only labels failure logs.
func (b *Bus) Subscribe(pattern string, priority Priority, name string, h Handler) {
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityNormal
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tiers[priority] = append(b.tiers[priority], subscription{pattern: pattern, handler: h, name: name})
}

// Publish dispatches synchronously: higher tiers first, registration order
// within a tier. A failing or panicking handler is logged and skipped; it
// never stops later handlers. Each handler gets its own timeout budget so no
// subscriber can stall the publisher indefinitely.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	b.mu.RLock()
	var matched []subscription
	for _, tier := range b.tiers {
		for _, sub := range tier {
			if topicMatches(sub.pattern, ev.Topic) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(ctx, sub, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, ev Event) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return sub.handler(hctx, ev)
	}()
	if err != nil {
		b.log.Error("event handler failed",
			"handler", sub.name,
			"topic", ev.Topic,
			"subject_id", ev.SubjectID,
			"err", err)
	}
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
