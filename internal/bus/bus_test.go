package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishOrdersByPriorityThenRegistration(t *testing.T) {
	b := New(testLogger(), time.Second)
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, ev Event) error {
			order = append(order, name)
			return nil
		}
	}
	b.Subscribe("topic", PriorityLow, "low-1", record("low-1"))
	b.Subscribe("topic", PriorityHigh, "high-1", record("high-1"))
	b.Subscribe("topic", PriorityNormal, "normal-1", record("normal-1"))
	b.Subscribe("topic", PriorityHigh, "high-2", record("high-2"))

	b.Publish(context.Background(), Event{Topic: "topic"})

	want := []string{"high-1", "high-2", "normal-1", "low-1"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("position %d: got %v want %v", i, order, want)
		}
	}
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(testLogger(), time.Second)
	var ran []string
	b.Subscribe("t", PriorityHigh, "fails", func(ctx context.Context, ev Event) error {
		ran = append(ran, "fails")
		return errors.New("boom")
	})
	b.Subscribe("t", PriorityHigh, "panics", func(ctx context.Context, ev Event) error {
		ran = append(ran, "panics")
		panic("boom")
	})
	b.Subscribe("t", PriorityNormal, "survives", func(ctx context.Context, ev Event) error {
		ran = append(ran, "survives")
		return nil
	})

	b.Publish(context.Background(), Event{Topic: "t"})

	if len(ran) != 3 || ran[2] != "survives" {
		t.Fatalf("later handlers must still run: %v", ran)
	}
}

func TestHandlerTimeoutBudget(t *testing.T) {
	b := New(testLogger(), 20*time.Millisecond)
	done := make(chan struct{})
	b.Subscribe("t", PriorityNormal, "slow", func(ctx context.Context, ev Event) error {
		defer close(done)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	b.Publish(context.Background(), Event{Topic: "t"})
	<-done
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handler held the publisher for %v", elapsed)
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"summon.granted", "summon.granted", true},
		{"summon.granted", "summon.failed", false},
		{"summon.*", "summon.granted", true},
		{"summon.*", "summon", false},
		{"summon.*", "fusion.resolved", false},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		if got := topicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Fatalf("topicMatches(%q, %q)=%v want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestPublishSetsEmittedAt(t *testing.T) {
	b := New(testLogger(), time.Second)
	var got Event
	b.Subscribe("t", PriorityNormal, "capture", func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})
	b.Publish(context.Background(), Event{Topic: "t"})
	if got.EmittedAt.IsZero() {
		t.Fatal("EmittedAt not stamped")
	}
}
