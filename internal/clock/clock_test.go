package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/hlld/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("location %v", now.Location())
	}
	if d := time.Since(now); d < 0 || d > time.Second {
		t.Fatalf("now off by %v", d)
	}
}

func TestManualFiresTimersInDeadlineOrder(t *testing.T) {
	m := clock.NewManual(time.Unix(100, 0))
	late := m.After(3 * time.Second)
	early := m.After(time.Second)
	if m.Waiters() != 2 {
		t.Fatalf("waiters %d", m.Waiters())
	}

	m.Advance(2 * time.Second)
	select {
	case at := <-early:
		if !at.Equal(time.Unix(102, 0)) {
			t.Fatalf("early fired at %v", at)
		}
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}

	m.Advance(time.Second)
	select {
	case <-late:
	default:
		t.Fatal("late timer did not fire")
	}
	if m.Waiters() != 0 {
		t.Fatalf("waiters %d", m.Waiters())
	}
}

func TestManualZeroDurationFiresImmediately(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero timer should fire at once")
	}
	m.Advance(-time.Second)
	if !m.Now().Equal(time.Unix(0, 0)) {
		t.Fatalf("negative advance moved clock to %v", m.Now())
	}
}

func TestSleepHonoursContext(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clock.Sleep(ctx, m, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.Waiters() != 0 {
		t.Fatal("cancelled sleep should not register a timer")
	}

	done := make(chan error, 1)
	go func() { done <- clock.Sleep(context.Background(), m, time.Minute) }()
	for m.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	m.Advance(time.Minute)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sleep: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return after advance")
	}
	if got := clock.Since(m, time.Unix(0, 0)); got != time.Minute {
		t.Fatalf("since %v", got)
	}
}
