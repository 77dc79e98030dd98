package clock_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/doord/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	select {
	case <-clock.Real{}.After(10 * time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}
	m.Advance(2 * time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualSetNeverMovesBackwards(t *testing.T) {
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Hour))
	if !m.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", m.Now())
	}
	m.Set(start.Add(time.Hour))
	if !m.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("clock did not jump forward: %v", m.Now())
	}
}

func TestManualBlockUntil(t *testing.T) {
	m := clock.NewManual(time.Now())
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.BlockUntil(ctx, 1)
	}()
	m.After(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("BlockUntil: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.BlockUntil(ctx, 5); err == nil {
		t.Fatal("expected BlockUntil to time out")
	}
}
