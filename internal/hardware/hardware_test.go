package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"pkt.systems/doord/internal/clock"
)

func fakeSysfs(t *testing.T, pins ...int) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "export"), nil, 0o644); err != nil {
		t.Fatalf("export file: %v", err)
	}
	for _, pin := range pins {
		dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("pin dir: %v", err)
		}
		for _, attr := range []string{"direction", "edge", "value"} {
			if err := os.WriteFile(filepath.Join(dir, attr), nil, 0o644); err != nil {
				t.Fatalf("pin attr: %v", err)
			}
		}
	}
	return root
}

func readAttr(t *testing.T, root string, pin int, attr string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "gpio"+strconv.Itoa(pin), attr))
	if err != nil {
		t.Fatalf("read %s: %v", attr, err)
	}
	return string(data)
}

func TestOpenGPIOConfiguresPins(t *testing.T) {
	root := fakeSysfs(t, 18, 23)
	g, err := OpenGPIO(GPIOConfig{Root: root, RingPin: 18, OpenPin: 23})
	if err != nil {
		t.Fatalf("open gpio: %v", err)
	}
	defer g.Close()
	if got := readAttr(t, root, 18, "direction"); got != "in" {
		t.Fatalf("ring direction %q", got)
	}
	if got := readAttr(t, root, 18, "edge"); got != "rising" {
		t.Fatalf("ring edge %q", got)
	}
	if got := readAttr(t, root, 23, "direction"); got != "out" {
		t.Fatalf("open direction %q", got)
	}
	if got := readAttr(t, root, 23, "value"); got != "0" {
		t.Fatalf("open value %q", got)
	}
}

func TestPulseDeassertsAfterHold(t *testing.T) {
	root := fakeSysfs(t, 18, 23)
	g, err := OpenGPIO(GPIOConfig{Root: root, RingPin: 18, OpenPin: 23})
	if err != nil {
		t.Fatalf("open gpio: %v", err)
	}
	defer g.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Pulse(ctx, time.Hour); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if got := readAttr(t, root, 23, "value"); got != "0" {
		t.Fatalf("opener left asserted: %q", got)
	}
}

func TestOpenGPIOErrors(t *testing.T) {
	if _, err := OpenGPIO(GPIOConfig{Root: t.TempDir(), RingPin: 5, OpenPin: 5}); err == nil {
		t.Fatalf("expected error for identical pins")
	}
	_, err := OpenGPIO(GPIOConfig{Root: filepath.Join(t.TempDir(), "missing"), RingPin: 18, OpenPin: 23})
	var hwErr *Error
	if !errors.As(err, &hwErr) || hwErr.Op != "export" || hwErr.Pin != 18 {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPulseAfterCloseFails(t *testing.T) {
	root := fakeSysfs(t, 18, 23)
	g, err := OpenGPIO(GPIOConfig{Root: root, RingPin: 18, OpenPin: 23})
	if err != nil {
		t.Fatalf("open gpio: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := g.Pulse(context.Background(), time.Millisecond); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("pulse after close: %v", err)
	}
}

func TestDebouncer(t *testing.T) {
	start := time.Unix(1700000000, 0)
	d := debouncer{window: 250 * time.Millisecond}
	steps := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{100 * time.Millisecond, false},
		{249 * time.Millisecond, false},
		{250 * time.Millisecond, true},
		{600 * time.Millisecond, true},
	}
	for _, step := range steps {
		if got := d.accept(start.Add(step.offset)); got != step.want {
			t.Fatalf("accept at %v = %v, want %v", step.offset, got, step.want)
		}
	}
}

func TestSimulatedPulseAndTrigger(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	sim := NewSimulated(clk, nil)

	done := make(chan error, 1)
	go func() { done <- sim.Pulse(context.Background(), 500*time.Millisecond) }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntil(ctx, 1); err != nil {
		t.Fatalf("wait pulse: %v", err)
	}
	clk.Advance(500 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if sim.Pulses() != 1 {
		t.Fatalf("pulses %d", sim.Pulses())
	}

	rings := make(chan struct{}, 1)
	watchCtx, stop := context.WithCancel(context.Background())
	watched := make(chan error, 1)
	go func() { watched <- sim.Watch(watchCtx, func() { rings <- struct{}{} }) }()
	if !sim.Trigger() {
		t.Fatalf("trigger dropped")
	}
	select {
	case <-rings:
	case <-time.After(2 * time.Second):
		t.Fatalf("ring not delivered")
	}
	stop()
	if err := <-watched; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
