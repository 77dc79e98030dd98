// Package hardware drives the door opener and reads the ring sensor, either
// through Linux sysfs GPIO or through an in-process simulation.
package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/clock"
	"pkt.systems/doord/internal/svcfields"
)

// Error describes a failed hardware operation.
type Error struct {
	Op  string
	Pin int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hardware: %s pin %d: %v", e.Op, e.Pin, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sensor reports ring edges until ctx is cancelled.
type Sensor interface {
	Watch(ctx context.Context, onRing func()) error
}

// Simulated is an actuator that only logs, and a sensor fed by Trigger.
type Simulated struct {
	clk    clock.Clock
	logger pslog.Logger
	rings  chan struct{}

	mu     sync.Mutex
	pulses int
}

// NewSimulated constructs a simulated actuator and sensor.
func NewSimulated(clk clock.Clock, logger pslog.Logger) *Simulated {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Simulated{
		clk:    clk,
		logger: svcfields.WithSubsystem(logger, "hardware.simulated"),
		rings:  make(chan struct{}, 8),
	}
}

// Pulse holds the virtual opener for hold.
func (s *Simulated) Pulse(ctx context.Context, hold time.Duration) error {
	s.logger.Info("hardware.open.assert", "hold", hold)
	select {
	case <-s.clk.After(hold):
	case <-ctx.Done():
		s.logger.Warn("hardware.open.cut_short", "error", ctx.Err())
	}
	s.mu.Lock()
	s.pulses++
	s.mu.Unlock()
	s.logger.Info("hardware.open.deassert")
	return nil
}

// Pulses returns the number of completed pulses.
func (s *Simulated) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

// Trigger simulates a ring edge. It reports false when the edge was dropped
// because earlier edges are still pending.
func (s *Simulated) Trigger() bool {
	select {
	case s.rings <- struct{}{}:
		return true
	default:
		return false
	}
}

// Watch calls onRing for every Trigger until ctx is done.
func (s *Simulated) Watch(ctx context.Context, onRing func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.rings:
			s.logger.Debug("hardware.ring.edge")
			onRing()
		}
	}
}

// debouncer collapses edges that arrive within window of the last accepted one.
type debouncer struct {
	window time.Duration
	last   time.Time
}

func (d *debouncer) accept(now time.Time) bool {
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}
