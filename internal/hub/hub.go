// Package hub fans door events out to the currently connected observers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/clock"
	"pkt.systems/doord/internal/svcfields"
)

// ErrQueueFull is returned by Deliver when an observer cannot take more events.
var ErrQueueFull = errors.New("hub: observer queue full")

// ErrClosed is returned by Deliver after the observer has been closed.
var ErrClosed = errors.New("hub: observer closed")

// Observer receives broadcast events. Deliver must not block.
type Observer interface {
	ID() string
	Deliver(ctx context.Context, ev api.Event) error
}

// StatusFunc builds the update event sent to newly registered observers.
type StatusFunc func() api.Event

// Config wires a Hub.
type Config struct {
	Status StatusFunc
	Clock  clock.Clock
	Logger pslog.Logger
}

// Hub tracks observers. Registration and broadcast share one lock so a new
// observer always sees its update event before any later broadcast.
type Hub struct {
	status  StatusFunc
	clk     clock.Clock
	logger  pslog.Logger
	metrics *hubMetrics

	mu        sync.Mutex
	observers map[string]Observer
}

// New constructs an empty Hub.
func New(cfg Config) *Hub {
	logger := svcfields.WithSubsystem(cfg.Logger, "hub")
	h := &Hub{
		status:    cfg.Status,
		clk:       cfg.Clock,
		logger:    logger,
		metrics:   newHubMetrics(logger),
		observers: make(map[string]Observer),
	}
	if h.clk == nil {
		h.clk = clock.Real{}
	}
	return h
}

// Register adds obs and delivers the current status to it.
func (h *Hub) Register(ctx context.Context, obs Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	update := api.Event{Action: api.ActionUpdate}
	if h.status != nil {
		update = h.status()
		update.Action = api.ActionUpdate
	}
	if update.Timestamp == "" {
		update.Timestamp = api.FormatTimestamp(h.clk.Now())
	}
	if err := deliver(ctx, obs, update); err != nil {
		h.metrics.recordFailure(ctx, update.Action)
		h.logger.Warn("hub.register.failed", "observer", obs.ID(), "error", err)
		return err
	}
	if _, exists := h.observers[obs.ID()]; !exists {
		h.metrics.adjustObservers(ctx, 1)
	}
	h.observers[obs.ID()] = obs
	h.logger.Debug("hub.observer.registered", "observer", obs.ID(), "observers", len(h.observers))
	return nil
}

// Unregister removes obs. Unknown observers are ignored.
func (h *Hub) Unregister(obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[obs.ID()]; !ok {
		return
	}
	delete(h.observers, obs.ID())
	h.metrics.adjustObservers(context.Background(), -1)
	h.logger.Debug("hub.observer.unregistered", "observer", obs.ID(), "observers", len(h.observers))
}

// Broadcast delivers ev to every registered observer and returns the number
// of successful deliveries. Failures are logged and counted.
func (h *Hub) Broadcast(ctx context.Context, ev api.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for id, obs := range h.observers {
		if err := deliver(ctx, obs, ev); err != nil {
			h.metrics.recordFailure(ctx, ev.Action)
			h.logger.Warn("hub.delivery.failed", "observer", id, "action", ev.Action, "error", err)
			continue
		}
		delivered++
	}
	h.logger.Trace("hub.broadcast", "action", ev.Action, "delivered", delivered, "observers", len(h.observers))
	return delivered
}

// deliver converts a panicking observer into a delivery error.
func deliver(ctx context.Context, obs Observer, ev api.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub: observer %s panicked: %v", obs.ID(), r)
		}
	}()
	return obs.Deliver(ctx, ev)
}

// Len returns the number of registered observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

type hubMetrics struct {
	observers metric.Int64UpDownCounter
	failures  metric.Int64Counter
}

func newHubMetrics(logger pslog.Logger) *hubMetrics {
	meter := otel.Meter("pkt.systems/doord/hub")
	m := &hubMetrics{}
	var err error
	m.observers, err = meter.Int64UpDownCounter(
		"doord.hub.observers",
		metric.WithDescription("Connected observers"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "doord.hub.observers", "error", err)
	}
	m.failures, err = meter.Int64Counter(
		"doord.hub.delivery.failure",
		metric.WithDescription("Events that could not be delivered to an observer"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "doord.hub.delivery.failure", "error", err)
	}
	return m
}

func (m *hubMetrics) adjustObservers(ctx context.Context, delta int64) {
	if m == nil || m.observers == nil {
		return
	}
	m.observers.Add(ctx, delta)
}

func (m *hubMetrics) recordFailure(ctx context.Context, action string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
