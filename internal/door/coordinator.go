// Package door implements the ring/open state machine of a single door: a
// ring opens a time-limited authorization window identified by a secret,
// and an open with that secret (or with an authorized access key) pulses
// the door actuator and closes the window.
package door

import (
	"context"
	"crypto/subtle"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/clock"
	"pkt.systems/doord/internal/settings"
	"pkt.systems/doord/internal/svcfields"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultRingDebounce    = time.Second
	DefaultNotifyCooldown  = 60 * time.Second
	DefaultNotifyTimeout   = 10 * time.Second
	DefaultPulseHold       = 500 * time.Millisecond
	DefaultActuatorTimeout = 2 * time.Second
)

// Chat relay message texts.
const (
	RingMessage = "@here DING DONG ... RING RING ... KNOCK KNOCK"
)

// Open and ring sources, used for logging and metrics.
const (
	SourceSensor    = "sensor"
	SourceWebsocket = "websocket"
	SourceRelay     = "relay"
	SourceAPIKey    = "api_key"
	SourceSimulator = "simulator"
)

// Broadcaster fans events out to connected observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev api.Event) int
}

// Notifier sends chat relay messages.
type Notifier interface {
	Enabled() bool
	OpenLink(secret string) string
	Notify(ctx context.Context, text, link string) error
}

// Actuator drives the door opener.
type Actuator interface {
	Pulse(ctx context.Context, hold time.Duration) error
}

// Authorizer validates access keys.
type Authorizer interface {
	IsAuthorized(ctx context.Context, keyID string, now time.Time) bool
}

// State is the coordinator state.
type State int

const (
	// Idle means no authorization window is active.
	Idle State = iota
	// Armed means a ring opened an authorization window.
	Armed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	}
	return "unknown"
}

// Window describes the authorization window.
type Window struct {
	Secret    string
	ExpiresAt time.Time
	Active    bool
}

// Config wires a Coordinator. Settings is required.
type Config struct {
	Settings   *settings.Store
	Clock      clock.Clock
	Hub        Broadcaster
	Notifier   Notifier
	Actuator   Actuator
	Authorizer Authorizer
	Logger     pslog.Logger

	RingDebounce    time.Duration
	NotifyCooldown  time.Duration
	NotifyTimeout   time.Duration
	PulseHold       time.Duration
	ActuatorTimeout time.Duration
	// SecretSource supplies randomness for secrets (default crypto/rand).
	SecretSource io.Reader
}

// Coordinator owns all door control state. Ring, open and expiry run under
// one mutex so they never interleave.
type Coordinator struct {
	settings   *settings.Store
	clk        clock.Clock
	hub        Broadcaster
	notifier   Notifier
	actuator   Actuator
	authorizer Authorizer
	logger     pslog.Logger
	metrics    *doorMetrics

	ringDebounce    time.Duration
	notifyCooldown  time.Duration
	notifyTimeout   time.Duration
	pulseHold       time.Duration
	actuatorTimeout time.Duration
	secretSource    io.Reader

	mu            sync.Mutex
	state         State
	secret        string
	timer         *Timer
	generation    uint64
	notifyBlocked time.Time

	notifyWG sync.WaitGroup
}

// New constructs a Coordinator in the Idle state.
func New(cfg Config) *Coordinator {
	logger := svcfields.WithSubsystem(cfg.Logger, "door.coordinator")
	c := &Coordinator{
		settings:        cfg.Settings,
		clk:             cfg.Clock,
		hub:             cfg.Hub,
		notifier:        cfg.Notifier,
		actuator:        cfg.Actuator,
		authorizer:      cfg.Authorizer,
		logger:          logger,
		metrics:         newDoorMetrics(logger),
		ringDebounce:    cfg.RingDebounce,
		notifyCooldown:  cfg.NotifyCooldown,
		notifyTimeout:   cfg.NotifyTimeout,
		pulseHold:       cfg.PulseHold,
		actuatorTimeout: cfg.ActuatorTimeout,
		secretSource:    cfg.SecretSource,
	}
	if c.settings == nil {
		c.settings = settings.New(nil)
	}
	if c.clk == nil {
		c.clk = clock.Real{}
	}
	if c.ringDebounce <= 0 {
		c.ringDebounce = DefaultRingDebounce
	}
	if c.notifyCooldown <= 0 {
		c.notifyCooldown = DefaultNotifyCooldown
	}
	if c.notifyTimeout <= 0 {
		c.notifyTimeout = DefaultNotifyTimeout
	}
	if c.pulseHold <= 0 {
		c.pulseHold = DefaultPulseHold
	}
	if c.actuatorTimeout <= c.pulseHold {
		c.actuatorTimeout = c.pulseHold + DefaultActuatorTimeout
	}
	// A stale secret from a previous run must not open the door.
	_ = c.settings.Set(settings.KeyOpenSecret, "")
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Window returns a snapshot of the authorization window.
func (c *Coordinator) Window() Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowLocked()
}

func (c *Coordinator) windowLocked() Window {
	if c.state != Armed || c.timer == nil {
		return Window{}
	}
	return Window{Secret: c.secret, ExpiresAt: c.timer.Deadline(), Active: true}
}

// Status returns the update event sent to newly connected observers.
func (c *Coordinator) Status() api.Event {
	ev := api.Event{Action: api.ActionUpdate}
	if t, ok := c.settings.Time(settings.KeyLastOpen); ok {
		ev.LastOpen = api.FormatTimestamp(t)
	}
	if t, ok := c.settings.Time(settings.KeyLastRing); ok {
		ev.LastRing = api.FormatTimestamp(t)
	}
	return ev
}

// HandleRing processes a ring. It returns the resulting window and false
// when the ring was ignored because it followed an open too closely.
func (c *Coordinator) HandleRing(ctx context.Context, source string) (Window, bool) {
	c.mu.Lock()
	now := c.clk.Now()
	if last, ok := c.settings.Time(settings.KeyLastOpen); ok && now.Sub(last) < c.ringDebounce {
		c.mu.Unlock()
		c.metrics.recordRingIgnored(ctx)
		c.logger.Debug("door.ring.ignored", "source", source, "since_open", now.Sub(last))
		return Window{}, false
	}
	_ = c.settings.SetTime(settings.KeyLastRing, now)
	timeout := c.settings.Seconds(settings.KeyOpenTimeout)
	// A timer that already fired but whose expiry has not run yet cannot be
	// extended; that ring starts a fresh window instead.
	extended := c.state == Armed && c.timer != nil && c.timer.Extend(timeout)
	if !extended {
		secret, err := NewSecret(c.secretSource, now)
		if err != nil {
			c.mu.Unlock()
			c.logger.Error("door.ring.secret_failed", "source", source, "error", err)
			return Window{}, false
		}
		if c.timer != nil {
			c.timer.Stop()
		}
		c.generation++
		generation := c.generation
		c.secret = secret
		_ = c.settings.Set(settings.KeyOpenSecret, secret)
		c.timer = StartTimer(c.clk, timeout, func() { c.expire(generation) })
		c.state = Armed
	}
	window := c.windowLocked()
	c.broadcastLocked(ctx, api.Event{
		Action:    api.ActionRing,
		Secret:    window.Secret,
		Timestamp: api.FormatTimestamp(now),
	})
	notify := c.notifier != nil && c.notifier.Enabled() && !now.Before(c.notifyBlocked)
	if notify {
		c.notifyBlocked = now.Add(c.notifyCooldown)
	}
	c.mu.Unlock()

	c.metrics.recordRing(ctx, source, extended)
	c.logger.Info("door.ring.accepted",
		"source", source,
		"extended", extended,
		"expires_at", window.ExpiresAt,
		"remaining", window.ExpiresAt.Sub(now),
	)
	if notify {
		c.notifyAsync(ctx, "ring", RingMessage, c.notifier.OpenLink(window.Secret))
	}
	return window, true
}

// OpenWithSecret opens the door when secret matches the active window.
func (c *Coordinator) OpenWithSecret(ctx context.Context, secret, source string) (time.Time, error) {
	c.mu.Lock()
	if c.state != Armed {
		c.mu.Unlock()
		c.metrics.recordOpen(ctx, source, "no_window")
		c.logger.Info("door.open.rejected", "source", source, "reason", "no_window")
		return time.Time{}, ErrNoWindow
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(c.secret)) != 1 {
		c.mu.Unlock()
		c.metrics.recordOpen(ctx, source, "secret_mismatch")
		c.logger.Info("door.open.rejected", "source", source, "reason", "secret_mismatch")
		return time.Time{}, ErrSecretMismatch
	}
	openedAt := c.acceptLocked(ctx, source)
	c.mu.Unlock()
	c.afterOpen(ctx, source)
	return openedAt, nil
}

// OpenWithKey opens the door when the Authorizer accepts keyID. No ring is
// required; an active window is closed as part of the open.
func (c *Coordinator) OpenWithKey(ctx context.Context, keyID, source string) (time.Time, error) {
	if c.authorizer == nil || !c.authorizer.IsAuthorized(ctx, keyID, c.clk.Now()) {
		c.metrics.recordOpen(ctx, source, "unauthorized")
		c.logger.Info("door.open.rejected", "source", source, "reason", "unauthorized")
		return time.Time{}, ErrUnauthorized
	}
	c.mu.Lock()
	openedAt := c.acceptLocked(ctx, source)
	c.mu.Unlock()
	c.afterOpen(ctx, source)
	return openedAt, nil
}

// acceptLocked performs the open transition. Actuator failures are logged
// and the transition still completes.
func (c *Coordinator) acceptLocked(ctx context.Context, source string) time.Time {
	now := c.clk.Now()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.state = Idle
	c.secret = ""
	_ = c.settings.Set(settings.KeyOpenSecret, "")
	_ = c.settings.SetTime(settings.KeyLastOpen, now)

	if c.actuator != nil {
		pulseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.actuatorTimeout)
		start := time.Now()
		err := c.actuator.Pulse(pulseCtx, c.pulseHold)
		cancel()
		c.metrics.recordPulse(ctx, time.Since(start).Milliseconds(), err)
		if err != nil {
			c.logger.Error("door.actuator.failure", "severity", "fatal", "source", source, "error", err)
		}
	}
	c.broadcastLocked(ctx, api.Event{Action: api.ActionOpen, Timestamp: api.FormatTimestamp(now)})
	return now
}

func (c *Coordinator) afterOpen(ctx context.Context, source string) {
	c.metrics.recordOpen(ctx, source, "opened")
	c.logger.Info("door.open.accepted", "source", source)
	if c.notifier != nil && c.notifier.Enabled() {
		c.notifyAsync(ctx, "open", c.settings.String(settings.KeyDoorName)+" has opened the door.", "")
	}
}

// expire is the timer callback. The generation check runs under the
// coordinator lock, so a timer that lost a race with an open or a newer
// ring is a no-op.
func (c *Coordinator) expire(generation uint64) {
	ctx := context.Background()
	c.mu.Lock()
	if c.state != Armed || c.generation != generation {
		c.mu.Unlock()
		c.logger.Debug("door.timer.stale", "generation", generation)
		return
	}
	c.state = Idle
	c.secret = ""
	c.timer = nil
	_ = c.settings.Set(settings.KeyOpenSecret, "")
	c.broadcastLocked(ctx, api.Event{Action: api.ActionTimeout})
	c.mu.Unlock()
	c.metrics.recordTimeout(ctx)
	c.logger.Info("door.window.expired")
}

func (c *Coordinator) broadcastLocked(ctx context.Context, ev api.Event) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(context.WithoutCancel(ctx), ev)
}

// notifyAsync sends a chat relay message without blocking the caller.
func (c *Coordinator) notifyAsync(ctx context.Context, kind, text, link string) {
	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
		defer cancel()
		err := c.notifier.Notify(sendCtx, text, link)
		c.metrics.recordNotify(sendCtx, kind, err)
		if err != nil {
			c.logger.Warn("door.notify.failed", "kind", kind, "error", err)
			return
		}
		c.logger.Debug("door.notify.sent", "kind", kind)
	}()
}

// Close cancels any active window without broadcasting and waits up to
// ctx for in-flight notifications.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.state = Idle
	c.secret = ""
	_ = c.settings.Set(settings.KeyOpenSecret, "")
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
