package doord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/clock"
	"pkt.systems/doord/internal/door"
	"pkt.systems/doord/internal/hardware"
	"pkt.systems/doord/internal/httpapi"
	"pkt.systems/doord/internal/hub"
	"pkt.systems/doord/internal/keys"
	"pkt.systems/doord/internal/notify"
	"pkt.systems/doord/internal/settings"
	"pkt.systems/doord/internal/storage"
	"pkt.systems/doord/internal/svcfields"
)

const stateIOTimeout = 5 * time.Second

// Server wires the door coordinator to its hardware, persistence and HTTP
// surface.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	settings  *settings.Store
	validator *keys.Validator
	hub       *hub.Hub
	coord     *door.Coordinator
	notifier  door.Notifier
	actuator  door.Actuator
	sensor    hardware.Sensor
	simulated *hardware.Simulated
	handler   *httpapi.Handler
	httpSrv   *http.Server
	clock     clock.Clock
	telemetry *telemetryBundle

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	ready        bool
	readyOnce    sync.Once
	readyCh      chan struct{}
	keyWatcher   *keys.Watcher
	sensorCancel context.CancelFunc
	sensorDone   chan struct{}
	lastServeErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Backend  storage.Backend
	Clock    clock.Clock
	Actuator door.Actuator
	Sensor   hardware.Sensor
	Notifier door.Notifier
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithActuator replaces the configured door opener.
func WithActuator(a door.Actuator) Option {
	return func(o *options) {
		o.Actuator = a
	}
}

// WithSensor replaces the configured ring sensor.
func WithSensor(s hardware.Sensor) Option {
	return func(o *options) {
		o.Sensor = s
	}
}

// WithNotifier replaces the chat relay notifier.
func WithNotifier(n door.Notifier) Option {
	return func(o *options) {
		o.Notifier = n
	}
}

// NewServer constructs a door controller according to cfg.
// Example:
//
//	cfg := doord.Config{Store: "disk:///var/lib/doord", KeysFile: "/etc/doord/apikeys.json"}
//	srv, err := doord.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	lifecycle := svcfields.WithSubsystem(logger, "server.lifecycle")
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	ctx := context.Background()

	telemetry, err := setupTelemetry(ctx, cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    lifecycle,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(pslog.ContextWithLogger(ctx, logger))
	success := false
	defer func() {
		if !success {
			s.baseCancel()
			s.releaseResources(context.Background())
		}
	}()

	s.backend = o.Backend
	if s.backend == nil {
		s.backend, err = OpenBackend(s.baseCtx, cfg, svcfields.WithSubsystem(logger, "storage"))
		if err != nil {
			return nil, err
		}
	}

	s.settings = settings.New(cfg.SettingsValues())
	ioCtx, cancel := context.WithTimeout(s.baseCtx, stateIOTimeout)
	restored, err := restoreState(ioCtx, s.backend, s.settings)
	cancel()
	if err != nil {
		return nil, err
	}
	if restored {
		lifecycle.Info("server.state.restored",
			"last_open", s.settings.String(settings.KeyLastOpen),
			"last_ring", s.settings.String(settings.KeyLastRing),
		)
	}

	registry, err := loadRegistry(cfg.KeysFile, lifecycle)
	if err != nil {
		return nil, err
	}
	ioCtx, cancel = context.WithTimeout(s.baseCtx, stateIOTimeout)
	used, err := keys.LoadUsedSet(ioCtx, s.backend)
	cancel()
	if err != nil {
		return nil, err
	}
	s.validator = keys.NewValidator(keys.ValidatorConfig{
		Registry:       registry,
		Used:           used,
		Location:       cfg.Location(),
		PersistTimeout: stateIOTimeout,
		Logger:         logger,
	})

	for _, warning := range cfg.SlackWarnings() {
		lifecycle.Warn("server.config.slack", "warning", warning)
	}
	s.notifier = o.Notifier
	if s.notifier == nil {
		s.notifier = notify.New(notify.Config{Settings: s.settings, Logger: logger})
	}

	if err := s.setupHardware(o, logger); err != nil {
		return nil, err
	}

	s.hub = hub.New(hub.Config{Clock: serverClock, Logger: logger, Status: s.status})
	s.coord = door.New(door.Config{
		Settings:       s.settings,
		Clock:          serverClock,
		Hub:            s.hub,
		Notifier:       s.notifier,
		Actuator:       s.actuator,
		Authorizer:     s.validator,
		Logger:         logger,
		RingDebounce:   cfg.RingDebounce,
		NotifyCooldown: cfg.NotifyCooldown,
		PulseHold:      cfg.PulseHold,
	})

	var simulator httpapi.Simulator
	if s.simulated != nil {
		simulator = s.simulated
	}
	s.handler, err = httpapi.New(httpapi.Config{
		Door:               s.coord,
		Observers:          s.hub,
		Settings:           s.settings,
		Logger:             logger,
		Simulator:          simulator,
		Ready:              s.isReady,
		OriginPatterns:     cfg.AllowedOrigins,
		RateLimit:          rate.Limit(cfg.OpenRateLimit),
		RateBurst:          cfg.OpenRateBurst,
		HTTPTracingEnabled: telemetry.TracingEnabled(),
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	success = true
	return s, nil
}

func (s *Server) setupHardware(o options, logger pslog.Logger) error {
	s.actuator = o.Actuator
	s.sensor = o.Sensor
	if s.cfg.Simulation {
		s.simulated = hardware.NewSimulated(s.clock, logger)
		if s.actuator == nil {
			s.actuator = s.simulated
		}
		if s.sensor == nil {
			s.sensor = s.simulated
		}
		s.logger.Warn("server.hardware.simulated")
		return nil
	}
	if s.actuator != nil && s.sensor != nil {
		return nil
	}
	gpio, err := hardware.OpenGPIO(hardware.GPIOConfig{
		Root:     s.cfg.GPIORoot,
		RingPin:  s.settings.Int(settings.KeyGPIORing),
		OpenPin:  s.settings.Int(settings.KeyGPIOOpen),
		Debounce: s.cfg.SensorDebounce,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("hardware: %w", err)
	}
	if s.actuator == nil {
		s.actuator = gpio
	}
	if s.sensor == nil {
		s.sensor = gpio
	}
	return nil
}

func (s *Server) status() api.Event {
	if s.coord == nil {
		return api.Event{Action: api.ActionUpdate}
	}
	return s.coord.Status()
}

func loadRegistry(path string, logger pslog.Logger) (*keys.Registry, error) {
	if path == "" {
		logger.Info("server.keys.disabled")
		return keys.EmptyRegistry(), nil
	}
	registry, err := keys.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("server.keys.missing", "path", path)
		return keys.EmptyRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("server.keys.loaded", "path", path, "keys", registry.Len())
	return registry, nil
}

// Handler returns the HTTP handler so the door can be mounted in another mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator exposes the ring/open state machine.
func (s *Server) Coordinator() *door.Coordinator {
	return s.coord
}

// Settings exposes the live door settings.
func (s *Server) Settings() *settings.Store {
	return s.settings
}

// Simulator returns the simulated hardware, or nil outside simulation mode.
func (s *Server) Simulator() *hardware.Simulated {
	return s.simulated
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.ready = true
	s.mu.Unlock()

	s.startSensor()
	if err := s.startKeyWatcher(); err != nil {
		s.logger.Warn("server.keys.watch_failed", "error", err)
	}
	s.signalReady()
	s.logger.Info("listening", "network", "tcp", "address", ln.Addr().String(), "simulation", s.cfg.Simulation)
	s.announce(fmt.Sprintf("%s started at %s", s.settings.String(settings.KeyDoorName), s.settings.String(settings.KeySlackBaseURL)))

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startSensor() {
	if s.sensor == nil {
		return
	}
	source := door.SourceSensor
	if s.cfg.Simulation {
		source = door.SourceSimulator
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.mu.Lock()
	s.sensorCancel = cancel
	s.sensorDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		err := s.sensor.Watch(ctx, func() {
			s.coord.HandleRing(ctx, source)
		})
		if err != nil {
			s.logger.Error("server.sensor.failed", "severity", "fatal", "error", err)
		}
	}()
}

func (s *Server) startKeyWatcher() error {
	if !s.cfg.WatchKeys || s.cfg.KeysFile == "" {
		return nil
	}
	watcher, err := keys.WatchFiles([]string{s.cfg.KeysFile}, keys.DefaultWatchSettle, s.logger, func() {
		if err := s.ReloadKeys(); err != nil {
			s.logger.Warn("server.keys.reload_failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keyWatcher = watcher
	s.mu.Unlock()
	return nil
}

// announce sends a lifecycle chat message and waits for it.
func (s *Server) announce(text string) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notify.DefaultTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, text, ""); err != nil {
		s.logger.Warn("server.announce.failed", "error", err)
	}
}

// Reload applies new static settings and reloads the key registry. Runtime
// state (open secret, last ring/open) is kept.
func (s *Server) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.settings.Load(cfg.SettingsValues())
	for _, warning := range cfg.SlackWarnings() {
		s.logger.Warn("server.config.slack", "warning", warning)
	}
	s.mu.Lock()
	s.cfg.KeysFile = cfg.KeysFile
	s.mu.Unlock()
	if err := s.ReloadKeys(); err != nil {
		return err
	}
	s.logger.Info("server.reload.complete", "door", cfg.DoorName)
	return nil
}

// ReloadKeys rereads the key registry. On error the previous registry stays
// active.
func (s *Server) ReloadKeys() error {
	s.mu.Lock()
	path := s.cfg.KeysFile
	s.mu.Unlock()
	registry, err := loadRegistry(path, s.logger)
	if err != nil {
		return err
	}
	s.validator.SetRegistry(registry)
	return nil
}

// Shutdown closes observers, persists state, announces the stop and
// releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.ready = false
	s.mu.Unlock()

	s.baseCancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSensor()
	if err := s.coord.Close(ctx); err != nil {
		s.logger.Warn("server.notify.drain_failed", "error", err)
	}
	s.announce(s.settings.String(settings.KeyDoorName) + " stopped.")

	if err := s.releaseResources(ctx); err != nil {
		return err
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// releaseResources persists state and closes everything NewServer opened.
func (s *Server) releaseResources(ctx context.Context) error {
	var errs []error
	s.mu.Lock()
	watcher := s.keyWatcher
	s.keyWatcher = nil
	s.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
	if s.backend != nil && s.settings != nil && s.coord != nil {
		ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateIOTimeout)
		if err := saveState(ioCtx, s.backend, s.settings); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info("server.state.saved")
		}
		cancel()
	}
	if closer, ok := s.actuator.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

func (s *Server) stopSensor() {
	s.mu.Lock()
	cancel, done := s.sensorCancel, s.sensorDone
	s.sensorCancel, s.sensorDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close gracefully shuts the server down using a bounded background context.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the last non-shutdown error reported by Serve.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns it with a stop
// function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := doord.StartServer(ctx, doord.Config{Simulation: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	readyErr := make(chan error, 1)
	go func() { readyErr <- srv.WaitUntilReady(ctx) }()
	select {
	case err := <-readyErr:
		if err != nil {
			_ = srv.Close()
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
