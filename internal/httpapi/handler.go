// Package httpapi exposes the door over HTTP: the /door websocket for
// observers, the access-key open endpoint and the chat relay callback.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/door"
	"pkt.systems/doord/internal/hub"
	"pkt.systems/doord/internal/settings"
	"pkt.systems/doord/internal/svcfields"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultWriteTimeout  = 5 * time.Second
	DefaultRateLimit     = rate.Limit(1)
	DefaultRateBurst     = 5
	DefaultLimiterCache  = 1024
	maxClientMessageSize = 4 << 10
)

// Door is the subset of the coordinator used by the transport.
type Door interface {
	HandleRing(ctx context.Context, source string) (door.Window, bool)
	OpenWithSecret(ctx context.Context, secret, source string) (time.Time, error)
	OpenWithKey(ctx context.Context, keyID, source string) (time.Time, error)
}

// Observers tracks websocket observers.
type Observers interface {
	Register(ctx context.Context, obs hub.Observer) error
	Unregister(obs hub.Observer)
}

// Simulator injects ring edges in simulation mode.
type Simulator interface {
	Trigger() bool
}

// Config wires a Handler. Door, Observers and Settings are required.
type Config struct {
	Door      Door
	Observers Observers
	Settings  *settings.Store
	Logger    pslog.Logger
	// Simulator is nil unless the server runs in simulation mode.
	Simulator Simulator
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() bool
	// OriginPatterns lists extra hosts allowed to open the websocket
	// cross-origin.
	OriginPatterns     []string
	WriteTimeout       time.Duration
	QueueSize          int
	RateLimit          rate.Limit
	RateBurst          int
	LimiterCacheSize   int
	HTTPTracingEnabled bool
}

// Handler serves the HTTP surface.
type Handler struct {
	door               Door
	observers          Observers
	settings           *settings.Store
	logger             pslog.Logger
	simulator          Simulator
	ready              func() bool
	originPatterns     []string
	writeTimeout       time.Duration
	queueSize          int
	limiter            *limiterSet
	tracer             trace.Tracer
	httpTracingEnabled bool
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Door == nil {
		return nil, errors.New("httpapi: door required")
	}
	if cfg.Observers == nil {
		return nil, errors.New("httpapi: observers required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("httpapi: settings required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = hub.DefaultQueueSize
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.LimiterCacheSize <= 0 {
		cfg.LimiterCacheSize = DefaultLimiterCache
	}
	limiter, err := newLimiterSet(cfg.RateLimit, cfg.RateBurst, cfg.LimiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &Handler{
		door:               cfg.Door,
		observers:          cfg.Observers,
		settings:           cfg.Settings,
		logger:             svcfields.EnsureLogger(cfg.Logger),
		simulator:          cfg.Simulator,
		ready:              cfg.Ready,
		originPatterns:     cfg.OriginPatterns,
		writeTimeout:       cfg.WriteTimeout,
		queueSize:          cfg.QueueSize,
		limiter:            limiter,
		tracer:             otel.Tracer("pkt.systems/doord/httpapi"),
		httpTracingEnabled: cfg.HTTPTracingEnabled,
	}, nil
}

// Register wires the routes and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /door", h.wrap("door.socket", h.handleDoorSocket))
	mux.Handle("GET /api/open/{key}", h.wrap("api.open", h.handleOpenKey))
	mux.Handle("GET /slack/{secret}", h.wrap("slack.relay", h.handleRelay))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "doord.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, "doord.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("doord.sys", sys)),
			)
			defer span.End()
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", newRequestID(),
			"method", r.Method,
			"path", redactPath(r),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(attribute.Int("doord.error_status", httpErr.Status))
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleOpenKey(w http.ResponseWriter, r *http.Request) error {
	if !h.limiter.allow(clientAddr(r)) {
		return errTooManyRequests
	}
	openedAt, err := h.door.OpenWithKey(r.Context(), r.PathValue("key"), door.SourceAPIKey)
	if err != nil {
		if door.IsRejected(err) {
			return httpError{Status: http.StatusUnauthorized, Code: "unauthorized"}
		}
		return err
	}
	h.writeJSON(w, http.StatusOK, api.OpenResponse{Open: api.FormatTimestamp(openedAt)}, nil)
	return nil
}

func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) error {
	if !h.limiter.allow(clientAddr(r)) {
		return errTooManyRequests
	}
	_, err := h.door.OpenWithSecret(r.Context(), r.PathValue("secret"), door.SourceRelay)
	if err != nil && !door.IsRejected(err) {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RelayResponse{
		Opened: err == nil,
		Door:   h.settings.String(settings.KeyDoorName),
	}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is starting or shutting down"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

var errTooManyRequests = httpError{Status: http.StatusTooManyRequests, Code: "rate_limited"}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			Error:     http.StatusText(httpErr.Status),
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
		}, nil)
		return
	}
	logger.Error("http.request.failure", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		Error:     http.StatusText(http.StatusInternalServerError),
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// redactPath keeps credentials carried in the path out of the logs.
func redactPath(r *http.Request) string {
	for _, prefix := range []string{"/api/open/", "/slack/"} {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return prefix + "{redacted}"
		}
	}
	return r.URL.Path
}

func (h *Handler) loggerFrom(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}
