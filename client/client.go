package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hashicorp/go-cleanhttp"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/svcfields"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 64 << 10
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("client: session closed")

// Client talks to a single doord server.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. It is also used for the
// websocket handshake.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout of Open, Relay and Health.
// It does not bound websocket sessions.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// New creates a client targeting baseURL (e.g. http://door.local:8080).
// A bare host:port is treated as http.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base url %q missing host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{
		baseURL:     u,
		httpClient:  cleanhttp.DefaultPooledClient(),
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("doord: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return fmt.Sprintf("doord: %s", e.Response.ErrorCode)
	}
	return fmt.Sprintf("doord: status %d", e.Status)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Open opens the door with an access key and returns the server time of the
// open.
func (c *Client) Open(ctx context.Context, key string) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, fmt.Errorf("client: key required")
	}
	var resp api.OpenResponse
	if err := c.getJSON(ctx, "/api/open/"+url.PathEscape(key), &resp); err != nil {
		return time.Time{}, err
	}
	opened, err := api.ParseTimestamp(resp.Open)
	if err != nil {
		return time.Time{}, err
	}
	c.logger.Info("client.open.success", "open", resp.Open)
	return opened, nil
}

// Relay presents an open secret the way a chat link does.
func (c *Client) Relay(ctx context.Context, secret string) (api.RelayResponse, error) {
	var resp api.RelayResponse
	if strings.TrimSpace(secret) == "" {
		return resp, fmt.Errorf("client: secret required")
	}
	err := c.getJSON(ctx, "/slack/"+url.PathEscape(secret), &resp)
	return resp, err
}

// Health returns nil when /healthz answers 200.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/healthz", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode, Body: body}
	_ = json.Unmarshal(body, &apiErr.Response)
	return apiErr
}

// Session is an observer connection on /door.
type Session struct {
	conn   *websocket.Conn
	logger pslog.Base
}

// Watch connects to the /door websocket. The first event is always the
// update event carrying last_open and last_ring.
func (c *Client) Watch(ctx context.Context) (*Session, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/door"
	conn, resp, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("client: dial %s: status %d: %w", wsURL.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", wsURL.Redacted(), err)
	}
	c.logger.Debug("client.watch.connected", "url", wsURL.Redacted())
	return &Session{conn: conn, logger: c.logger}, nil
}

// Next blocks until the next event arrives.
func (s *Session) Next(ctx context.Context) (api.Event, error) {
	var ev api.Event
	if s == nil || s.conn == nil {
		return ev, ErrSessionClosed
	}
	err := wsjson.Read(ctx, s.conn, &ev)
	return ev, err
}

// Open asks the server to open the door with secret. The outcome arrives as
// an open broadcast or an error event.
func (s *Session) Open(ctx context.Context, secret string) error {
	return s.send(ctx, api.ClientMessage{Action: api.ActionOpen, Secret: secret})
}

// SimulateRing triggers a ring on a server running in simulation mode.
func (s *Session) SimulateRing(ctx context.Context) error {
	return s.send(ctx, api.ClientMessage{Action: api.ActionSimulateRing})
}

func (s *Session) send(ctx context.Context, msg api.ClientMessage) error {
	if s == nil || s.conn == nil {
		return ErrSessionClosed
	}
	return wsjson.Write(ctx, s.conn, msg)
}

// Close ends the session with a normal closure.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	return err
}
