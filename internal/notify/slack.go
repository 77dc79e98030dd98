// Package notify posts door events to a Slack-compatible incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/settings"
	"pkt.systems/doord/internal/svcfields"
)

// DefaultTimeout bounds a single webhook call.
const DefaultTimeout = 10 * time.Second

// LinkLabel is the label of the open link attached to ring messages.
const LinkLabel = "Open the door"

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notify: webhook returned %d", e.Code)
	}
	return fmt.Sprintf("notify: webhook returned %d: %s", e.Code, e.Body)
}

// Config wires a Slack notifier.
type Config struct {
	Settings *settings.Store
	Client   *http.Client
	Timeout  time.Duration
	Logger   pslog.Logger
}

// Slack reads its webhook, base URL, channel and username from settings on
// every call, so reloads take effect immediately.
type Slack struct {
	settings *settings.Store
	client   *http.Client
	timeout  time.Duration
	logger   pslog.Logger
}

type payload struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// New constructs a Slack notifier.
func New(cfg Config) *Slack {
	s := &Slack{
		settings: cfg.Settings,
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		logger:   svcfields.WithSubsystem(cfg.Logger, "notify.slack"),
	}
	if s.settings == nil {
		s.settings = settings.New(nil)
	}
	if s.client == nil {
		s.client = cleanhttp.DefaultPooledClient()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Enabled reports whether both webhook and base URL are configured.
func (s *Slack) Enabled() bool {
	return s.webhook() != "" && s.BaseURL() != ""
}

// BaseURL returns the public base URL without a trailing slash.
func (s *Slack) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.settings.String(settings.KeySlackBaseURL)), "/")
}

// OpenLink returns the relay URL that opens the door for secret.
func (s *Slack) OpenLink(secret string) string {
	return s.BaseURL() + "/slack/" + url.PathEscape(secret)
}

func (s *Slack) webhook() string {
	return strings.TrimSpace(s.settings.String(settings.KeySlackWebhook))
}

// Notify posts text, followed by link when non-empty. It makes a single
// attempt; a disabled notifier returns nil without sending.
func (s *Slack) Notify(ctx context.Context, text, link string) error {
	if !s.Enabled() {
		s.logger.Debug("notify.skipped", "reason", "disabled")
		return nil
	}
	if link != "" {
		text = fmt.Sprintf("%s <%s|%s>", text, link, LinkLabel)
	}
	body, err := json.Marshal(payload{
		Channel:  s.settings.String(settings.KeySlackChannel),
		Username: s.settings.String(settings.KeyDoorName),
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	s.logger.Info("notify.sent", "status", resp.StatusCode, "text", text)
	return nil
}

// Validate checks the relay settings and returns a warning per problem. An
// incomplete setup disables the relay but is not an error.
func Validate(st *settings.Store) []string {
	webhook := strings.TrimSpace(st.String(settings.KeySlackWebhook))
	baseURL := strings.TrimSpace(st.String(settings.KeySlackBaseURL))
	var warnings []string
	if webhook == "" || baseURL == "" {
		return append(warnings, "slack relay disabled: slack.webhook and slack.baseurl are required")
	}
	if !isHTTPURL(webhook) {
		warnings = append(warnings, "slack.webhook does not look like an http(s) URL")
	}
	if !isHTTPURL(baseURL) {
		warnings = append(warnings, "slack.baseurl does not look like an http(s) URL")
	}
	return warnings
}

func isHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
