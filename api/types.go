package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event actions emitted by the server over the /door websocket.
const (
	// ActionUpdate is sent once to every newly connected observer.
	ActionUpdate = "update"
	// ActionRing announces a ring together with the current open secret.
	ActionRing = "ring"
	// ActionOpen announces that the door has been opened.
	ActionOpen = "open"
	// ActionTimeout announces that the authorization window expired unused.
	ActionTimeout = "timeout"
	// ActionError is sent only to the observer whose message could not be handled.
	ActionError = "error"
)

// Client actions accepted on the /door websocket.
const (
	// ActionSimulateRing triggers a ring when the server runs in simulation mode.
	ActionSimulateRing = "simulate_ring"
)

// Event is the JSON envelope pushed to observers.
type Event struct {
	// Action identifies the event kind (update, ring, open, timeout, error).
	Action string `json:"action"`
	// Secret is the open secret of the active authorization window (ring only).
	Secret string `json:"secret,omitempty"`
	// Timestamp is the server time of the event as Unix seconds.
	Timestamp string `json:"timestamp,omitempty"`
	// LastOpen is the time of the last successful open (update only).
	LastOpen string `json:"last_open,omitempty"`
	// LastRing is the time of the last accepted ring (update only).
	LastRing string `json:"last_ring,omitempty"`
	// Error carries a human readable reason for error events.
	Error string `json:"error,omitempty"`
}

// ClientMessage is the JSON envelope sent by observers.
type ClientMessage struct {
	// Action is either "open" or "simulate_ring".
	Action string `json:"action"`
	// Secret is the open secret previously received in a ring event.
	Secret string `json:"secret,omitempty"`
}

// OpenResponse is returned by GET /api/open/{key} on success.
type OpenResponse struct {
	// Open is the server time of the open as Unix seconds.
	Open string `json:"open"`
}

// RelayResponse is returned by GET /slack/{secret}.
type RelayResponse struct {
	// Opened reports whether the presented secret opened the door.
	Opened bool `json:"opened"`
	// Door is the configured door name.
	Door string `json:"door,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	// Error is the short error label ("Unauthorized", "Too Many Requests", ...).
	Error string `json:"error"`
	// ErrorCode is a stable machine readable code.
	ErrorCode string `json:"error_code,omitempty"`
	// Detail optionally describes the failure.
	Detail string `json:"detail,omitempty"`
}

// FormatTimestamp renders t as Unix seconds with microsecond precision, the
// wire representation used for every timestamp field.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	micros := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", micros/1e6, micros%1e6)
}

// ParseTimestamp parses a wire timestamp produced by FormatTimestamp. Whole
// seconds without a fractional part are accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("api: empty timestamp")
	}
	secs, frac, _ := strings.Cut(s, ".")
	whole, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("api: parse timestamp %q: %w", s, err)
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("api: parse timestamp %q: %w", s, err)
		}
	}
	return time.Unix(whole, micros*1000).UTC(), nil
}
