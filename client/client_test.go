package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pkt.systems/doord/api"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("door.local:8080/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := cli.BaseURL(); got != "http://door.local:8080" {
		t.Fatalf("unexpected base url %q", got)
	}
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := New("ftp://door.local"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/open/abc" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.OpenResponse{Open: "1700000000.250000"})
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	opened, err := cli.Open(context.Background(), "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if want := time.Unix(1700000000, 250000000); !opened.Equal(want) {
		t.Fatalf("unexpected open time %v", opened)
	}
}

func TestOpenUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Unauthorized", ErrorCode: "unauthorized"})
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Open(context.Background(), "nope")
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Response.ErrorCode != "unauthorized" {
		t.Fatalf("unexpected error code %q", apiErr.Response.ErrorCode)
	}
}

func TestRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/slack/AB1700000000" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.RelayResponse{Opened: true, Door: "Front"})
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := cli.Relay(context.Background(), "AB1700000000")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !resp.Opened || resp.Door != "Front" {
		t.Fatalf("unexpected relay response %+v", resp)
	}
}

func TestWatchSession(t *testing.T) {
	received := make(chan api.ClientMessage, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/door" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		if err := wsjson.Write(ctx, conn, api.Event{Action: api.ActionUpdate, LastOpen: "1"}); err != nil {
			return
		}
		for {
			var msg api.ClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := cli.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sess.Close()
	ev, err := sess.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Action != api.ActionUpdate || ev.LastOpen != "1" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if err := sess.Open(ctx, "XY1700000000"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sess.SimulateRing(ctx); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	first := <-received
	second := <-received
	if first.Action != api.ActionOpen || first.Secret != "XY1700000000" {
		t.Fatalf("unexpected open message %+v", first)
	}
	if second.Action != api.ActionSimulateRing {
		t.Fatalf("unexpected simulate message %+v", second)
	}
	_ = sess.Close()
	if _, err := sess.Next(ctx); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
