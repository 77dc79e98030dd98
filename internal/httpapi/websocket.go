package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/door"
	"pkt.systems/doord/internal/hub"
)

func (h *Handler) handleDoorSocket(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept has already written the handshake failure.
		h.loggerFrom(r.Context()).Debug("door.socket.handshake_failed", "error", err)
		return nil
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxClientMessageSize)

	obs := hub.NewQueue(xid.New().String(), h.queueSize)
	logger := h.loggerFrom(r.Context()).With("observer", obs.ID())
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(r.Context(), logger))
	defer cancel()

	if err := h.observers.Register(ctx, obs); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return nil
	}
	logger.Info("door.socket.connected", "remote_addr", r.RemoteAddr)
	defer func() {
		h.observers.Unregister(obs)
		obs.Close()
		logger.Info("door.socket.disconnected")
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeEvents(ctx, conn, obs)
	}()

	h.readMessages(ctx, conn, obs)
	cancel()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// writeEvents is the only writer of conn.
func (h *Handler) writeEvents(ctx context.Context, conn *websocket.Conn, obs *hub.Queue) {
	logger := h.loggerFrom(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				logger.Debug("door.socket.write_failed", "action", ev.Action, "error", err)
				return
			}
		}
	}
}

func (h *Handler) readMessages(ctx context.Context, conn *websocket.Conn, obs *hub.Queue) {
	logger := h.loggerFrom(ctx)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("door.socket.read_failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.reject(ctx, obs, "expected a text message")
			continue
		}
		var msg api.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reject(ctx, obs, "malformed message")
			continue
		}
		h.dispatch(ctx, obs, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, obs *hub.Queue, msg api.ClientMessage) {
	logger := h.loggerFrom(ctx)
	switch msg.Action {
	case api.ActionOpen:
		if msg.Secret == "" {
			h.reject(ctx, obs, "secret required")
			return
		}
		if _, err := h.door.OpenWithSecret(ctx, msg.Secret, door.SourceWebsocket); err != nil {
			if errors.Is(err, door.ErrNoWindow) || errors.Is(err, door.ErrSecretMismatch) {
				return
			}
			logger.Warn("door.socket.open_failed", "error", err)
			h.reject(ctx, obs, "open failed")
		}
	case api.ActionSimulateRing:
		if h.simulator == nil {
			logger.Info("door.socket.simulate_ignored", "reason", "simulation disabled")
			return
		}
		if !h.simulator.Trigger() {
			logger.Warn("door.socket.simulate_dropped")
		}
	default:
		h.reject(ctx, obs, "unknown action")
	}
}

// reject answers only the sending observer.
func (h *Handler) reject(ctx context.Context, obs *hub.Queue, reason string) {
	logger := h.loggerFrom(ctx)
	logger.Debug("door.socket.message_rejected", "reason", reason)
	if err := obs.Deliver(ctx, api.Event{Action: api.ActionError, Error: reason}); err != nil {
		logger.Debug("door.socket.reject_dropped", "error", err)
	}
}
