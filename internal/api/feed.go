package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const feedWriteTimeout = 5 * time.Second

type feedMessage struct {
	Type string `json:"type"`
}

// Feed handles GET /v1/feed, streaming the tenant's supervision events over a
// WebSocket. ?session_id narrows the stream to one session.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feed == nil {
		Error(w, http.StatusNotFound, "feed disabled")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	tenant := tenantOf(r)
	sessionID := r.URL.Query().Get("session_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "tenant", tenant.String())
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	events, cancelSub := h.deps.Feed.Subscribe(tenant)
	defer cancelSub()
	h.deps.Metrics.FeedConnected(1)
	defer h.deps.Metrics.FeedConnected(-1)
	h.log.Info("Feed subscriber connected", "tenant", tenant.String(), "session_id", sessionID, "operator", operatorOf(r))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		h.feedReadLoop(ctx, ws)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if sessionID != "" && e.SessionID != sessionID {
				continue
			}
			if err := h.writeFeed(ctx, ws, e); err != nil {
				h.log.Debug("Feed write failed", "error", err, "tenant", tenant.String())
				return
			}
		}
	}
}

// feedReadLoop answers pings and returns when the client goes away.
func (h *Handler) feedReadLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Warn("WebSocket read error", "error", err)
			}
			return
		}
		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeFeed(ctx, ws, feedMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeFeed(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
