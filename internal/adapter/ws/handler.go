// Package ws implements the WebSocket adapter for real-time run status updates.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/middleware"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
}

// ViewChecker decides whether a user may follow a project's events.
type ViewChecker interface {
	AssertCanView(ctx context.Context, projectID, userID string) error
}

// conn wraps a single WebSocket connection subscribed to one project.
type conn struct {
	ws        *websocket.Conn
	cancel    context.CancelFunc
	projectID string
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
	views ViewChecker
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// SetViewChecker installs the membership check run before every upgrade.
// Without one all connections are refused.
func (h *Hub) SetViewChecker(v ViewChecker) { h.views = v }

// HandleWS upgrades the connection of a project member. It expects
// middleware.RequireUser in front of it and a project_id query parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	projectID := r.URL.Query().Get("project_id")
	switch {
	case userID == "":
		http.Error(w, `{"error":"missing X-User-ID header"}`, http.StatusUnauthorized)
		return
	case projectID == "":
		http.Error(w, `{"error":"project_id is required"}`, http.StatusBadRequest)
		return
	case h.views == nil:
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	if err := h.views.AssertCanView(r.Context(), projectID, userID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		slog.ErrorContext(r.Context(), "websocket access check failed", "project_id", projectID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, cancel: cancel, projectID: projectID}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "project_id", projectID, "user_id", userID)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()
}

// Broadcast sends msg to every client subscribed to its project. Each write
// is bounded by writeTimeout; clients that fail a write are dropped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	for _, c := range h.subscribers(msg.ProjectID) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "project_id", c.projectID, "error", err)
			h.remove(c)
		}
	}
}

// subscribers snapshots the connections that receive projectID's events.
func (h *Hub) subscribers(projectID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.projectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected", "project_id", c.projectID)
	}
}
