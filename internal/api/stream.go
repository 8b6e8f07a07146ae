package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/askoura/tabletalk/internal/agent"
	"github.com/askoura/tabletalk/internal/domain"
)

// streamEvent is one message on the ask stream. Exactly one of the payload
// fields is set, selected by Type: "node", "execution", "result", "error".
type streamEvent struct {
	Type      string                  `json:"type"`
	Node      *agent.Event            `json:"node,omitempty"`
	Attempt   int                     `json:"attempt,omitempty"`
	Execution *domain.ExecutionResult `json:"execution,omitempty"`
	Result    *askResponse            `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// AskStreamHandler upgrades to a websocket and streams node and execution
// events while an ask turn runs, ending with the final result.
type AskStreamHandler struct {
	*AskHandler
}

// NewAskStreamHandler creates a new streaming ask handler.
func NewAskStreamHandler(ask *AskHandler) *AskStreamHandler {
	return &AskStreamHandler{AskHandler: ask}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *AskStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "workspace_id", workspace.WorkspaceID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "turn ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "workspace_id", workspace.WorkspaceID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// One ask request per connection.
	_, payload, err := ws.Read(ctx)
	if err != nil {
		slog.Debug("WebSocket closed before request", "error", err, "workspace_id", workspace.WorkspaceID)
		return
	}
	var req askRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.writeEvent(ws, &streamEvent{Type: "error", Error: "invalid request"})
		return
	}
	if msg := req.validate(); msg != "" {
		h.writeEvent(ws, &streamEvent{Type: "error", Error: msg})
		return
	}

	lock, _ := askLocks.LoadOrStore(workspace.WorkspaceID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.writeEvent(ws, &streamEvent{Type: "error", Error: "ask_in_progress"})
		return
	}
	defer func() {
		mutex.Unlock()
		askLocks.Delete(workspace.WorkspaceID)
	}()

	events := &AskEvents{
		Node: func(ev agent.Event) {
			h.writeEvent(ws, &streamEvent{Type: "node", Node: &ev})
		},
		Execution: func(attempt int, result *domain.ExecutionResult) {
			h.writeEvent(ws, &streamEvent{Type: "execution", Attempt: attempt, Execution: result})
		},
	}

	resp, err := h.processAsk(ctx, workspace, &req, events)
	if err != nil {
		slog.Error("Streaming ask turn failed", "error", err, "workspace_id", workspace.WorkspaceID)
		h.writeEvent(ws, &streamEvent{Type: "error", Error: "ask turn failed"})
		return
	}
	h.writeEvent(ws, &streamEvent{Type: "result", Result: resp})
}

func (h *AskStreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "" || origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}

func (h *AskStreamHandler) writeEvent(ws *websocket.Conn, ev *streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to encode stream event", "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
