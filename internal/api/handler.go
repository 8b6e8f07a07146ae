// Package api provides HTTP handlers for the tabletalk API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/askoura/tabletalk/internal/agent"
	"github.com/askoura/tabletalk/internal/config"
	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/runner"
	"github.com/askoura/tabletalk/internal/scratchpad"
	"github.com/askoura/tabletalk/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	agent     *agent.Agent
	exec      *runner.Manager
	artifacts *scratchpad.Store
	cfg       *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, ag *agent.Agent, exec *runner.Manager, artifacts *scratchpad.Store, cfg *config.Config) *Handler {
	return &Handler{
		repo:      repo,
		agent:     ag,
		exec:      exec,
		artifacts: artifacts,
		cfg:       cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// loadWorkspace resolves the {workspaceID} route parameter. A nil return
// means the response has already been written.
func (h *Handler) loadWorkspace(w http.ResponseWriter, r *http.Request) *domain.Workspace {
	workspaceID := chi.URLParam(r, "workspaceID")
	if workspaceID == "" {
		Error(w, http.StatusBadRequest, "workspace id is required")
		return nil
	}

	workspace, err := h.repo.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		slog.Error("Failed to load workspace", "error", err, "workspace_id", workspaceID)
		Error(w, http.StatusInternalServerError, "failed to load workspace")
		return nil
	}
	if workspace == nil {
		Error(w, http.StatusNotFound, "workspace not found")
		return nil
	}
	return workspace
}

// tableSchema decodes a workspace's stored schema, tolerating its absence.
func tableSchema(workspace *domain.Workspace) *domain.TableSchema {
	if !workspace.HasSchema() {
		return nil
	}
	var schema domain.TableSchema
	if err := json.Unmarshal([]byte(workspace.SchemaJSON), &schema); err != nil {
		slog.Warn("Ignoring malformed workspace schema",
			"workspace_id", workspace.WorkspaceID, "error", err)
		return nil
	}
	return &schema
}

// touchLastUsed records workspace activity without blocking the request.
func (h *Handler) touchLastUsed(workspaceID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.TouchLastUsed(ctx, workspaceID, time.Now()); err != nil {
			slog.Warn("Failed to update workspace last_used_at", "error", err, "workspace_id", workspaceID)
		}
	}()
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return h.cfg.FrontendURL == "" ||
		strings.Contains(h.cfg.FrontendURL, "localhost") ||
		strings.Contains(h.cfg.FrontendURL, "127.0.0.1")
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
