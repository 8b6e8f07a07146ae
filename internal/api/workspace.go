package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askoura/tabletalk/internal/domain"
)

// WorkspaceHandler handles workspace catalog and session endpoints.
type WorkspaceHandler struct {
	*Handler
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(base *Handler) *WorkspaceHandler {
	return &WorkspaceHandler{Handler: base}
}

// RegisterRoutes registers workspace routes.
func (h *WorkspaceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/workspaces", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{workspaceID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Put("/schema", h.UpdateSchema)
			r.Get("/session", h.SessionStatus)
			r.Post("/session/reset", h.ResetSession)
			r.Post("/session/interrupt", h.InterruptSession)
		})
	})
}

type createWorkspaceRequest struct {
	WorkspaceID  string `json:"workspace_id"`
	Name         string `json:"name"`
	DatabasePath string `json:"database_path"`
	TableName    string `json:"table_name"`
	SchemaJSON   string `json:"schema_json"`
}

// Create registers a workspace over an existing dataset database.
func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DatabasePath == "" || req.TableName == "" {
		Error(w, http.StatusBadRequest, "database_path and table_name are required")
		return
	}
	if _, err := os.Stat(req.DatabasePath); err != nil {
		Error(w, http.StatusBadRequest, "database_path does not exist")
		return
	}
	if req.SchemaJSON != "" && !json.Valid([]byte(req.SchemaJSON)) {
		Error(w, http.StatusBadRequest, "schema_json is not valid JSON")
		return
	}

	if req.WorkspaceID == "" {
		req.WorkspaceID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.TableName
	}

	now := time.Now()
	workspace := &domain.Workspace{
		WorkspaceID:  req.WorkspaceID,
		Name:         req.Name,
		DatabasePath: req.DatabasePath,
		TableName:    req.TableName,
		SchemaJSON:   req.SchemaJSON,
		LastUsedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.repo.UpsertWorkspace(r.Context(), workspace); err != nil {
		slog.Error("Failed to upsert workspace", "error", err, "workspace_id", workspace.WorkspaceID)
		Error(w, http.StatusInternalServerError, "failed to save workspace")
		return
	}

	slog.Info("Workspace registered",
		"workspace_id", workspace.WorkspaceID,
		"table", workspace.TableName,
	)
	JSON(w, http.StatusOK, workspace)
}

// List returns all workspaces, most recently used first.
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.repo.ListWorkspaces(r.Context())
	if err != nil {
		slog.Error("Failed to list workspaces", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	if workspaces == nil {
		workspaces = []*domain.Workspace{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
}

// Get returns one workspace.
func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	JSON(w, http.StatusOK, workspace)
}

// Delete removes a workspace record and shuts down its session.
func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	h.exec.Reset(r.Context(), workspace.WorkspaceID)
	if err := h.repo.DeleteWorkspace(r.Context(), workspace.WorkspaceID); err != nil {
		slog.Error("Failed to delete workspace", "error", err, "workspace_id", workspace.WorkspaceID)
		Error(w, http.StatusInternalServerError, "failed to delete workspace")
		return
	}

	slog.Info("Workspace deleted", "workspace_id", workspace.WorkspaceID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type updateSchemaRequest struct {
	SchemaJSON string `json:"schema_json"`
}

// UpdateSchema replaces the stored dataset schema of a workspace.
func (h *WorkspaceHandler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	var req updateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var schema domain.TableSchema
	if err := json.Unmarshal([]byte(req.SchemaJSON), &schema); err != nil {
		Error(w, http.StatusBadRequest, "schema_json is not a valid table schema")
		return
	}

	if err := h.repo.UpdateSchema(r.Context(), workspace.WorkspaceID, req.SchemaJSON); err != nil {
		slog.Error("Failed to update schema", "error", err, "workspace_id", workspace.WorkspaceID)
		Error(w, http.StatusInternalServerError, "failed to update schema")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// SessionStatus reports the interpreter session state of a workspace.
func (h *WorkspaceHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"workspace_id": workspace.WorkspaceID,
		"status":       h.exec.Status(workspace.WorkspaceID),
	})
}

// ResetSession force-restarts the workspace's interpreter session.
func (h *WorkspaceHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	existed := h.exec.Reset(r.Context(), workspace.WorkspaceID)
	slog.Info("Session reset requested", "workspace_id", workspace.WorkspaceID, "existed", existed)
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reset",
		"existed": existed,
	})
}

// InterruptSession requests cancellation of the in-flight execution.
func (h *WorkspaceHandler) InterruptSession(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	if err := h.exec.Interrupt(r.Context(), workspace.WorkspaceID); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}
