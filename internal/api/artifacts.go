package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/scratchpad"
)

// ArtifactHandler handles run manifest and artifact retrieval endpoints.
type ArtifactHandler struct {
	*Handler
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(base *Handler) *ArtifactHandler {
	return &ArtifactHandler{Handler: base}
}

// RegisterRoutes registers artifact routes.
func (h *ArtifactHandler) RegisterRoutes(r chi.Router) {
	// Registered as flat patterns: ask.go already mounts a subrouter at
	// /api/workspaces/{workspaceID}, and chi panics on a second mount of
	// the same pattern.
	r.Get("/api/workspaces/{workspaceID}/runs/{runID}", h.GetRun)
	r.Get("/api/workspaces/{workspaceID}/runs/{runID}/artifacts", h.ListRunArtifacts)
	r.Get("/api/workspaces/{workspaceID}/artifacts/{artifactID}", h.GetArtifact)
	r.Get("/api/workspaces/{workspaceID}/artifacts/{artifactID}/rows", h.GetArtifactRows)
}

// GetRun returns one run manifest.
func (h *ArtifactHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := h.artifacts.GetRunManifest(r.Context(), workspace.DatabasePath, runID)
	if errors.Is(err, scratchpad.ErrNotFound) {
		Error(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load run manifest", "error", err, "run_id", runID)
		Error(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	JSON(w, http.StatusOK, run)
}

// ListRunArtifacts returns the non-expired artifacts of one run.
func (h *ArtifactHandler) ListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	runID := chi.URLParam(r, "runID")

	artifacts, err := h.artifacts.ListArtifactsForRun(r.Context(), workspace.DatabasePath, runID)
	if err != nil {
		slog.Error("Failed to list run artifacts", "error", err, "run_id", runID)
		Error(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []domain.ArtifactEnvelope{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"run_id":    runID,
		"artifacts": artifacts,
	})
}

// GetArtifact returns one artifact envelope. Expired artifacts report 404.
func (h *ArtifactHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	artifactID := chi.URLParam(r, "artifactID")

	artifact, err := h.artifacts.GetArtifact(r.Context(), workspace.DatabasePath, artifactID)
	if errors.Is(err, scratchpad.ErrNotFound) {
		Error(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load artifact", "error", err, "artifact_id", artifactID)
		Error(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}
	JSON(w, http.StatusOK, artifact)
}

// GetArtifactRows pages through a dataframe artifact's backing table.
func (h *ArtifactHandler) GetArtifactRows(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}
	artifactID := chi.URLParam(r, "artifactID")
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	rows, total, err := h.artifacts.GetDataframeRows(r.Context(), workspace.DatabasePath, artifactID, offset, limit)
	if errors.Is(err, scratchpad.ErrNotFound) {
		Error(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		slog.Error("Failed to read artifact rows", "error", err, "artifact_id", artifactID)
		Error(w, http.StatusInternalServerError, "failed to read artifact rows")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"artifact_id": artifactID,
		"offset":      offset,
		"rows":        rows,
		"total_rows":  total,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
