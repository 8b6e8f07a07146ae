package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/askoura/tabletalk/internal/domain"
)

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodGet, "/api/workspaces/"+id+"/runs/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestRunAndArtifactRetrieval(t *testing.T) {
	env := newTestEnv(t)
	id, dbPath := env.createWorkspace(t, "ws-1")
	ctx := context.Background()

	run := &domain.RunManifest{
		RunID:       "run-1",
		WorkspaceID: id,
		Question:    "how many sales?",
		Status:      "success",
	}
	if err := env.artifacts.WriteRunManifest(ctx, dbPath, run); err != nil {
		t.Fatalf("WriteRunManifest failed: %v", err)
	}
	artifactID, err := env.artifacts.StoreScriptArtifact(ctx, dbPath, id, "run-1",
		"generated_code", "result = run_query('SELECT 1')")
	if err != nil {
		t.Fatalf("StoreScriptArtifact failed: %v", err)
	}

	// Run manifest.
	w := env.do(t, http.MethodGet, "/api/workspaces/"+id+"/runs/run-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var gotRun domain.RunManifest
	decodeBody(t, w, &gotRun)
	if gotRun.Question != "how many sales?" {
		t.Errorf("Run manifest mismatch: %+v", gotRun)
	}

	// Artifact listing.
	w = env.do(t, http.MethodGet, "/api/workspaces/"+id+"/runs/run-1/artifacts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var listing struct {
		RunID     string                    `json:"run_id"`
		Artifacts []domain.ArtifactEnvelope `json:"artifacts"`
	}
	decodeBody(t, w, &listing)
	if len(listing.Artifacts) != 1 || listing.Artifacts[0].ArtifactID != artifactID {
		t.Errorf("Expected the stored artifact listed, got %+v", listing.Artifacts)
	}

	// Single artifact.
	w = env.do(t, http.MethodGet, "/api/workspaces/"+id+"/artifacts/"+artifactID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var artifact domain.ArtifactEnvelope
	decodeBody(t, w, &artifact)
	if artifact.Kind != domain.ArtifactScript {
		t.Errorf("Expected script artifact, got %s", artifact.Kind)
	}
}

func TestGetArtifact_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodGet, "/api/workspaces/"+id+"/artifacts/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/workspaces/"+id+"/artifacts/missing/rows", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for rows of missing artifact, got %d", w.Code)
	}
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?offset=25&limit=abc", nil)

	if got := queryInt(req, "offset", 0); got != 25 {
		t.Errorf("Expected 25, got %d", got)
	}
	if got := queryInt(req, "limit", 100); got != 100 {
		t.Errorf("Expected fallback 100 for unparseable value, got %d", got)
	}
	if got := queryInt(req, "absent", 7); got != 7 {
		t.Errorf("Expected fallback 7 for absent key, got %d", got)
	}
}

// Older artifacts age out of retrieval without an explicit prune.
func TestArtifactExpiryThroughAPI(t *testing.T) {
	env := newTestEnv(t)
	id, dbPath := env.createWorkspace(t, "ws-1")
	ctx := context.Background()

	run := &domain.RunManifest{
		RunID:       "run-old",
		WorkspaceID: id,
		Status:      "success",
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := env.artifacts.WriteRunManifest(ctx, dbPath, run); err != nil {
		t.Fatalf("WriteRunManifest failed: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/workspaces/"+id+"/runs/run-old", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for expired run, got %d", w.Code)
	}
}
