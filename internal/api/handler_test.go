//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/askoura/tabletalk/internal/config"
	"github.com/askoura/tabletalk/internal/runner"
	"github.com/askoura/tabletalk/internal/scratchpad"
	"github.com/askoura/tabletalk/internal/store"
)

// stubKernel answers every execution request immediately: run-wrapped user
// code gets a scalar result, everything else (bootstrap, probe) just goes
// idle.
type stubKernel struct {
	messages chan runner.Message
}

func newStubKernel() *stubKernel {
	return &stubKernel{messages: make(chan runner.Message, 64)}
}

func (k *stubKernel) Submit(id, code string) error {
	if strings.Contains(code, "set_active_run(") {
		k.messages <- runner.Message{
			ID:   id,
			Type: runner.MessageResult,
			Data: &runner.ResultPayload{
				Mime:  runner.MimeText,
				Value: json.RawMessage(`"3 rows"`),
			},
		}
	}
	k.messages <- runner.Message{ID: id, Type: runner.MessageStatus, State: "idle"}
	return nil
}

func (k *stubKernel) Messages() <-chan runner.Message   { return k.messages }
func (k *stubKernel) Interrupt(_ context.Context) error { return nil }
func (k *stubKernel) Close(_ context.Context) error     { return nil }

type stubLauncher struct{}

func (l *stubLauncher) Launch(_ context.Context, _ runner.LaunchSpec) (runner.Kernel, error) {
	return newStubKernel(), nil
}

type testEnv struct {
	router    chi.Router
	repo      store.Repository
	artifacts *scratchpad.Store
	dataDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	artifacts := scratchpad.NewStore(time.Hour)
	exec := runner.NewManager(&stubLauncher{}, artifacts, runner.Config{})

	cfg := &config.Config{
		Port:            "8080",
		ExecTimeout:     5 * time.Second,
		ExecMaxAttempts: 2,
		GuardMaxRetries: 2,
	}
	base := NewHandler(repo, nil, exec, artifacts, cfg)

	r := chi.NewRouter()
	NewHealthHandler(repo).RegisterHealth(r)
	NewWorkspaceHandler(base).RegisterRoutes(r)
	NewAskHandler(base).RegisterRoutes(r)
	NewArtifactHandler(base).RegisterRoutes(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exec.Shutdown(ctx); err != nil {
			t.Errorf("Failed to shut down sessions: %v", err)
		}
		if err := artifacts.Close(); err != nil {
			t.Errorf("Failed to close manifest store: %v", err)
		}
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close catalog store: %v", err)
		}
	})

	return &testEnv{router: r, repo: repo, artifacts: artifacts, dataDir: dir}
}

// createWorkspace registers a workspace over an empty dataset file and
// returns its id and database path.
func (e *testEnv) createWorkspace(t *testing.T, id string) (string, string) {
	t.Helper()

	dbPath := filepath.Join(e.dataDir, id, "data.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		t.Fatalf("Failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(dbPath, nil, 0644); err != nil {
		t.Fatalf("Failed to create dataset file: %v", err)
	}

	resp := e.do(t, http.MethodPost, "/api/workspaces", map[string]string{
		"workspace_id":  id,
		"database_path": dbPath,
		"table_name":    "sales",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Failed to create workspace: status %d body %s", resp.Code, resp.Body.String())
	}
	return id, dbPath
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusNotFound, "workspace not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	var got map[string]string
	decodeBody(t, w, &got)
	if got["error"] != "workspace not found" {
		t.Errorf("Expected error message, got %v", got)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got map[string]any
	decodeBody(t, w, &got)
	if got["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", got["status"])
	}
}
