package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/llm"
)

func TestAskRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     askRequest
		wantErr bool
	}{
		{"no messages", askRequest{}, true},
		{"last message not from user", askRequest{Messages: []llm.Message{
			{Role: llm.RoleAssistant, Content: "hello"},
		}}, true},
		{"blank user message", askRequest{Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "   "},
		}}, true},
		{"valid", askRequest{Messages: []llm.Message{
			{Role: llm.RoleAssistant, Content: "hi"},
			{Role: llm.RoleUser, Content: "how many rows?"},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.req.validate()
			if tt.wantErr && msg == "" {
				t.Errorf("Expected validation error")
			}
			if !tt.wantErr && msg != "" {
				t.Errorf("Expected valid request, got %q", msg)
			}
		})
	}
}

func TestAsk_RejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/ask", map[string]any{
		"messages": []map[string]string{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty messages, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/workspaces/missing/ask", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown workspace, got %d", w.Code)
	}
}

func TestExecute_RunsGuardedCode(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/execute", map[string]string{
		"code": "result = run_query('SELECT count(*) FROM \"sales\"')\nresult",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		RunID       string                 `json:"run_id"`
		Code        string                 `json:"code"`
		GuardReason string                 `json:"guard_reason"`
		Execution   domain.ExecutionResult `json:"execution"`
	}
	decodeBody(t, w, &got)
	if got.RunID == "" {
		t.Errorf("Expected a run id")
	}
	if got.GuardReason != "" {
		t.Errorf("Expected no guard intervention, got %q", got.GuardReason)
	}
	if !got.Execution.Success {
		t.Errorf("Expected successful execution, got %+v", got.Execution)
	}
	if got.Execution.ResultKind != domain.ResultScalar {
		t.Errorf("Expected scalar result, got %s", got.Execution.ResultKind)
	}
}

func TestExecute_RecordsRunManifest(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/execute", map[string]string{
		"code": "result = run_query('SELECT count(*) FROM \"sales\"')\nresult",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		RunID string `json:"run_id"`
		Code  string `json:"code"`
	}
	decodeBody(t, w, &got)

	// The run of a direct execution stays retrievable afterwards.
	w = env.do(t, http.MethodGet, "/api/workspaces/"+id+"/runs/"+got.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected run manifest for %s, got %d: %s", got.RunID, w.Code, w.Body.String())
	}
	var run domain.RunManifest
	decodeBody(t, w, &run)
	if run.Status != "success" {
		t.Errorf("Expected success status, got %q", run.Status)
	}
	if run.GeneratedCode != got.Code {
		t.Errorf("Expected executed code recorded, got %q", run.GeneratedCode)
	}
	if run.Question != "" {
		t.Errorf("Expected no question for a direct execution, got %q", run.Question)
	}
}

func TestExecute_FallsBackOnForbiddenCode(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createWorkspace(t, "ws-1")

	w := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/execute", map[string]string{
		"code": "df = duckdb.connect('data.db').execute('SELECT 1')",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		Code        string                 `json:"code"`
		GuardReason string                 `json:"guard_reason"`
		Execution   domain.ExecutionResult `json:"execution"`
	}
	decodeBody(t, w, &got)
	if got.GuardReason == "" {
		t.Errorf("Expected a guard reason for forbidden code")
	}
	if !strings.Contains(got.Code, "run_query(") {
		t.Errorf("Expected fallback bridge query, got %q", got.Code)
	}
	if !got.Execution.Success {
		t.Errorf("Expected fallback to execute, got %+v", got.Execution)
	}
}

func TestExecutionFeedback(t *testing.T) {
	tests := []struct {
		name   string
		result domain.ExecutionResult
		want   string
	}{
		{"error wins", domain.ExecutionResult{Error: "KeyError: 'x'", Stderr: "noise"}, "KeyError: 'x'"},
		{"stderr next", domain.ExecutionResult{Stderr: "warning"}, "warning"},
		{"empty", domain.ExecutionResult{}, "execution produced no output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executionFeedback(&tt.result); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
