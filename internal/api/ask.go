package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askoura/tabletalk/internal/agent"
	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/llm"
	"github.com/askoura/tabletalk/internal/runner"
)

// askLocks prevents concurrent ask turns for the same workspace.
var askLocks sync.Map

// AskHandler handles question answering and code execution endpoints.
type AskHandler struct {
	*Handler
}

// NewAskHandler creates a new ask handler.
func NewAskHandler(base *Handler) *AskHandler {
	return &AskHandler{Handler: base}
}

// RegisterRoutes registers ask and execute routes.
func (h *AskHandler) RegisterRoutes(r chi.Router) {
	// Registered as flat patterns: mounting a subrouter at
	// /api/workspaces/{workspaceID} would shadow the workspace-scoped
	// routes registered by WorkspaceHandler on the same prefix.
	r.Post("/api/workspaces/{workspaceID}/ask", h.Ask)
	r.Post("/api/workspaces/{workspaceID}/execute", h.Execute)
}

type askRequest struct {
	Messages       []llm.Message `json:"messages"`
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id"`
	PreviousCode   string        `json:"previous_code"`
}

func (r *askRequest) validate() string {
	if len(r.Messages) == 0 {
		return "at least one message is required"
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != llm.RoleUser || strings.TrimSpace(last.Content) == "" {
		return "the last message must be a non-empty user message"
	}
	return ""
}

func (r *askRequest) question() string {
	return r.Messages[len(r.Messages)-1].Content
}

type askResponse struct {
	Message     string                  `json:"message,omitempty"`
	Plan        string                  `json:"plan,omitempty"`
	Code        string                  `json:"code,omitempty"`
	GuardStatus agent.GuardStatus       `json:"guard_status"`
	Meta        agent.Metadata          `json:"metadata"`
	RunID       string                  `json:"run_id,omitempty"`
	Attempts    int                     `json:"attempts,omitempty"`
	Execution   *domain.ExecutionResult `json:"execution,omitempty"`
}

// AskEvents receives progress callbacks during one ask turn. Either field
// may be nil.
type AskEvents struct {
	Node      agent.EventFunc
	Execution func(attempt int, result *domain.ExecutionResult)
}

func (e *AskEvents) node() agent.EventFunc {
	if e == nil {
		return nil
	}
	return e.Node
}

func (e *AskEvents) execution(attempt int, result *domain.ExecutionResult) {
	if e == nil || e.Execution == nil {
		return
	}
	e.Execution(attempt, result)
}

// Ask answers one question against a workspace: run the agent turn, and if
// it produced guarded code, execute it with bounded retry on runtime
// failure.
func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		Error(w, http.StatusBadRequest, msg)
		return
	}

	lock, _ := askLocks.LoadOrStore(workspace.WorkspaceID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Ask already in progress", "workspace_id", workspace.WorkspaceID)
		Error(w, http.StatusConflict, "ask_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		askLocks.Delete(workspace.WorkspaceID)
	}()

	resp, err := h.processAsk(r.Context(), workspace, &req, nil)
	if err != nil {
		slog.Error("Ask turn failed", "error", err, "workspace_id", workspace.WorkspaceID)
		Error(w, http.StatusInternalServerError, "ask turn failed")
		return
	}
	JSON(w, http.StatusOK, resp)
}

// processAsk runs the full turn. It is shared between the HTTP endpoint
// and the websocket stream.
func (h *AskHandler) processAsk(ctx context.Context, workspace *domain.Workspace, req *askRequest, events *AskEvents) (*askResponse, error) {
	h.touchLastUsed(workspace.WorkspaceID)

	input := agent.Input{
		Messages:     req.Messages,
		Schema:       tableSchema(workspace),
		TableName:    workspace.TableName,
		PreviousCode: req.PreviousCode,
	}

	turn, err := h.agent.Run(ctx, input, events.node())
	if err != nil {
		return nil, err
	}

	resp := &askResponse{
		Message:     turn.Message,
		Plan:        turn.Plan,
		Code:        turn.Code,
		GuardStatus: turn.GuardStatus,
		Meta:        turn.Meta,
	}
	if !turn.HasCode() {
		if turn.GuardStatus == agent.GuardFailed && resp.Message == "" {
			resp.Message = "I could not produce safe analysis code for that question. Try rephrasing it."
		}
		return resp, nil
	}

	code := turn.Code
	var result domain.ExecutionResult
	var runID string
	attempts := 0

	for attempt := 1; attempt <= h.cfg.ExecMaxAttempts; attempt++ {
		attempts = attempt
		runID = uuid.NewString()

		if _, err := h.artifacts.StoreScriptArtifact(ctx, workspace.DatabasePath,
			workspace.WorkspaceID, runID, "generated_code", code); err != nil {
			slog.Warn("Failed to store script artifact", "error", err, "run_id", runID)
		}

		result = h.exec.Execute(ctx, runner.ExecRequest{
			WorkspaceID:  workspace.WorkspaceID,
			DatabasePath: workspace.DatabasePath,
			RunID:        runID,
			Code:         code,
			Timeout:      h.cfg.ExecTimeout,
		})
		events.execution(attempt, &result)
		if result.Success {
			break
		}
		if attempt == h.cfg.ExecMaxAttempts {
			break
		}

		slog.Info("Execution failed, regenerating code",
			"workspace_id", workspace.WorkspaceID,
			"attempt", attempt,
			"error", result.Error,
		)
		retry, err := h.agent.Regenerate(ctx, input, code, executionFeedback(&result), events.node())
		if err != nil {
			slog.Warn("Code regeneration failed", "error", err, "workspace_id", workspace.WorkspaceID)
			break
		}
		if !retry.HasCode() {
			resp.GuardStatus = retry.GuardStatus
			break
		}
		code = retry.Code
		if retry.Plan != "" {
			resp.Plan = retry.Plan
		}
	}

	resp.Code = code
	resp.RunID = runID
	resp.Attempts = attempts
	resp.Execution = &result

	h.finalizeRun(ctx, workspace, req, runID, code, attempts, &result)
	return resp, nil
}

// finalizeRun writes the run manifest exactly once, after the retry loop
// settled on a final outcome.
func (h *AskHandler) finalizeRun(ctx context.Context, workspace *domain.Workspace, req *askRequest, runID, code string, attempts int, result *domain.ExecutionResult) {
	run := &domain.RunManifest{
		RunID:          runID,
		WorkspaceID:    workspace.WorkspaceID,
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		Question:       req.question(),
		GeneratedCode:  code,
		ExecutedCode:   runner.ExecutedCode(runID, code),
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		Status:         runStatus(result),
		RetryCount:     attempts - 1,
	}
	if err := h.artifacts.WriteRunManifest(ctx, workspace.DatabasePath, run); err != nil {
		slog.Error("Failed to write run manifest", "error", err, "run_id", runID)
	}
}

func runStatus(result *domain.ExecutionResult) string {
	if result.Success {
		return "success"
	}
	return "error"
}

func executionFeedback(result *domain.ExecutionResult) string {
	if result.Error != "" {
		return result.Error
	}
	if result.Stderr != "" {
		return result.Stderr
	}
	return "execution produced no output"
}

type executeRequest struct {
	Code string `json:"code"`
}

// Execute runs caller-provided code through the guard and the workspace
// session. Unusable code degrades to the guard's fallback query instead of
// being rejected.
func (h *AskHandler) Execute(w http.ResponseWriter, r *http.Request) {
	workspace := h.loadWorkspace(w, r)
	if workspace == nil {
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	guard := agent.GuardCode(req.Code, workspace.TableName, true)
	if guard.Changed {
		slog.Info("Guard rewrote submitted code",
			"workspace_id", workspace.WorkspaceID, "reason", guard.Reason)
	}

	h.touchLastUsed(workspace.WorkspaceID)
	runID := uuid.NewString()
	result := h.exec.Execute(r.Context(), runner.ExecRequest{
		WorkspaceID:  workspace.WorkspaceID,
		DatabasePath: workspace.DatabasePath,
		RunID:        runID,
		Code:         guard.Code,
		Timeout:      h.cfg.ExecTimeout,
	})

	// Record the run so its artifacts stay retrievable; direct executions
	// have no question or conversation scope.
	run := &domain.RunManifest{
		RunID:         runID,
		WorkspaceID:   workspace.WorkspaceID,
		GeneratedCode: guard.Code,
		ExecutedCode:  runner.ExecutedCode(runID, guard.Code),
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		Status:        runStatus(&result),
	}
	if err := h.artifacts.WriteRunManifest(r.Context(), workspace.DatabasePath, run); err != nil {
		slog.Error("Failed to write run manifest", "error", err, "run_id", runID)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"run_id":       runID,
		"code":         guard.Code,
		"guard_reason": guard.Reason,
		"execution":    result,
	})
}
