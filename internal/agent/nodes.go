package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/askoura/tabletalk/internal/llm"
)

// Classification nodes decode into these shapes. Pointer fields keep
// "model could not decide" distinct from a decided false.

type safetyVerdict struct {
	IsSafe          *bool   `json:"is_safe"`
	SafetyReasoning *string `json:"safety_reasoning"`
}

type relevancyVerdict struct {
	IsRelevant         *bool   `json:"is_relevant"`
	RelevancyReasoning *string `json:"relevancy_reasoning"`
}

type codeRequirement struct {
	RequireCode *bool `json:"require_code"`
}

type planDraft struct {
	Plan *string `json:"plan"`
}

type codeDraft struct {
	Code *string `json:"code"`
}

// structured executes one structured completion and decodes the JSON
// response into out.
func (a *Agent) structured(ctx context.Context, model, system string, messages []llm.Message, schema *llm.ResponseSchema, out any) error {
	raw, err := a.client.Complete(ctx, llm.Request{
		Model:    model,
		System:   system,
		Messages: messages,
		Schema:   schema,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode structured response: %w", err)
	}
	return nil
}

// prose executes one free-text completion.
func (a *Agent) prose(ctx context.Context, model, system string, messages []llm.Message) (string, error) {
	return a.client.Complete(ctx, llm.Request{
		Model:    model,
		System:   system,
		Messages: messages,
	})
}

func (a *Agent) checkSafety(ctx context.Context, s *State) {
	system, err := a.prompts.render("check_safety", promptData{})
	if err != nil {
		slog.Warn("Safety prompt unavailable, leaving verdict undetermined", "error", err)
		return
	}

	var verdict safetyVerdict
	schema := &llm.ResponseSchema{Fields: []llm.Field{
		{Name: "is_safe", Type: "boolean", Description: "whether the question is not malicious and cannot corrupt data"},
		{Name: "safety_reasoning", Type: "string"},
	}}
	if err := a.structured(ctx, a.cfg.ModelLite, system, s.Messages, schema, &verdict); err != nil {
		// Undetermined safety routes to rejection; never abort the turn.
		slog.Warn("Safety check failed, leaving verdict undetermined", "error", err)
		return
	}
	s.Meta = MergeMetadata(s.Meta, Metadata{IsSafe: verdict.IsSafe, SafetyReasoning: verdict.SafetyReasoning})
}

func (a *Agent) checkRelevancy(ctx context.Context, s *State) {
	system, err := a.prompts.render("check_relevancy", promptData{Schema: schemaJSON(s.Schema)})
	if err != nil {
		slog.Warn("Relevancy prompt unavailable, leaving verdict undetermined", "error", err)
		return
	}

	var verdict relevancyVerdict
	schema := &llm.ResponseSchema{Fields: []llm.Field{
		{Name: "is_relevant", Type: "boolean", Description: "whether the question is relevant to the active schema"},
		{Name: "relevancy_reasoning", Type: "string"},
	}}
	if err := a.structured(ctx, a.cfg.ModelLite, system, s.Messages, schema, &verdict); err != nil {
		slog.Warn("Relevancy check failed, leaving verdict undetermined", "error", err)
		return
	}
	s.Meta = MergeMetadata(s.Meta, Metadata{IsRelevant: verdict.IsRelevant, RelevancyReasoning: verdict.RelevancyReasoning})
}

func (a *Agent) requireCode(ctx context.Context, s *State) {
	system, err := a.prompts.render("require_code", promptData{Schema: schemaJSON(s.Schema)})
	if err != nil {
		slog.Warn("Require-code prompt unavailable, defaulting to prose answer", "error", err)
		return
	}

	var verdict codeRequirement
	schema := &llm.ResponseSchema{Fields: []llm.Field{
		{Name: "require_code", Type: "boolean"},
	}}
	if err := a.structured(ctx, a.cfg.ModelLite, system, s.Messages, schema, &verdict); err != nil {
		slog.Warn("Require-code check failed, defaulting to prose answer", "error", err)
		return
	}
	s.Meta = MergeMetadata(s.Meta, Metadata{RequireCode: verdict.RequireCode})
}

func (a *Agent) createPlan(ctx context.Context, s *State) {
	system, err := a.prompts.render("create_plan", promptData{
		Schema:      schemaJSON(s.Schema),
		CurrentCode: s.PreviousCode,
	})
	if err != nil {
		slog.Warn("Plan prompt unavailable, generating without plan", "error", err)
		return
	}

	var draft planDraft
	schema := &llm.ResponseSchema{Fields: []llm.Field{
		{Name: "plan", Type: "string"},
	}}
	if err := a.structured(ctx, a.cfg.ModelLite, system, s.Messages, schema, &draft); err != nil {
		slog.Warn("Plan generation failed, generating without plan", "error", err)
		return
	}
	if draft.Plan != nil {
		s.Plan = *draft.Plan
	}
}

func (a *Agent) codeGenerator(ctx context.Context, s *State) {
	a.generateCode(ctx, s, s.Messages, s.PreviousCode)
}

// retryCodeGenerator regenerates after a guard rejection, feeding the
// validator feedback back to the model.
func (a *Agent) retryCodeGenerator(ctx context.Context, s *State) {
	feedback := s.GuardFeedback
	if feedback == "" {
		feedback = "Ensure code is valid."
	}
	messages := append(append([]llm.Message{}, s.Messages...), llm.Message{
		Role:    llm.RoleUser,
		Content: "Code validation failed. Regenerate code.\nValidator feedback: " + feedback,
	})

	context := s.Code
	if context == "" {
		context = s.PreviousCode
	}
	a.generateCode(ctx, s, messages, context)
}

func (a *Agent) generateCode(ctx context.Context, s *State, messages []llm.Message, currentCode string) {
	tableName := s.TableName
	if tableName == "" {
		tableName = "data_table"
	}
	system, err := a.prompts.render("code_generator", promptData{
		Schema:      schemaJSON(s.Schema),
		TableName:   tableName,
		Plan:        s.Plan,
		CurrentCode: currentCode,
	})
	if err != nil {
		slog.Warn("Codegen prompt unavailable", "error", err)
		s.setCode("")
		return
	}

	var draft codeDraft
	schema := &llm.ResponseSchema{Fields: []llm.Field{
		{Name: "code", Type: "string"},
	}}
	if err := a.structured(ctx, a.cfg.Model, system, messages, schema, &draft); err != nil {
		// An empty candidate flows into the guard, which rejects it and
		// drives the bounded retry loop.
		slog.Warn("Code generation failed", "error", err)
		s.setCode("")
		return
	}
	code := ""
	if draft.Code != nil {
		code = *draft.Code
	}
	s.setCode(code)
}

// codeGuard validates the latest candidate and drives the bounded retry
// loop. On budget exhaustion it fails closed: status failed and both code
// fields cleared, so no unguarded code can leak downstream.
func (a *Agent) codeGuard(_ context.Context, s *State) {
	result := GuardCode(s.Code, s.TableName, a.cfg.GuardAllowFallback)

	if !result.Blocked {
		s.Code = result.Code
		s.CurrentCode = result.Code
		s.GuardStatus = GuardOK
		s.GuardFeedback = ""
		if result.Changed {
			slog.Info("Guard rewrote generated code", "table", s.TableName, "reason", result.Reason)
		}
		return
	}

	if result.ShouldRetry && s.GuardRetries < a.cfg.GuardMaxRetries {
		s.GuardRetries++
		s.GuardStatus = GuardRetry
		s.GuardFeedback = result.Reason
		slog.Info("Guard rejected code, retrying generation",
			"retry", s.GuardRetries,
			"max_retries", a.cfg.GuardMaxRetries,
			"reason", result.Reason,
		)
		return
	}

	s.Code = ""
	s.CurrentCode = ""
	s.GuardStatus = GuardFailed
	s.GuardFeedback = result.Reason
	slog.Warn("Guard budget exhausted, failing closed", "reason", result.Reason)
}

func (a *Agent) noncodeGenerator(ctx context.Context, s *State) {
	system, err := a.prompts.render("noncode_generator", promptData{
		Schema:      schemaJSON(s.Schema),
		CurrentCode: s.PreviousCode,
	})
	if err == nil {
		var text string
		if text, err = a.prose(ctx, a.cfg.Model, system, s.Messages); err == nil {
			s.appendAssistant(text)
			return
		}
	}
	slog.Warn("Prose answer failed", "error", err)
	s.appendAssistant("I could not produce an answer for that just now. Please try again.")
}

func (a *Agent) generalPurpose(ctx context.Context, s *State) {
	system, err := a.prompts.render("general_purpose", promptData{})
	if err == nil {
		var text string
		if text, err = a.prose(ctx, a.cfg.Model, system, s.Messages); err == nil {
			s.appendAssistant(text)
			return
		}
	}
	slog.Warn("General-purpose answer failed", "error", err)
	s.appendAssistant("I could not produce an answer for that just now. Please try again.")
}

func (a *Agent) unsafeRejector(ctx context.Context, s *State) {
	reasoning := "The request was flagged as potentially unsafe."
	if s.Meta.SafetyReasoning != nil && *s.Meta.SafetyReasoning != "" {
		reasoning = *s.Meta.SafetyReasoning
	}
	system, err := a.prompts.render("unsafe_rejector", promptData{SafetyReasoning: reasoning})
	if err == nil {
		var text string
		if text, err = a.prose(ctx, a.cfg.ModelLite, system, s.Messages); err == nil {
			s.appendAssistant(text)
			return
		}
	}
	slog.Warn("Rejection message generation failed", "error", err)
	s.appendAssistant("I can't help with that request: " + reasoning)
}
