// Package agent implements the question-to-code pipeline: a directed graph
// of LLM-backed nodes that classifies a user question, plans an analysis,
// generates Python code, and validates it against the bridge-only contract
// before anything is allowed to execute.
package agent

import (
	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/llm"
)

// GuardStatus is the outcome of the guard loop for one turn.
type GuardStatus string

const (
	GuardOK     GuardStatus = "ok"
	GuardRetry  GuardStatus = "retry"
	GuardFailed GuardStatus = "failed"
)

// Metadata holds the per-turn classification record. Fields are pointers
// so that a node which could not decide contributes nothing: merging nil
// over an earlier decision never erases it.
type Metadata struct {
	IsSafe             *bool   `json:"is_safe"`
	SafetyReasoning    *string `json:"safety_reasoning"`
	IsRelevant         *bool   `json:"is_relevant"`
	RelevancyReasoning *string `json:"relevancy_reasoning"`
	RequireCode        *bool   `json:"require_code"`
}

// MergeMetadata folds next into prev per key: a decided (non-nil) field in
// next overwrites, an undecided field leaves prev untouched.
func MergeMetadata(prev, next Metadata) Metadata {
	out := prev
	if next.IsSafe != nil {
		out.IsSafe = next.IsSafe
	}
	if next.SafetyReasoning != nil {
		out.SafetyReasoning = next.SafetyReasoning
	}
	if next.IsRelevant != nil {
		out.IsRelevant = next.IsRelevant
	}
	if next.RelevancyReasoning != nil {
		out.RelevancyReasoning = next.RelevancyReasoning
	}
	if next.RequireCode != nil {
		out.RequireCode = next.RequireCode
	}
	return out
}

// State is the transient per-turn conversation state owned by the graph
// for the duration of one Run call. Messages is append-only.
type State struct {
	Messages []llm.Message

	Meta Metadata

	Schema       *domain.TableSchema
	TableName    string
	PreviousCode string

	Plan string
	// Code is the latest candidate; CurrentCode is the last non-empty
	// candidate and sticks across retries.
	Code        string
	CurrentCode string

	GuardStatus   GuardStatus
	GuardRetries  int
	GuardFeedback string
}

// appendAssistant records a model-authored message in the history.
func (s *State) appendAssistant(content string) {
	s.Messages = append(s.Messages, llm.Message{Role: llm.RoleAssistant, Content: content})
}

// setCode records a new code candidate, keeping CurrentCode sticky on
// empty generations.
func (s *State) setCode(code string) {
	s.Code = code
	if trimmed := code; trimmed != "" {
		s.CurrentCode = trimmed
	}
}

// lastAssistantMessage returns the most recent assistant message, or "".
func (s *State) lastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

func boolVal(b *bool) bool {
	return b != nil && *b
}
