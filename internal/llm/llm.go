// Package llm defines the provider-agnostic contract for structured LLM
// calls. Agent nodes depend only on the Client interface; concrete
// providers live alongside it.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Field describes one property of a structured response schema.
// Type is one of "boolean", "string", "integer".
type Field struct {
	Name        string
	Type        string
	Description string
}

// ResponseSchema constrains a completion to a flat JSON object. All fields
// are nullable: a provider that cannot decide a field returns null rather
// than guessing.
type ResponseSchema struct {
	Fields []Field
}

// Request is one completion request. When Schema is nil the response is
// free text; otherwise it is a JSON document matching the schema.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Schema   *ResponseSchema
}

// Client executes completion requests against a model provider.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
