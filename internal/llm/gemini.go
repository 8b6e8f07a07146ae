package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

const defaultRequestTimeout = 60 * time.Second

// GeminiClient implements Client using the Google GenAI SDK.
type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiClient creates a Gemini-backed LLM client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, timeout: defaultRequestTimeout}, nil
}

// Complete executes one completion request. Structured requests constrain
// the model to a JSON object via a response schema.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("model name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		var role genai.Role = genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(req.Schema)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content with %s: %w", req.Model, err)
	}

	text := resp.Text()
	slog.Debug("LLM completion finished",
		"model", req.Model,
		"structured", req.Schema != nil,
		"duration", time.Since(start),
	)
	return text, nil
}

func toGenaiSchema(schema *ResponseSchema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(schema.Fields))
	for _, f := range schema.Fields {
		var t genai.Type
		switch f.Type {
		case "boolean":
			t = genai.TypeBoolean
		case "integer":
			t = genai.TypeInteger
		default:
			t = genai.TypeString
		}
		props[f.Name] = &genai.Schema{
			Type:        t,
			Description: f.Description,
			Nullable:    genai.Ptr(true),
		}
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props}
}
