package runner

import (
	"encoding/json"
	"testing"

	"github.com/askoura/tabletalk/internal/domain"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode payload: %v", err)
	}
	return raw
}

func TestCollector_FoldsStreamsAndResult(t *testing.T) {
	c := NewCollector("req-1")

	messages := []Message{
		{ID: "req-1", Type: MessageStatus, State: "busy"},
		{ID: "req-1", Type: MessageStream, Name: "stdout", Text: "computing\n"},
		{ID: "req-1", Type: MessageResult, Data: &ResultPayload{
			Mime:  MimeDataframe,
			Value: rawJSON(t, map[string]any{"columns": []string{"a"}, "data": [][]any{{1}}}),
		}},
		{ID: "req-1", Type: MessageStatus, State: "idle"},
	}
	for i, msg := range messages {
		done := c.Add(msg)
		if done != (i == len(messages)-1) {
			t.Errorf("Message %d: unexpected done=%v", i, done)
		}
	}

	res := c.Result()
	if !res.Success {
		t.Fatalf("Expected success, got error %q", res.Error)
	}
	if res.Stdout != "computing" {
		t.Errorf("Expected trimmed stdout, got %q", res.Stdout)
	}
	if res.ResultKind != domain.ResultDataframe {
		t.Errorf("Expected dataframe result, got %s", res.ResultKind)
	}
	if res.ResultType != "DataFrame" {
		t.Errorf("Expected DataFrame result type, got %q", res.ResultType)
	}
}

func TestCollector_IgnoresForeignRequestIDs(t *testing.T) {
	c := NewCollector("req-1")

	if done := c.Add(Message{ID: "stale", Type: MessageStatus, State: "idle"}); done {
		t.Fatalf("Expected foreign idle to be ignored")
	}
	c.Add(Message{ID: "stale", Type: MessageStream, Name: "stdout", Text: "old output"})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.Stdout != "" {
		t.Errorf("Expected foreign output dropped, got %q", res.Stdout)
	}
	if !c.Done() {
		t.Errorf("Expected collection complete after own idle")
	}
}

func TestCollector_ErrorWithTraceback(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{
		ID:        "req-1",
		Type:      MessageError,
		Ename:     "KeyError",
		Evalue:    "'amount'",
		Traceback: []string{"Traceback (most recent call last):", "\x1b[31mKeyError\x1b[0m: 'amount'"},
	})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.Success {
		t.Fatalf("Expected failure on interpreter error")
	}
	if res.ResultKind != domain.ResultError {
		t.Errorf("Expected error result kind, got %s", res.ResultKind)
	}
	if res.Error != "Traceback (most recent call last):\nKeyError: 'amount'" {
		t.Errorf("Expected ANSI-stripped joined traceback, got %q", res.Error)
	}
}

func TestCollector_ErrorWithoutTraceback(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{ID: "req-1", Type: MessageError, Ename: "ValueError", Evalue: "bad input"})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.Error != "ValueError: bad input" {
		t.Errorf("Expected formatted error, got %q", res.Error)
	}
}

func TestCollector_StderrAloneFailsResult(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{ID: "req-1", Type: MessageStream, Name: "stderr", Text: "warning: deprecated\n"})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.Success {
		t.Errorf("Expected stderr output to fail the execution")
	}
	if res.Stderr != "warning: deprecated" {
		t.Errorf("Expected trimmed stderr, got %q", res.Stderr)
	}
}

func TestCollector_PlotlyResult(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{ID: "req-1", Type: MessageResult, Data: &ResultPayload{
		Mime:  MimePlotly,
		Value: rawJSON(t, map[string]any{"data": []any{}, "layout": map[string]any{}}),
	}})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.ResultKind != domain.ResultFigure {
		t.Errorf("Expected figure result, got %s", res.ResultKind)
	}
}

func TestCollector_TextResultIsScalar(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{ID: "req-1", Type: MessageResult, Data: &ResultPayload{
		Mime:  MimeText,
		Value: rawJSON(t, "42 rows"),
	}})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if res.ResultKind != domain.ResultScalar {
		t.Errorf("Expected scalar result, got %s", res.ResultKind)
	}
	if res.Result != "42 rows" {
		t.Errorf("Expected text preserved, got %v", res.Result)
	}
}

func TestClassifyJSONResult(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"dataframe shape", map[string]any{"columns": []any{"a"}, "data": []any{}}, "DataFrame"},
		{"figure shape", map[string]any{"data": []any{}, "layout": map[string]any{}}, "Figure"},
		{"plain object", map[string]any{"value": 3}, "scalar"},
		{"number", 3.0, "scalar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyJSONResult(tt.value); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCollector_MalformedResultDegrades(t *testing.T) {
	c := NewCollector("req-1")
	c.Add(Message{ID: "req-1", Type: MessageResult, Data: &ResultPayload{
		Mime:  MimeDataframe,
		Value: json.RawMessage(`not json`),
	}})
	c.Add(Message{ID: "req-1", Type: MessageStatus, State: "idle"})

	res := c.Result()
	if !res.Success {
		t.Errorf("Expected malformed result to degrade, not fail")
	}
	if res.ResultKind != domain.ResultNone {
		t.Errorf("Expected no typed result, got %s", res.ResultKind)
	}
}
