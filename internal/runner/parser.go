package runner

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/askoura/tabletalk/internal/domain"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

// Collector folds the ordered kernel message stream for one request into a
// structured output. It ignores messages correlated to other requests,
// tolerates malformed or duplicate messages, and stops at the first idle
// status for its request id.
type Collector struct {
	requestID string
	stdout    strings.Builder
	stderr    strings.Builder
	result    *ResultPayload
	execErr   string
	done      bool
}

// NewCollector creates a collector for one request id.
func NewCollector(requestID string) *Collector {
	return &Collector{requestID: requestID}
}

// Add folds one message and reports whether collection is complete.
func (c *Collector) Add(msg Message) bool {
	if c.done {
		return true
	}
	if msg.ID != c.requestID {
		return false
	}

	switch msg.Type {
	case MessageStream:
		text := stripANSI(msg.Text)
		if msg.Name == "stderr" {
			c.stderr.WriteString(text)
		} else {
			c.stdout.WriteString(text)
		}
	case MessageError:
		c.execErr = formatTraceback(msg)
		c.stderr.WriteString(c.execErr + "\n")
	case MessageResult:
		if msg.Data != nil && msg.Data.Mime != "" {
			c.result = msg.Data
		}
	case MessageStatus:
		if msg.State == "idle" {
			c.done = true
		}
	default:
		// Unknown message types degrade to "no contribution".
	}
	return c.done
}

// Done reports whether the idle marker for this request has been seen.
func (c *Collector) Done() bool {
	return c.done
}

// Result assembles the execution result from everything folded so far.
func (c *Collector) Result() domain.ExecutionResult {
	stdout := strings.TrimSpace(c.stdout.String())
	stderr := strings.TrimSpace(c.stderr.String())

	res := domain.ExecutionResult{
		Success:    c.execErr == "" && stderr == "",
		Stdout:     stdout,
		Stderr:     stderr,
		ResultKind: domain.ResultNone,
	}
	if c.execErr != "" {
		res.Error = c.execErr
		res.ResultKind = domain.ResultError
		return res
	}

	if c.result != nil {
		value, resultType := decodeResult(c.result)
		res.Result = value
		res.ResultType = resultType
		switch resultType {
		case "DataFrame":
			res.ResultKind = domain.ResultDataframe
		case "Figure":
			res.ResultKind = domain.ResultFigure
		case "scalar":
			res.ResultKind = domain.ResultScalar
		}
	}
	return res
}

// decodeResult maps a payload to a value plus legacy type tag. Anything it
// cannot make sense of degrades to no typed result.
func decodeResult(payload *ResultPayload) (any, string) {
	switch payload.Mime {
	case MimePlotly:
		var value any
		if err := json.Unmarshal(payload.Value, &value); err != nil {
			return nil, ""
		}
		return value, "Figure"
	case MimeDataframe:
		var value map[string]any
		if err := json.Unmarshal(payload.Value, &value); err != nil {
			return nil, ""
		}
		return value, "DataFrame"
	case MimeJSON:
		var value any
		if err := json.Unmarshal(payload.Value, &value); err != nil {
			return nil, ""
		}
		return value, classifyJSONResult(value)
	case MimeText:
		var text string
		if err := json.Unmarshal(payload.Value, &text); err != nil {
			return nil, ""
		}
		return stripANSI(text), "scalar"
	default:
		return nil, ""
	}
}

func classifyJSONResult(value any) string {
	m, ok := value.(map[string]any)
	if !ok {
		return "scalar"
	}
	if _, hasCols := m["columns"]; hasCols {
		if _, hasData := m["data"]; hasData {
			return "DataFrame"
		}
	}
	if _, hasData := m["data"]; hasData {
		if _, hasLayout := m["layout"]; hasLayout {
			return "Figure"
		}
	}
	return "scalar"
}

func formatTraceback(msg Message) string {
	if len(msg.Traceback) > 0 {
		lines := make([]string, 0, len(msg.Traceback))
		for _, line := range msg.Traceback {
			lines = append(lines, stripANSI(line))
		}
		return strings.Join(lines, "\n")
	}
	ename := msg.Ename
	if ename == "" {
		ename = "ExecutionError"
	}
	return strings.TrimSpace(stripANSI(ename + ": " + msg.Evalue))
}

func stripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}
