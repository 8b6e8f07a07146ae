package agent

import (
	"context"
	"fmt"

	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/llm"
)

// node identifies one step of the turn graph. Routing is a switch over
// these constants rather than string dispatch.
type node int

const (
	nodeEnd node = iota
	nodeCheckSafety
	nodeCheckRelevancy
	nodeRequireCode
	nodeCreatePlan
	nodeCodeGenerator
	nodeRetryCodeGenerator
	nodeCodeGuard
	nodeNoncodeGenerator
	nodeGeneralPurpose
	nodeUnsafeRejector
)

func (n node) String() string {
	switch n {
	case nodeCheckSafety:
		return "check_safety"
	case nodeCheckRelevancy:
		return "check_relevancy"
	case nodeRequireCode:
		return "require_code"
	case nodeCreatePlan:
		return "create_plan"
	case nodeCodeGenerator:
		return "code_generator"
	case nodeRetryCodeGenerator:
		return "retry_code_generator"
	case nodeCodeGuard:
		return "code_guard"
	case nodeNoncodeGenerator:
		return "noncode_generator"
	case nodeGeneralPurpose:
		return "general_purpose"
	case nodeUnsafeRejector:
		return "unsafe_rejector"
	default:
		return "end"
	}
}

// maxSteps bounds one turn. The deepest legal path is the guard retry loop,
// which the retry budget already bounds; this is the backstop against a
// routing bug looping forever.
const maxSteps = 32

// Config holds agent tuning knobs.
type Config struct {
	// Model generates code and prose; ModelLite runs classifications.
	Model     string
	ModelLite string
	// GuardMaxRetries bounds automatic code regeneration after guard
	// rejections. On exhaustion the turn fails closed.
	GuardMaxRetries int
	// GuardAllowFallback lets the guard substitute a minimal bridge query
	// instead of blocking. The graph leaves this off so rejected code is
	// regenerated rather than silently replaced.
	GuardAllowFallback bool
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.5-flash",
		ModelLite:       "gemini-2.5-flash-lite",
		GuardMaxRetries: 2,
	}
}

// Agent runs the per-turn graph over an LLM client.
type Agent struct {
	client  llm.Client
	prompts *promptSet
	cfg     Config
}

// New creates an agent with parsed prompt templates.
func New(client llm.Client, cfg Config) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Model == "" || cfg.ModelLite == "" {
		def := DefaultConfig()
		if cfg.Model == "" {
			cfg.Model = def.Model
		}
		if cfg.ModelLite == "" {
			cfg.ModelLite = def.ModelLite
		}
	}
	if cfg.GuardMaxRetries < 0 {
		cfg.GuardMaxRetries = 0
	}
	prompts, err := loadPrompts()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return &Agent{client: client, prompts: prompts, cfg: cfg}, nil
}

// Input is the caller-provided context for one turn.
type Input struct {
	Messages     []llm.Message
	Schema       *domain.TableSchema
	TableName    string
	PreviousCode string
}

// Turn is the outcome of one graph run: either a prose message, or a
// guarded code candidate plus its plan.
type Turn struct {
	Message     string      `json:"message,omitempty"`
	Plan        string      `json:"plan,omitempty"`
	Code        string      `json:"code,omitempty"`
	GuardStatus GuardStatus `json:"guard_status"`
	Meta        Metadata    `json:"metadata"`
}

// HasCode reports whether the turn produced guarded, executable code.
func (t *Turn) HasCode() bool {
	return t.GuardStatus == GuardOK && t.Code != ""
}

// Event is emitted after each node for streaming consumers.
type Event struct {
	Node        string      `json:"node"`
	Message     string      `json:"message,omitempty"`
	Plan        string      `json:"plan,omitempty"`
	Code        string      `json:"code,omitempty"`
	GuardStatus GuardStatus `json:"guard_status,omitempty"`
}

// EventFunc receives node events during a run. May be nil.
type EventFunc func(Event)

// Run executes one turn of the graph. Node failures degrade to
// conservative routing; Run itself only fails on caller errors or a
// routing bug.
func (a *Agent) Run(ctx context.Context, in Input, onEvent EventFunc) (*Turn, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	s := &State{
		Messages:     append([]llm.Message{}, in.Messages...),
		Schema:       in.Schema,
		TableName:    in.TableName,
		PreviousCode: in.PreviousCode,
		GuardStatus:  GuardOK,
	}

	current := nodeCheckSafety
	for steps := 0; current != nodeEnd; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("graph exceeded %d steps at %s", maxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.dispatch(ctx, current, s)
		a.emit(onEvent, current, s)
		current = route(current, s)
	}

	return &Turn{
		Message:     s.lastAssistantMessage(),
		Plan:        s.Plan,
		Code:        s.Code,
		GuardStatus: s.GuardStatus,
		Meta:        s.Meta,
	}, nil
}

// Regenerate re-enters the code generation loop after an execution
// failure, feeding the runtime error back to the model. Classification is
// not re-run: the turn was already judged safe, relevant, and code-worthy.
func (a *Agent) Regenerate(ctx context.Context, in Input, failedCode, execError string, onEvent EventFunc) (*Turn, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	messages := append([]llm.Message{}, in.Messages...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Code execution failed. Regenerate code.\nExecution error: " + execError,
	})

	s := &State{
		Messages:     messages,
		Schema:       in.Schema,
		TableName:    in.TableName,
		PreviousCode: failedCode,
		GuardStatus:  GuardOK,
	}

	current := nodeCodeGenerator
	for steps := 0; current != nodeEnd; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("graph exceeded %d steps at %s", maxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.dispatch(ctx, current, s)
		a.emit(onEvent, current, s)
		current = route(current, s)
	}

	return &Turn{
		Plan:        s.Plan,
		Code:        s.Code,
		GuardStatus: s.GuardStatus,
		Meta:        s.Meta,
	}, nil
}

func (a *Agent) dispatch(ctx context.Context, n node, s *State) {
	switch n {
	case nodeCheckSafety:
		a.checkSafety(ctx, s)
	case nodeCheckRelevancy:
		a.checkRelevancy(ctx, s)
	case nodeRequireCode:
		a.requireCode(ctx, s)
	case nodeCreatePlan:
		a.createPlan(ctx, s)
	case nodeCodeGenerator:
		a.codeGenerator(ctx, s)
	case nodeRetryCodeGenerator:
		a.retryCodeGenerator(ctx, s)
	case nodeCodeGuard:
		a.codeGuard(ctx, s)
	case nodeNoncodeGenerator:
		a.noncodeGenerator(ctx, s)
	case nodeGeneralPurpose:
		a.generalPurpose(ctx, s)
	case nodeUnsafeRejector:
		a.unsafeRejector(ctx, s)
	}
}

// route decides the next node from the state left by the one that just
// ran. Undetermined verdicts take the conservative branch.
func route(n node, s *State) node {
	switch n {
	case nodeCheckSafety:
		if boolVal(s.Meta.IsSafe) {
			return nodeCheckRelevancy
		}
		return nodeUnsafeRejector
	case nodeCheckRelevancy:
		if boolVal(s.Meta.IsRelevant) {
			return nodeRequireCode
		}
		return nodeGeneralPurpose
	case nodeRequireCode:
		if boolVal(s.Meta.RequireCode) {
			return nodeCreatePlan
		}
		return nodeNoncodeGenerator
	case nodeCreatePlan:
		return nodeCodeGenerator
	case nodeCodeGenerator, nodeRetryCodeGenerator:
		return nodeCodeGuard
	case nodeCodeGuard:
		if s.GuardStatus == GuardRetry {
			return nodeRetryCodeGenerator
		}
		return nodeEnd
	default:
		return nodeEnd
	}
}

func (a *Agent) emit(onEvent EventFunc, n node, s *State) {
	if onEvent == nil {
		return
	}
	ev := Event{Node: n.String()}
	switch n {
	case nodeNoncodeGenerator, nodeGeneralPurpose, nodeUnsafeRejector:
		ev.Message = s.lastAssistantMessage()
	case nodeCreatePlan:
		ev.Plan = s.Plan
	case nodeCodeGenerator, nodeRetryCodeGenerator:
		ev.Code = s.Code
	case nodeCodeGuard:
		ev.Code = s.Code
		ev.GuardStatus = s.GuardStatus
	}
	onEvent(ev)
}
