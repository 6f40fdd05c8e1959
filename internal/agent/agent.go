package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/scoreline/internal/config"
	"github.com/comigor/scoreline/internal/llm"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/stream"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle           FSMState = "Idle"
	StateReadyToCallLLM FSMState = "ReadyToCallLLM"
	StateExecutingTools FSMState = "ExecutingTools"
	StateDone           FSMState = "Done"  // Terminal: reply finished or consumer gone
	StateError          FSMState = "Error" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       FSMTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted FSMTrigger = "ToolsExecutionCompleted"
	TriggerConsumerGone            FSMTrigger = "ConsumerGone"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

const (
	maxTurns = 5
	// maxToolCalls bounds the tool call slots one LLM response may open.
	maxToolCalls = 16
)

// MCPClientInterface defines the methods our agent expects from an MCP client.
type MCPClientInterface interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Agent generates streamed sports replies.
type Agent struct {
	llmClient         llm.Client
	cfg               config.LLMConfig
	source            ContextSource
	now               func() time.Time
	mcpClients        []MCPClientInterface
	availableLLMTools []openai.Tool
	toolNameSet       map[string]MCPClientInterface
}

// Option configures an Agent.
type Option func(*Agent)

// WithContextSource adds live data to the system prompt.
func WithContextSource(src ContextSource) Option {
	return func(a *Agent) { a.source = src }
}

// WithClock overrides time.Now for the date in the system prompt.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates a new agent.
func New(llmClient llm.Client, cfg config.LLMConfig, opts ...Option) *Agent {
	a := &Agent{
		llmClient:   llmClient,
		cfg:         cfg,
		now:         time.Now,
		toolNameSet: make(map[string]MCPClientInterface),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ConnectTools initializes MCP clients and offers their tools to the LLM.
// Clients that fail to initialize are closed and skipped.
func (a *Agent) ConnectTools(ctx context.Context, clients ...MCPClientInterface) {
	for i, c := range clients {
		initReq := mcp.InitializeRequest{Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "scoreline-agent", Version: "1.0.0"},
		}}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			logger.L.Error("Failed to initialize MCP client", "index", i, "error", err)
			if cerr := c.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		a.mcpClients = append(a.mcpClients, c)

		listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			logger.L.Warn("Failed to list tools for MCP client", "index", i, "error", err)
			continue
		}
		for _, t := range listed.Tools {
			if _, exists := a.toolNameSet[t.Name]; exists {
				logger.L.Warn("Tool already registered from another server. Skipping.", "tool", t.Name)
				continue
			}
			a.toolNameSet[t.Name] = c
			a.availableLLMTools = append(a.availableLLMTools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toolSchema(t),
				},
			})
			logger.L.Info("Registered tool for LLM", "tool", t.Name)
		}
	}
}

var emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)

func toolSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 && string(t.RawInputSchema) != "null" {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" {
		return emptySchema
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil || string(b) == "{}" || string(b) == "null" {
		return emptySchema
	}
	return b
}

// Close closes the MCP clients.
func (a *Agent) Close() {
	for _, c := range a.mcpClients {
		if err := c.Close(); err != nil {
			logger.L.Warn("MCP client close error", "error", err)
		}
	}
}

// Stream answers the last user turn of history, passing reply text to emit as
// it is generated. It returns nil without finishing the reply once emit
// reports the consumer is gone.
func (a *Agent) Stream(ctx context.Context, history []stream.Turn, emit func(string) bool) error {
	type fsmContext struct {
		messages    []openai.ChatCompletionMessage
		toolCalls   []openai.ToolCall
		lastError   error
		currentTurn int
	}

	var question string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == openai.ChatMessageRoleUser {
			question = history[i].Content
			break
		}
	}
	if question == "" {
		return errors.New("agent: no user message")
	}

	fsmCtx := &fsmContext{
		messages: make([]openai.ChatCompletionMessage, 0, len(history)+1),
	}
	fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: a.systemPrompt(ctx, question),
	})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerProcessInput, StateReadyToCallLLM)

	fsm.Configure(StateReadyToCallLLM).
		OnEntry(func(ctx context.Context, args ...any) error {
			if fsmCtx.currentTurn >= maxTurns {
				logger.L.Warn("Max interaction turns reached.", "maxTurns", maxTurns)
				fsmCtx.lastError = errors.New("exceeded maximum interaction turns")
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.currentTurn++
			logger.L.Debug("FSM: Entering StateReadyToCallLLM", "turn", fsmCtx.currentTurn)

			content, calls, gone, err := a.callLLM(ctx, fsmCtx.messages, emit)
			switch {
			case err != nil:
				logger.L.Error("LLM call failed", "error", err)
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			case gone:
				return fsm.FireCtx(ctx, TriggerConsumerGone)
			case len(calls) > 0:
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:      openai.ChatMessageRoleAssistant,
					Content:   content,
					ToolCalls: calls,
				})
				fsmCtx.toolCalls = calls
				return fsm.FireCtx(ctx, TriggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, TriggerLLMRespondedWithContent)
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerConsumerGone, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateExecutingTools", "calls", len(fsmCtx.toolCalls))
			for _, tc := range fsmCtx.toolCalls {
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.runTool(ctx, tc),
					ToolCallID: tc.ID,
					Name:       tc.Function.Name,
				})
			}
			return fsm.FireCtx(ctx, TriggerToolsExecutionCompleted)
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM)

	fsm.Configure(StateDone)
	fsm.Configure(StateError)

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		logger.L.Warn("FSM fire error", "error", err)
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return fmt.Errorf("FSM internal error: %w", err)
	}
	switch state {
	case StateDone:
		return nil
	case StateError:
		if fsmCtx.lastError != nil {
			return fsmCtx.lastError
		}
		return errors.New("FSM ended in StateError without a specific error")
	}
	return fmt.Errorf("FSM ended in an unexpected state: %v", state)
}

// callLLM runs one streamed completion. Content deltas go to emit; tool call
// deltas are merged by index.
func (a *Agent) callLLM(ctx context.Context, messages []openai.ChatCompletionMessage, emit func(string) bool) (string, []openai.ToolCall, bool, error) {
	req := openai.ChatCompletionRequest{
		Model:     a.cfg.Model,
		Messages:  messages,
		Tools:     a.availableLLMTools,
		MaxTokens: a.cfg.MaxTokens,
		Stream:    true,
	}
	s, err := a.llmClient.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, false, err
	}
	defer s.Close()

	var content strings.Builder
	var calls []openai.ToolCall
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return content.String(), calls, false, nil
		}
		if err != nil {
			return "", nil, false, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if !emit(delta.Content) {
				return content.String(), nil, true, nil
			}
		}
		for _, tc := range delta.ToolCalls {
			calls = mergeToolCall(calls, tc)
		}
	}
}

func mergeToolCall(calls []openai.ToolCall, delta openai.ToolCall) []openai.ToolCall {
	idx := len(calls)
	if delta.Index != nil {
		idx = *delta.Index
	}
	if idx < 0 || idx >= maxToolCalls {
		logger.L.Warn("Ignoring tool call delta with out of range index", "index", idx, "id", delta.ID)
		return calls
	}
	for len(calls) <= idx {
		calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}
	c := &calls[idx]
	if delta.ID != "" {
		c.ID = delta.ID
	}
	if delta.Function.Name != "" {
		c.Function.Name = delta.Function.Name
	}
	c.Function.Arguments += delta.Function.Arguments
	return calls
}

// runTool calls the MCP tool requested by the LLM and returns its text output.
// Failures are reported to the LLM as tool output.
func (a *Agent) runTool(ctx context.Context, tc openai.ToolCall) string {
	var toolArgs map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
			logger.L.Error("Failed to unmarshal tool arguments", "function", tc.Function.Name, "error", err)
			return "Error: Could not parse arguments for tool " + tc.Function.Name
		}
	}

	c, ok := a.toolNameSet[tc.Function.Name]
	if !ok {
		return "Error: No MCP client available to execute tool " + tc.Function.Name
	}

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tc.Function.Name, Arguments: toolArgs},
	})
	if err != nil {
		logger.L.Warn("MCP CallTool failed", "tool", tc.Function.Name, "error", err)
		return "Error: tool call failed: " + err.Error()
	}
	for _, item := range res.Content {
		if text, ok := item.(mcp.TextContent); ok {
			return text.Text
		}
	}
	if res.IsError {
		return "Tool execution resulted in an error without specific text."
	}
	return "Tool executed successfully without output."
}
