package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/scoreline/internal/config"
	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/llm"
	"github.com/comigor/scoreline/internal/stream"
)

// This mirrors MCPClientInterface in agent.go
type mockMCPClient struct {
	InitializeFunc func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListToolsFunc  func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallToolFunc   func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed         bool
}

func (m *mockMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &mcp.InitializeResult{}, nil
}

func (m *mockMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx, req)
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "mock default success for " + request.Params.Name}},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

// mockStream replays deltas, then io.EOF or err.
type mockStream struct {
	deltas []openai.ChatCompletionStreamChoiceDelta
	err    error
	closed bool
}

func (s *mockStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return openai.ChatCompletionStreamResponse{}, s.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{Delta: d}}}, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

type mockLLM struct {
	streams  []*mockStream
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletionStream(ctx context.Context, r openai.ChatCompletionRequest) (llm.Stream, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.streams) == 0 {
		panic("mockLLM: no more streams configured")
	}
	s := m.streams[0]
	m.streams = m.streams[1:]
	return s, nil
}

func text(parts ...string) *mockStream {
	s := &mockStream{}
	for _, p := range parts {
		s.deltas = append(s.deltas, openai.ChatCompletionStreamChoiceDelta{Content: p})
	}
	return s
}

func collect() (*strings.Builder, func(string) bool) {
	var b strings.Builder
	return &b, func(s string) bool {
		b.WriteString(s)
		return true
	}
}

var feb10 = func() time.Time { return time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC) }

func TestAgentStream_LLMRespondsDirectly(t *testing.T) {
	mockLLMClient := &mockLLM{streams: []*mockStream{text("Hello, ", "sports fan!")}}
	a := New(mockLLMClient, config.LLMConfig{Model: "gpt"}, WithClock(feb10))

	out, emit := collect()
	err := a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "hi"}}, emit)
	require.NoError(t, err)
	require.Equal(t, "Hello, sports fan!", out.String())

	req := mockLLMClient.requests[0]
	require.Equal(t, "gpt", req.Model)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "Today's date is February 10, 2025.")
	require.Contains(t, req.Messages[0].Content, "exclusively focused on sports")
	require.NotContains(t, req.Messages[0].Content, "LIVE SCORES DATA")
	require.Empty(t, req.Tools)
}

func TestAgentStream_SystemPromptFromConfig(t *testing.T) {
	mockLLMClient := &mockLLM{streams: []*mockStream{text("ok")}}
	a := New(mockLLMClient, config.LLMConfig{Model: "gpt", SystemPrompt: "Only talk about curling."})

	_, emit := collect()
	require.NoError(t, a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "hi"}}, emit))
	require.Contains(t, mockLLMClient.requests[0].Messages[0].Content, "Only talk about curling.")
}

type fakeSource struct {
	results []enrich.Result
}

func (f *fakeSource) DetectTopics(u string) []string { return enrich.DetectTopics(u) }

func (f *fakeSource) FetchAll(_ context.Context, topics []string) []enrich.Result {
	return f.results
}

func TestAgentStream_LiveScoresContext(t *testing.T) {
	src := &fakeSource{results: []enrich.Result{
		{Topic: enrich.TopicNFL, Items: []json.RawMessage{json.RawMessage(
			`{"name":"KC at PHI","status":"Final","home_team":"Philadelphia Eagles","home_score":"40","away_team":"Kansas City Chiefs","away_score":"22"}`)}},
		{Topic: enrich.TopicCricket, Items: []json.RawMessage{json.RawMessage(
			`{"status":"Stumps","home_team":"India","away_team":"Australia","is_cricket":true,"home_innings":["312","145/3"],"away_innings":["289"]}`)}},
		{Topic: enrich.TopicNews, Items: []json.RawMessage{json.RawMessage(`{"title":"Eagles celebrate","summary":"Parade on Friday."}`)}},
	}}
	mockLLMClient := &mockLLM{streams: []*mockStream{text("The Eagles won 40-22.")}}
	a := New(mockLLMClient, config.LLMConfig{Model: "gpt"}, WithContextSource(src))

	history := []stream.Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Hi!"},
		{Role: "user", Content: "Who won the Super Bowl?"},
	}
	out, emit := collect()
	require.NoError(t, a.Stream(context.Background(), history, emit))
	require.Equal(t, "The Eagles won 40-22.", out.String())

	msgs := mockLLMClient.requests[0].Messages
	require.Len(t, msgs, 4)
	system := msgs[0].Content
	require.Contains(t, system, "--- LIVE SCORES DATA ---")
	require.Contains(t, system, "NFL:\n- Kansas City Chiefs 22 @ Philadelphia Eagles 40 (Final)")
	require.Contains(t, system, "India 312 & 145/3 vs Australia 289 (Stumps)")
	require.Contains(t, system, "TRENDING NEWS:\n- Eagles celebrate: Parade on Friday.")
	require.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
}

func TestAgentStream_ToolCallRoundTrip(t *testing.T) {
	idx := 0
	toolStream := &mockStream{deltas: []openai.ChatCompletionStreamChoiceDelta{
		{ToolCalls: []openai.ToolCall{{Index: &idx, ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "live_scores", Arguments: `{"spo`}}}},
		{ToolCalls: []openai.ToolCall{{Index: &idx, Function: openai.FunctionCall{Arguments: `rt":"nba"}`}}}},
	}}
	mockLLMClient := &mockLLM{streams: []*mockStream{toolStream, text("Lakers lead 50-48.")}}

	mockClient := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{
				{Name: "live_scores", Description: "Scores", RawInputSchema: json.RawMessage(`{"type":"object","properties":{"sport":{"type":"string"}}}`)},
			}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			require.Equal(t, "live_scores", request.Params.Name)
			require.Equal(t, map[string]any{"sport": "nba"}, request.Params.Arguments)
			return mcp.NewToolResultText(`{"sport":"nba","games":[]}`), nil
		},
	}

	a := New(mockLLMClient, config.LLMConfig{Model: "gpt"})
	a.ConnectTools(context.Background(), mockClient)
	require.Len(t, a.availableLLMTools, 1)

	out, emit := collect()
	require.NoError(t, a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "how are the lakers doing"}}, emit))
	require.Equal(t, "Lakers lead 50-48.", out.String())

	require.Len(t, mockLLMClient.requests, 2)
	second := mockLLMClient.requests[1].Messages
	toolMsg := second[len(second)-1]
	require.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	require.Equal(t, "call_1", toolMsg.ToolCallID)
	require.Equal(t, `{"sport":"nba","games":[]}`, toolMsg.Content)
	require.Equal(t, `{"sport":"nba"}`, second[len(second)-2].ToolCalls[0].Function.Arguments)

	a.Close()
	require.True(t, mockClient.closed)
}

func TestMergeToolCall_OutOfRangeIndex(t *testing.T) {
	zero, negative, huge := 0, -1, 1<<30
	var calls []openai.ToolCall
	calls = mergeToolCall(calls, openai.ToolCall{Index: &zero, ID: "call_1", Function: openai.FunctionCall{Name: "live_scores", Arguments: `{"sport"`}})
	require.NotPanics(t, func() {
		calls = mergeToolCall(calls, openai.ToolCall{Index: &negative, ID: "bad", Function: openai.FunctionCall{Name: "x"}})
		calls = mergeToolCall(calls, openai.ToolCall{Index: &huge, ID: "worse", Function: openai.FunctionCall{Name: "y"}})
	})
	calls = mergeToolCall(calls, openai.ToolCall{Index: &zero, Function: openai.FunctionCall{Arguments: `:"nfl"}`}})

	require.Len(t, calls, 1)
	require.Equal(t, "call_1", calls[0].ID)
	require.Equal(t, "live_scores", calls[0].Function.Name)
	require.Equal(t, `{"sport":"nfl"}`, calls[0].Function.Arguments)
}

func TestAgentStream_MalformedToolCallIndexIsIgnored(t *testing.T) {
	negative := -3
	badStream := &mockStream{deltas: []openai.ChatCompletionStreamChoiceDelta{
		{Content: "Checking. "},
		{ToolCalls: []openai.ToolCall{{Index: &negative, ID: "call_x", Function: openai.FunctionCall{Name: "live_scores"}}}},
	}}
	mockLLMClient := &mockLLM{streams: []*mockStream{badStream}}
	a := New(mockLLMClient, config.LLMConfig{Model: "gpt"})

	out, emit := collect()
	require.NoError(t, a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "nfl scores"}}, emit))
	require.Equal(t, "Checking. ", out.String())
	require.Len(t, mockLLMClient.requests, 1)
}

func TestAgentStream_ToolFailureIsReportedToLLM(t *testing.T) {
	toolStream := &mockStream{deltas: []openai.ChatCompletionStreamChoiceDelta{
		{ToolCalls: []openai.ToolCall{{ID: "call_2", Function: openai.FunctionCall{Name: "broken_tool", Arguments: `{}`}}}},
	}}
	mockLLMClient := &mockLLM{streams: []*mockStream{toolStream, text("Sorry, the tool failed.")}}
	mockClient := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "broken_tool"}}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("MCP tool execution failed badly.")
		},
	}
	a := New(mockLLMClient, config.LLMConfig{Model: "gpt"})
	a.ConnectTools(context.Background(), mockClient)

	out, emit := collect()
	require.NoError(t, a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "use it"}}, emit))
	require.Equal(t, "Sorry, the tool failed.", out.String())
	msgs := mockLLMClient.requests[1].Messages
	require.Contains(t, msgs[len(msgs)-1].Content, "MCP tool execution failed badly.")
}

func TestAgentStream_MaxTurns(t *testing.T) {
	var streams []*mockStream
	for i := 0; i < maxTurns; i++ {
		streams = append(streams, &mockStream{deltas: []openai.ChatCompletionStreamChoiceDelta{
			{ToolCalls: []openai.ToolCall{{ID: "loop", Function: openai.FunctionCall{Name: "live_scores", Arguments: `{}`}}}},
		}})
	}
	a := New(&mockLLM{streams: streams}, config.LLMConfig{Model: "gpt"})
	a.ConnectTools(context.Background(), &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "live_scores"}}}, nil
		},
	})

	_, emit := collect()
	err := a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "loop"}}, emit)
	require.ErrorContains(t, err, "maximum interaction turns")
}

func TestAgentStream_LLMError(t *testing.T) {
	a := New(&mockLLM{err: context.DeadlineExceeded}, config.LLMConfig{Model: "gpt"})
	_, emit := collect()
	err := a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "hi"}}, emit)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAgentStream_MidStreamError(t *testing.T) {
	s := text("partial")
	s.err = errors.New("connection reset")
	a := New(&mockLLM{streams: []*mockStream{s}}, config.LLMConfig{Model: "gpt"})

	out, emit := collect()
	err := a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "hi"}}, emit)
	require.ErrorContains(t, err, "connection reset")
	require.Equal(t, "partial", out.String())
	require.True(t, s.closed)
}

func TestAgentStream_ConsumerGone(t *testing.T) {
	s := text("a", "b", "c")
	a := New(&mockLLM{streams: []*mockStream{s}}, config.LLMConfig{Model: "gpt"})

	var got []string
	err := a.Stream(context.Background(), []stream.Turn{{Role: "user", Content: "hi"}}, func(f string) bool {
		got = append(got, f)
		return len(got) < 2
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)
	require.True(t, s.closed)
}

func TestAgentStream_NoUserMessage(t *testing.T) {
	a := New(&mockLLM{}, config.LLMConfig{Model: "gpt"})
	_, emit := collect()
	require.Error(t, a.Stream(context.Background(), nil, emit))
}

func TestConnectTools_InitFailureSkipsClient(t *testing.T) {
	bad := &mockMCPClient{InitializeFunc: func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
		return nil, errors.New("refused")
	}}
	a := New(&mockLLM{}, config.LLMConfig{})
	a.ConnectTools(context.Background(), bad)
	require.True(t, bad.closed)
	require.Empty(t, a.mcpClients)
	require.Empty(t, a.availableLLMTools)
}
