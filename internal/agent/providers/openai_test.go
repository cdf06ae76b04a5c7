package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

func newOpenAITestServer(t *testing.T, gotBody *openai.ChatCompletionRequest, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if gotBody != nil {
			if err := json.NewDecoder(r.Body).Decode(gotBody); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		writeSSE(t, w, lines...)
	}))
}

func TestOpenAIToolCallAccumulation(t *testing.T) {
	var gotBody openai.ChatCompletionRequest
	server := newOpenAITestServer(t, &gotBody,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"shell_exec","arguments":""}}]},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls -la\"}"}}]},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":42,"completion_tokens":11,"total_tokens":53}}`,
		``,
		`data: [DONE]`,
		``,
	)
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
	})

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:   "你是一个助手。",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "列出当前目录"}},
		Tools:    []agent.Tool{&sseTool{name: "shell_exec"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var toolCalls []*models.ToolCall
	var done *agent.CompletionChunk
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, chunk.ToolCall)
		}
		if chunk.Done {
			done = chunk
		}
	}

	if len(toolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(toolCalls))
	}
	tc := toolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "shell_exec" {
		t.Errorf("tool call = %+v", tc)
	}
	var input map[string]string
	if err := json.Unmarshal(tc.Input, &input); err != nil || input["command"] != "ls -la" {
		t.Errorf("tool input = %s (err %v)", tc.Input, err)
	}

	if done == nil {
		t.Fatal("missing Done chunk")
	}
	if done.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", done.StopReason)
	}
	if done.InputTokens != 42 || done.OutputTokens != 11 {
		t.Errorf("usage = %d/%d", done.InputTokens, done.OutputTokens)
	}

	// Request shape: system message leads, usage requested, tool attached,
	// default model applied.
	if gotBody.Model != "gpt-4o" {
		t.Errorf("request model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) == 0 || gotBody.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Error("system message must lead the array")
	}
	if gotBody.StreamOptions == nil || !gotBody.StreamOptions.IncludeUsage {
		t.Error("stream_options.include_usage not set")
	}
	if len(gotBody.Tools) != 1 || gotBody.Tools[0].Function.Name != "shell_exec" {
		t.Errorf("request tools = %+v", gotBody.Tools)
	}
}

func TestOpenAIReasoningStream(t *testing.T) {
	server := newOpenAITestServer(t, nil,
		`data: {"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"deepseek-r1","choices":[{"index":0,"delta":{"reasoning_content":"用户想知道时间"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"deepseek-r1","choices":[{"index":0,"delta":{"content":"现在是"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"deepseek-r1","choices":[{"index":0,"delta":{"content":"下午三点。"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"deepseek-r1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	)
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL + "/v1",
		Name:         "deepseek",
		DefaultModel: "deepseek-r1",
		Models: []agent.Model{
			{ID: "deepseek-r1", Name: "DeepSeek R1", ContextSize: 64000},
		},
	})

	if provider.Name() != "deepseek" {
		t.Errorf("Name() = %q", provider.Name())
	}
	if got := provider.Models(); len(got) != 1 || got[0].ID != "deepseek-r1" {
		t.Errorf("Models() = %+v", got)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "几点了"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var thinking, text strings.Builder
	sawThinkingStart, sawThinkingEnd := false, false
	var stopReason string
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		if chunk.ThinkingStart {
			sawThinkingStart = true
		}
		if chunk.ThinkingEnd {
			sawThinkingEnd = true
		}
		thinking.WriteString(chunk.Thinking)
		text.WriteString(chunk.Text)
		if chunk.Done {
			stopReason = chunk.StopReason
		}
	}

	if !sawThinkingStart || !sawThinkingEnd {
		t.Errorf("thinking markers = start %v end %v", sawThinkingStart, sawThinkingEnd)
	}
	if thinking.String() != "用户想知道时间" {
		t.Errorf("thinking = %q", thinking.String())
	}
	if text.String() != "现在是下午三点。" {
		t.Errorf("text = %q", text.String())
	}
	if stopReason != "end_turn" {
		t.Errorf("stop reason = %q", stopReason)
	}
}

func TestOpenAIMaxTokensStop(t *testing.T) {
	server := newOpenAITestServer(t, nil,
		`data: {"id":"chatcmpl-3","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"这段回复很长"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-3","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		``,
		`data: [DONE]`,
		``,
	)
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages:  []*models.Message{{Role: models.RoleUser, Content: "写一篇长文"}},
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var stopReason string
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		if chunk.Done {
			stopReason = chunk.StopReason
		}
	}
	if stopReason != "max_tokens" {
		t.Errorf("stop reason = %q, want max_tokens", stopReason)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleUser, Content: "部署一下服务"},
		{
			Role:    models.RoleAssistant,
			Content: "我先看看状态。",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "shell_exec", Input: json.RawMessage(`{"command":"kubectl get pods"}`)},
				{ID: "call_2", Name: "http_fetch", Input: nil},
			},
		},
		{
			Role: models.RoleUser,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "3 pods running"},
				{ToolCallID: "call_2", Content: "failed", IsError: true},
			},
		},
		{Role: models.RoleSystem, Content: "skipped"},
		nil,
	}

	result := convertOpenAIMessages(messages, "你是运维助手。")

	// system + user + assistant + two tool messages
	if len(result) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleSystem || result[0].Content != "你是运维助手。" {
		t.Errorf("system message = %+v", result[0])
	}

	assistant := result[2]
	if assistant.Role != openai.ChatMessageRoleAssistant || len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant message = %+v", assistant)
	}
	// Empty tool input must serialize as an empty JSON object.
	if assistant.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("empty input arguments = %q", assistant.ToolCalls[1].Function.Arguments)
	}

	if result[3].Role != openai.ChatMessageRoleTool || result[3].ToolCallID != "call_1" {
		t.Errorf("first tool message = %+v", result[3])
	}
	if result[4].Role != openai.ChatMessageRoleTool || result[4].ToolCallID != "call_2" {
		t.Errorf("second tool message = %+v", result[4])
	}
}

func TestNormalizeOpenAIFinishReason(t *testing.T) {
	cases := map[openai.FinishReason]string{
		openai.FinishReasonStop:          "end_turn",
		openai.FinishReasonToolCalls:     "tool_use",
		openai.FinishReasonFunctionCall:  "tool_use",
		openai.FinishReasonLength:        "max_tokens",
		openai.FinishReasonContentFilter: "",
		openai.FinishReasonNull:          "",
	}
	for in, want := range cases {
		if got := normalizeOpenAIFinishReason(in); got != want {
			t.Errorf("normalizeOpenAIFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
