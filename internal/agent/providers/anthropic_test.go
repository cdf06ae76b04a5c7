package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

// sseTool implements agent.Tool for request-shape assertions.
type sseTool struct {
	name string
}

func (s *sseTool) Name() string        { return s.name }
func (s *sseTool) Description() string { return "test tool" }
func (s *sseTool) Handler() string     { return "" }
func (s *sseTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)
}
func (s *sseTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	return &agent.ToolOutput{Content: "ok"}, nil
}

func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected http.Flusher")
	}
	for _, event := range events {
		fmt.Fprintln(w, event)
		flusher.Flush()
	}
}

func collectChunks(t *testing.T, chunks <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("timed out waiting for stream to finish")
		}
	}
}

func TestNewAnthropicProviderValidation(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.maxRetries != 3 || p.retryDelay != time.Second {
		t.Errorf("defaults not applied: maxRetries=%d retryDelay=%v", p.maxRetries, p.retryDelay)
	}
	if p.defaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("default model = %q", p.defaultModel)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false")
	}
}

func TestAnthropicStreamRoundTrip(t *testing.T) {
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if !strings.Contains(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		writeSSE(t, w,
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":25,"output_tokens":1}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"先查一下再回答"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"我来"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"查询。"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":1}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_01","name":"http_fetch","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"url\":"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"https://example.com\"}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":2}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":17}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:         "你是一个助手。",
		Messages:       []*models.Message{{Role: models.RoleUser, Content: "查一下 example.com"}},
		Tools:          []agent.Tool{&sseTool{name: "http_fetch"}},
		EnableThinking: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var thinking, text strings.Builder
	var toolCalls []*models.ToolCall
	var done *agent.CompletionChunk
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		thinking.WriteString(chunk.Thinking)
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, chunk.ToolCall)
		}
		if chunk.Done {
			done = chunk
		}
	}

	if thinking.String() != "先查一下再回答" {
		t.Errorf("thinking = %q", thinking.String())
	}
	if text.String() != "我来查询。" {
		t.Errorf("text = %q", text.String())
	}
	if len(toolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(toolCalls))
	}
	tc := toolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "http_fetch" {
		t.Errorf("tool call = %+v", tc)
	}
	var input map[string]string
	if err := json.Unmarshal(tc.Input, &input); err != nil || input["url"] != "https://example.com" {
		t.Errorf("tool input = %s (err %v)", tc.Input, err)
	}

	if done == nil {
		t.Fatal("missing Done chunk")
	}
	if done.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", done.StopReason)
	}
	if done.InputTokens != 25 || done.OutputTokens != 17 {
		t.Errorf("usage = %d/%d", done.InputTokens, done.OutputTokens)
	}

	// Request shape: default model, streaming, system block, thinking
	// enabled with the floor budget, one tool.
	if gotBody["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["stream"] != true {
		t.Error("request did not set stream")
	}
	if tools, ok := gotBody["tools"].([]any); !ok || len(tools) != 1 {
		t.Errorf("request tools = %v", gotBody["tools"])
	}
	if thinkingCfg, ok := gotBody["thinking"].(map[string]any); !ok || thinkingCfg["budget_tokens"] != float64(10000) {
		t.Errorf("request thinking = %v", gotBody["thinking"])
	}
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(529)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		writeSSE(t, w,
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_02","type":"message","role":"assistant","content":[],"usage":{"input_tokens":4,"output_tokens":1}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"好的"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "在吗"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text strings.Builder
	sawDone := false
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("stream error after retry: %v", chunk.Error)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			sawDone = true
			if chunk.StopReason != "end_turn" {
				t.Errorf("stop reason = %q", chunk.StopReason)
			}
		}
	}

	if !sawDone {
		t.Fatal("missing Done chunk")
	}
	if text.String() != "好的" {
		t.Errorf("text = %q", text.String())
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected 2 requests (1 failure + 1 retry), got %d", got)
	}
}

func TestAnthropicAuthErrorNotRetried(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("request-id", "req_maint_123")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"},"request_id":"req_maint_123"}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "bad-key",
		BaseURL:    server.URL,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var streamErr error
	for _, chunk := range collectChunks(t, chunks) {
		if chunk.Error != nil {
			streamErr = chunk.Error
		}
	}
	if streamErr == nil {
		t.Fatal("expected stream error")
	}

	providerErr, ok := GetProviderError(streamErr)
	if !ok {
		t.Fatalf("expected ProviderError, got %T: %v", streamErr, streamErr)
	}
	if providerErr.Reason != FailoverAuth {
		t.Errorf("reason = %s, want auth", providerErr.Reason)
	}
	if providerErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", providerErr.Status)
	}
	if providerErr.Message != "invalid x-api-key" {
		t.Errorf("message = %q", providerErr.Message)
	}
	if providerErr.RequestID != "req_maint_123" {
		t.Errorf("request id = %q", providerErr.RequestID)
	}
	if !ShouldFailover(streamErr) {
		t.Error("auth error should trigger failover")
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("auth failure must not be retried, got %d requests", got)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleSystem, Content: "skipped"},
		{Role: models.RoleUser, Content: "查一下天气"},
		{
			Role:    models.RoleAssistant,
			Content: "我来查。",
			ToolCalls: []models.ToolCall{
				{ID: "toolu_01", Name: "http_fetch", Input: json.RawMessage(`{"url":"https://example.com"}`)},
			},
		},
		{
			Role:    models.RoleUser,
			Content: "继续",
			ToolResults: []models.ToolResult{
				{ToolCallID: "toolu_01", Content: "晴，25 度", IsError: false},
			},
		},
		nil,
		{Role: models.RoleUser},
	}

	result, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}

	// System, nil and empty messages drop out.
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	// The tool-result envelope must lead with its tool_result block.
	raw, err := json.Marshal(result[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var envelope struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Role != "user" {
		t.Errorf("envelope role = %q", envelope.Role)
	}
	if len(envelope.Content) != 2 || envelope.Content[0].Type != "tool_result" || envelope.Content[1].Type != "text" {
		t.Errorf("envelope content order = %+v", envelope.Content)
	}

	// Broken tool input propagates an error.
	_, err = convertAnthropicMessages([]*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "x", Name: "bad", Input: json.RawMessage(`not json`)}}},
	})
	if err == nil {
		t.Fatal("expected error for invalid tool input")
	}
}

func TestNormalizeAnthropicStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "end_turn",
		"stop_sequence": "end_turn",
		"tool_use":      "tool_use",
		"max_tokens":    "max_tokens",
		"pause_turn":    "",
		"":              "",
	}
	for in, want := range cases {
		if got := normalizeAnthropicStopReason(in); got != want {
			t.Errorf("normalizeAnthropicStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
