package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/praxisworks/praxis/pkg/models"
)

func TestEndpointRegistryResolveAndDefault(t *testing.T) {
	reg := NewEndpointRegistry()
	primary := newScriptedProvider("claude-sonnet-4-20250514")
	fallback := newScriptedProvider("gpt-4o")
	reg.Register(primary)
	reg.Register(fallback)

	if got := reg.DefaultModel(); got != "claude-sonnet-4-20250514" {
		t.Fatalf("DefaultModel() = %q, want the first registered model", got)
	}

	p, ok := reg.Resolve("gpt-4o")
	if !ok || p != LLMProvider(fallback) {
		t.Fatal("Resolve(gpt-4o) did not return its provider")
	}
	if _, ok := reg.Resolve("nonexistent"); ok {
		t.Fatal("Resolve accepted an unregistered model")
	}

	reg.SetDefault("gpt-4o")
	if got := reg.DefaultModel(); got != "gpt-4o" {
		t.Fatalf("DefaultModel() after SetDefault = %q", got)
	}

	if got := len(reg.Models()); got != 2 {
		t.Fatalf("Models() lists %d ids, want 2", got)
	}
}

func TestEndpointRegistryAlias(t *testing.T) {
	reg := NewEndpointRegistry()
	provider := newScriptedProvider("claude-sonnet-4-20250514")
	reg.Register(provider)
	reg.RegisterModel("main", provider)

	p, ok := reg.Resolve("main")
	if !ok || p != LLMProvider(provider) {
		t.Fatal("alias did not resolve to its provider")
	}

	// Aliases are not advertised by the provider, so no metadata exists.
	if _, ok := reg.ModelInfo("main"); ok {
		t.Fatal("ModelInfo returned metadata for an alias")
	}
	info, ok := reg.ModelInfo("claude-sonnet-4-20250514")
	if !ok || info.ContextSize != 200000 {
		t.Fatalf("ModelInfo = %+v, %v", info, ok)
	}
}

func TestThinkCollectsDecision(t *testing.T) {
	provider := newScriptedProvider("test-model", providerTurn{
		thinking: "先查一下文件",
		text:     "我来查看文件。",
		toolCalls: []models.ToolCall{
			toolCall("c1", "shell_exec", `{"command":"ls"}`),
			toolCall("c2", "http_fetch", `{"url":"https://example.com"}`),
		},
	})
	reg := NewEndpointRegistry()
	reg.Register(provider)
	brain := NewBrain(reg, WithBrainLogger(discardLogger()))

	decision, err := brain.Think(context.Background(), "test-model", "system", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Type != DecisionToolCalls {
		t.Fatalf("Type = %q", decision.Type)
	}
	if decision.Text != "我来查看文件。" || decision.Thinking != "先查一下文件" {
		t.Fatalf("decision = %+v", decision)
	}
	if len(decision.ToolCalls) != 2 || decision.ToolCalls[0].ID != "c1" || decision.ToolCalls[1].Name != "http_fetch" {
		t.Fatalf("tool calls = %+v", decision.ToolCalls)
	}
	if decision.StopReason != "tool_use" {
		t.Fatalf("StopReason = %q", decision.StopReason)
	}
	if decision.InputTokens != 20 || decision.OutputTokens != 10 {
		t.Fatalf("usage = %d/%d", decision.InputTokens, decision.OutputTokens)
	}
}

func TestThinkEmptyModelUsesDefault(t *testing.T) {
	provider := newScriptedProvider("test-model", providerTurn{text: "好的"})
	reg := NewEndpointRegistry()
	reg.Register(provider)
	brain := NewBrain(reg, WithBrainLogger(discardLogger()))

	decision, err := brain.Think(context.Background(), "", "", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Type != DecisionFinalAnswer || decision.Text != "好的" {
		t.Fatalf("decision = %+v", decision)
	}
	if provider.lastReq.Model != "test-model" {
		t.Fatalf("request model = %q, want registry default", provider.lastReq.Model)
	}
}

func TestThinkUnknownModel(t *testing.T) {
	brain := NewBrain(NewEndpointRegistry(), WithBrainLogger(discardLogger()))
	_, err := brain.Think(context.Background(), "ghost-model", "", nil, nil, nil)
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestThinkStreamErrorAborts(t *testing.T) {
	provider := newScriptedProvider("test-model", providerTurn{err: fmt.Errorf("connection reset")})
	reg := NewEndpointRegistry()
	reg.Register(provider)
	brain := NewBrain(reg, WithBrainLogger(discardLogger()))

	_, err := brain.Think(context.Background(), "test-model", "", nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "llm request") {
		t.Fatalf("err = %v, want wrapped request error", err)
	}
}

func TestThinkObserverSeesChunks(t *testing.T) {
	provider := newScriptedProvider("test-model", providerTurn{thinking: "想一想", text: "答案"})
	reg := NewEndpointRegistry()
	reg.Register(provider)
	brain := NewBrain(reg, WithBrainLogger(discardLogger()))

	var sawThinking, sawText, sawDone bool
	_, err := brain.Think(context.Background(), "test-model", "", nil, nil, func(c *CompletionChunk) {
		if c.Thinking != "" {
			sawThinking = true
		}
		if c.Text != "" {
			sawText = true
		}
		if c.Done {
			sawDone = true
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawThinking || !sawText || !sawDone {
		t.Fatalf("observer missed chunks: thinking=%v text=%v done=%v", sawThinking, sawText, sawDone)
	}
}

func TestCompleteText(t *testing.T) {
	provider := newScriptedProvider("test-model", providerTurn{text: "STATUS: COMPLETED"})
	reg := NewEndpointRegistry()
	reg.Register(provider)
	brain := NewBrain(reg, WithBrainLogger(discardLogger()))

	text, err := brain.CompleteText(context.Background(), "你是校验器", "检查任务")
	if err != nil {
		t.Fatal(err)
	}
	if text != "STATUS: COMPLETED" {
		t.Fatalf("text = %q", text)
	}
	if len(provider.lastMsgs) != 1 || provider.lastMsgs[0].Content != "检查任务" {
		t.Fatalf("prompt messages = %+v", provider.lastMsgs)
	}
	if provider.lastReq.System != "你是校验器" {
		t.Fatalf("system = %q", provider.lastReq.System)
	}
}

func TestAssistantMessageCopiesCalls(t *testing.T) {
	d := &Decision{
		Type:      DecisionToolCalls,
		Text:      "执行中",
		Thinking:  "推理",
		ToolCalls: []models.ToolCall{toolCall("c1", "echo", `{}`)},
	}
	msg := d.AssistantMessage()
	if msg.Role != models.RoleAssistant || msg.Content != "执行中" || msg.Thinking != "推理" {
		t.Fatalf("message = %+v", msg)
	}

	msg.ToolCalls[0].Name = "mutated"
	if d.ToolCalls[0].Name != "echo" {
		t.Fatal("AssistantMessage shares the decision's call slice")
	}
}

func TestIsLLMTimeout(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("llm request: %w", context.DeadlineExceeded), true},
		{errors.New("request timed out after 120s"), true},
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := IsLLMTimeout(c.err); got != c.want {
			t.Errorf("IsLLMTimeout(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
