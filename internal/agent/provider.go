package agent

import (
	"context"
	"encoding/json"

	"github.com/praxisworks/praxis/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs (Anthropic, OpenAI, Bedrock) while presenting a unified streaming
// interface to the reasoning engine.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:  "claude-sonnet-4-20250514",
//	    System: "You are a helpful assistant.",
//	    Messages: []*models.Message{
//	        {Role: models.RoleUser, Content: "一年有多少天？"},
//	    },
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in most
	// LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	// Tool-result envelopes (user role + ToolResults) map to the provider's
	// tool_result blocks.
	Messages []*models.Message `json:"messages"`

	// Tools defines available tools the LLM can request to execute.
	Tools []Tool `json:"-"`

	// MaxTokens limits the generated response length. If 0, the provider's
	// default is used (typically 4096).
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking enables extended thinking mode for supported models.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the token budget for extended thinking.
	// Only used when EnableThinking is true.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Chunks are delivered through channels as the LLM generates its response:
// partial text, thinking deltas, complete tool calls, and a final Done chunk
// carrying stop reason and token usage.
type CompletionChunk struct {
	// Text contains partial response text (streamed incrementally).
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// StopReason is the provider's stop reason, normalized to "end_turn",
	// "tool_use", "max_tokens" or "". Only populated when Done is true.
	StopReason string `json:"stop_reason,omitempty"`

	// Error contains any error that occurred (streaming is terminated).
	Error error `json:"-"`

	// Thinking contains reasoning text when extended thinking is enabled.
	Thinking string `json:"thinking,omitempty"`

	// ThinkingStart signals the beginning of a thinking block.
	ThinkingStart bool `json:"thinking_start,omitempty"`

	// ThinkingEnd signals the end of a thinking block.
	ThinkingEnd bool `json:"thinking_end,omitempty"`

	// InputTokens and OutputTokens carry usage, populated in the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	// ID is the API identifier (e.g. "claude-sonnet-4-20250514").
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size"`

	// MaxOutputTokens is the model's output ceiling; 0 means unknown.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// SupportsVision indicates whether the model can process images.
	SupportsVision bool `json:"supports_vision"`
}

// Tool defines the interface for executable agent tools.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (Clock) Name() string        { return "current_time" }
//	func (Clock) Description() string { return "Returns the current time" }
//	func (Clock) Handler() string     { return "" }
//	func (Clock) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{}}`)
//	}
//	func (Clock) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
//	    return &agent.ToolOutput{Content: time.Now().Format(time.RFC3339)}, nil
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling. Must be a valid
	// function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use it.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Handler names the serialization group this tool belongs to. Tools in
	// the same group never run concurrently (the executor holds a per-group
	// mutex). Empty means no serialization beyond max_parallel.
	Handler() string

	// Execute runs the tool. Errors are folded into ToolError results for
	// the LLM; they are never surfaced as exceptions.
	Execute(ctx context.Context, tc *ToolContext, params json.RawMessage) (*ToolOutput, error)
}

// ToolOutput contains the output from a tool execution.
type ToolOutput struct {
	// Content is the tool's output (text or JSON).
	Content string `json:"content"`

	// IsError indicates this result represents an error condition.
	IsError bool `json:"is_error,omitempty"`
}

// ToolContext carries per-call session information into tool handlers.
// Fields may be nil for tools executed outside a gateway session.
type ToolContext struct {
	// SessionKey is the composite channel:chat_id:user_id key.
	SessionKey string

	// Session is the live session, when the call originates from a gateway
	// conversation. Plan tools read and write session variables through it.
	Session *models.Session

	// Gateway reaches back into the message gateway for artifact delivery
	// and out-of-band notifications.
	Gateway GatewayHandle

	// Logs captures warnings and errors emitted during execution; the
	// executor appends the most recent entries to the tool result.
	Logs *LogBuffer

	// Emit publishes a streaming event (plan_created, artifact, ...) to the
	// caller's transport, when one is attached.
	Emit func(Event)
}

// EmitEvent publishes an event if a transport is attached.
func (tc *ToolContext) EmitEvent(ev Event) {
	if tc != nil && tc.Emit != nil {
		tc.Emit(ev)
	}
}

// GatewayHandle is the narrow gateway surface tools and the reasoning
// engine need mid-task. Implemented by the message gateway.
type GatewayHandle interface {
	// NotifyUser sends out-of-band text to the session's chat (ask_user
	// questions, reminders, progress reports).
	NotifyUser(ctx context.Context, sessionKey, text string) error

	// SendArtifacts delivers files to the session's channel and returns one
	// receipt per artifact.
	SendArtifacts(ctx context.Context, sessionKey string, artifacts []models.Artifact) ([]models.DeliveryReceipt, error)

	// PollInterrupt pops the oldest queued user message for the session, if
	// any arrived while the task was waiting.
	PollInterrupt(sessionKey string) (string, bool)
}

// Event is one streaming event emitted during a task, mirrored to SSE by
// the web channel.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Streaming event types.
const (
	EventThinkingStart   = "thinking_start"
	EventThinkingDelta   = "thinking_delta"
	EventThinkingEnd     = "thinking_end"
	EventTextDelta       = "text_delta"
	EventToolCallStart   = "tool_call_start"
	EventToolCallEnd     = "tool_call_end"
	EventPlanCreated     = "plan_created"
	EventPlanStepUpdated = "plan_step_updated"
	EventAskUser         = "ask_user"
	EventAgentSwitch     = "agent_switch"
	EventArtifact        = "artifact"
	EventError           = "error"
	EventDone            = "done"
)
