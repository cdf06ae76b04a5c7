package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelFeishu   ChannelType = "feishu"
	ChannelWeCom    ChannelType = "wecom"
	ChannelDingTalk ChannelType = "dingtalk"
	ChannelQQ       ChannelType = "qq"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelCLI      ChannelType = "cli"
	ChannelWeb      ChannelType = "web"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockKind tags a ContentBlock variant.
type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockImage BlockKind = "image"
	BlockVoice BlockKind = "voice"
	BlockFile  BlockKind = "file"
)

// ContentBlock is one element of a structured inbound message. Text blocks
// carry Text; media blocks carry URL/Path and optional metadata.
type ContentBlock struct {
	Kind     BlockKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	URL      string    `json:"url,omitempty"`
	Path     string    `json:"path,omitempty"`
	Filename string    `json:"filename,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// UnifiedMessage is the immutable record every channel adapter produces for
// an inbound message. Channel is globally unique per adapter and
// (Channel, ChannelMessageID) is globally unique across the system.
type UnifiedMessage struct {
	ID               string         `json:"id"`
	Channel          ChannelType    `json:"channel"`
	ChannelMessageID string         `json:"channel_message_id"`
	ThreadID         string         `json:"thread_id,omitempty"`
	ChatID           string         `json:"chat_id"`
	UserID           string         `json:"user_id"`
	ChannelUserID    string         `json:"channel_user_id,omitempty"`
	PlainText        string         `json:"plain_text"`
	Content          []ContentBlock `json:"content,omitempty"`
	ArrivedAt        time.Time      `json:"arrived_at"`
}

// OutgoingMessage is the reply envelope handed back to an adapter.
type OutgoingMessage struct {
	ChatID    string     `json:"chat_id"`
	Text      string     `json:"text"`
	ReplyTo   string     `json:"reply_to,omitempty"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file/image/voice payload carried by deliver_artifacts.
type Artifact struct {
	Type    string `json:"type"` // file, image, voice
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Delivery receipt statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryReceipt records the outcome of one artifact delivery.
type DeliveryReceipt struct {
	Status  string `json:"status"` // delivered, failed
	Path    string `json:"path,omitempty"`
	FileURL string `json:"file_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool execution, paired to its call by
// ToolCallID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one turn in a session's conversation context. A user-role
// message whose ToolResults is non-empty is a tool-result envelope, not a
// human turn; an assistant message may carry ToolCalls and Thinking alongside
// its visible Content.
type Message struct {
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Thinking    string         `json:"thinking,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IsToolResultEnvelope reports whether the message is a tool-result envelope
// rather than a human turn.
func (m *Message) IsToolResultEnvelope() bool {
	return m.Role == RoleUser && len(m.ToolResults) > 0
}

// HasToolCalls reports whether the message carries tool-use blocks.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Input != nil {
				clone.ToolCalls[i].Input = append(json.RawMessage(nil), tc.Input...)
			}
		}
	}
	if m.ToolResults != nil {
		clone.ToolResults = make([]ToolResult, len(m.ToolResults))
		copy(clone.ToolResults, m.ToolResults)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// CloneMessages deep-copies a message slice.
func CloneMessages(messages []*Message) []*Message {
	if messages == nil {
		return nil
	}
	out := make([]*Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
