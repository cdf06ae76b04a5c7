package models

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionIdle    SessionState = "idle"
	SessionExpired SessionState = "expired"
	SessionClosed  SessionState = "closed"
)

// SessionKey builds the composite primary key for a conversation.
func SessionKey(channel ChannelType, chatID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, chatID, userID)
}

// SessionConfig holds per-session tunables. Zero values mean "inherit the
// manager default"; the session manager merges field-by-field.
type SessionConfig struct {
	MaxHistory     int    `json:"max_history,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
	Language       string `json:"language,omitempty"`
	ModelOverride  string `json:"model_override,omitempty"`
	CustomPrompt   string `json:"custom_prompt,omitempty"`
	AutoSummarize  bool   `json:"auto_summarize,omitempty"`
}

// SessionContext is the conversational state of a session: the bounded
// message window, free-form per-session variables (current task id, plan
// state, ...), and the summary standing in for dropped early history.
type SessionContext struct {
	Messages  []*Message     `json:"messages"`
	Variables map[string]any `json:"variables,omitempty"`
	Summary   string         `json:"summary,omitempty"`
}

// Session is a conversation identified by (channel, chat_id, user_id).
// Metadata keys beginning with "_" are transient runtime attachments (the
// gateway back-reference, the session key) and are never persisted.
type Session struct {
	ID         string         `json:"id"`
	Channel    ChannelType    `json:"channel"`
	ChatID     string         `json:"chat_id"`
	UserID     string         `json:"user_id"`
	Key        string         `json:"key"`
	State      SessionState   `json:"state"`
	Context    SessionContext `json:"context"`
	Config     SessionConfig  `json:"config"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastActive time.Time      `json:"last_active"`
}

// Expired reports whether the session has passed its idle timeout.
func (s *Session) Expired(now time.Time, defaultTimeout time.Duration) bool {
	timeout := defaultTimeout
	if s.Config.TimeoutMinutes > 0 {
		timeout = time.Duration(s.Config.TimeoutMinutes) * time.Minute
	}
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActive) > timeout
}

// Touch updates the activity stamp and revives an idle session.
func (s *Session) Touch(now time.Time) {
	s.LastActive = now
	if s.State == SessionIdle {
		s.State = SessionActive
	}
}

// Variable reads a context variable, nil when absent.
func (s *Session) Variable(key string) any {
	if s.Context.Variables == nil {
		return nil
	}
	return s.Context.Variables[key]
}

// SetVariable writes a context variable.
func (s *Session) SetVariable(key string, value any) {
	if s.Context.Variables == nil {
		s.Context.Variables = make(map[string]any)
	}
	s.Context.Variables[key] = value
}

// Clone returns a deep copy of the session. Metadata values are copied
// shallowly; callers must not mutate nested metadata structures.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Context.Messages = CloneMessages(s.Context.Messages)
	if s.Context.Variables != nil {
		clone.Context.Variables = make(map[string]any, len(s.Context.Variables))
		for k, v := range s.Context.Variables {
			clone.Context.Variables[k] = v
		}
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
