package observability

import "context"

// ContextKey is the type for correlation keys carried in contexts.
type ContextKey string

const (
	// SessionIDKey is the context key for session keys.
	SessionIDKey ContextKey = "session_id"

	// TaskIDKey is the context key for agent task IDs (one reasoning run).
	TaskIDKey ContextKey = "task_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// ChannelKey is the context key for the originating channel.
	ChannelKey ContextKey = "channel"
)

// AddSessionID adds a session key to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session key from the context.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// AddTaskID adds a task ID to the context.
func AddTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTaskID retrieves the task ID from the context.
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return id
	}
	return ""
}

// AddChannel adds the originating channel to the context.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// GetChannel retrieves the originating channel from the context.
func GetChannel(ctx context.Context) string {
	if ch, ok := ctx.Value(ChannelKey).(string); ok {
		return ch
	}
	return ""
}
