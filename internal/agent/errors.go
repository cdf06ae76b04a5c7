package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the reasoning loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrTaskCancelled indicates the task was cancelled by the user
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// ToolErrorType categorizes tool failures so the model can decide between
// retrying, fixing arguments, or abandoning the approach.
type ToolErrorType string

const (
	// ToolErrorTransient covers network faults, refused connections, DNS.
	ToolErrorTransient ToolErrorType = "TRANSIENT"

	// ToolErrorPermanent covers logic errors that retrying cannot fix.
	ToolErrorPermanent ToolErrorType = "PERMANENT"

	// ToolErrorPermission covers ACL and permission denials.
	ToolErrorPermission ToolErrorType = "PERMISSION"

	// ToolErrorTimeout covers deadline expiry.
	ToolErrorTimeout ToolErrorType = "TIMEOUT"

	// ToolErrorValidation covers malformed or missing arguments.
	ToolErrorValidation ToolErrorType = "VALIDATION"

	// ToolErrorResourceNotFound covers missing files, URLs, and ids.
	ToolErrorResourceNotFound ToolErrorType = "RESOURCE_NOT_FOUND"

	// ToolErrorRateLimit covers 429-style throttling.
	ToolErrorRateLimit ToolErrorType = "RATE_LIMIT"

	// ToolErrorDependency covers missing external commands or packages.
	ToolErrorDependency ToolErrorType = "DEPENDENCY"
)

// IsRetryable reports whether the model may retry the same call as-is.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTransient, ToolErrorTimeout, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// Hint returns the model-facing guidance attached to serialized errors.
func (t ToolErrorType) Hint() string {
	switch t {
	case ToolErrorTransient:
		return "临时性故障，可以重试该操作"
	case ToolErrorPermission:
		return "权限不足，请报告该问题，不要重试同一路径"
	case ToolErrorTimeout:
		return "操作超时，可以增大超时时间后重试"
	case ToolErrorValidation:
		return "参数不合法，请修正参数后重试"
	case ToolErrorResourceNotFound:
		return "目标资源不存在，请确认路径后重试"
	case ToolErrorRateLimit:
		return "触发限流，请等待至少 5 秒后重试"
	case ToolErrorDependency:
		return "缺少依赖命令，请先安装所需依赖再重试"
	default:
		return "该错误不可通过重试解决，请改用其他工具或方案"
	}
}

// ToolError is the structured failure that crosses the LLM boundary. It is
// serialized into the tool_result content so the model sees the category
// hint alongside the message; raw exceptions never leak through.
type ToolError struct {
	// Type categorizes the error for retry logic
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// RetrySuggestion optionally tells the model how to retry
	RetrySuggestion string

	// AlternativeTools optionally lists tools that could replace this one
	AlternativeTools []string

	// Details carries tool-specific structured context
	Details map[string]any
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, classifying the cause by its message.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorPermanent,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Type = ClassifyError(cause)
	}

	return err
}

// WithType overrides the classified error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithRetrySuggestion attaches retry guidance for the model.
func (e *ToolError) WithRetrySuggestion(s string) *ToolError {
	e.RetrySuggestion = s
	return e
}

// WithAlternatives lists tools the model could use instead.
func (e *ToolError) WithAlternatives(tools ...string) *ToolError {
	e.AlternativeTools = tools
	return e
}

// WithDetails attaches structured context.
func (e *ToolError) WithDetails(details map[string]any) *ToolError {
	e.Details = details
	return e
}

// toolErrorWire is the JSON shape written into tool_result content.
type toolErrorWire struct {
	Error            bool           `json:"error"`
	ErrorType        ToolErrorType  `json:"error_type"`
	Message          string         `json:"message"`
	ToolName         string         `json:"tool_name"`
	Hint             string         `json:"hint"`
	RetrySuggestion  string         `json:"retry_suggestion,omitempty"`
	AlternativeTools []string       `json:"alternative_tools,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Serialize renders the error as the JSON the model receives.
func (e *ToolError) Serialize() string {
	wire := toolErrorWire{
		Error:            true,
		ErrorType:        e.Type,
		Message:          e.Message,
		ToolName:         e.ToolName,
		Hint:             e.Type.Hint(),
		RetrySuggestion:  e.RetrySuggestion,
		AlternativeTools: e.AlternativeTools,
		Details:          e.Details,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Sprintf(`{"error":true,"error_type":"PERMANENT","message":%q,"tool_name":%q}`,
			e.Message, e.ToolName)
	}
	return string(data)
}

// ClassifyError folds an arbitrary error into a ToolErrorType.
//
// Pattern order matters: "command not found" must classify as DEPENDENCY
// before the generic "not found" check fires, and timeouts win over
// connection wording like "connection timeout".
func ClassifyError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorPermanent
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Type
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorResourceNotFound
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ToolErrorTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ToolErrorRateLimit
	}

	if strings.Contains(errStr, "command not found") ||
		strings.Contains(errStr, "not recognized") ||
		strings.Contains(errStr, "executable file not found") {
		return ToolErrorDependency
	}

	if strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") {
		return ToolErrorResourceNotFound
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "access denied") {
		return ToolErrorPermission
	}

	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "required") ||
		strings.Contains(errStr, "missing") {
		return ToolErrorValidation
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") {
		return ToolErrorTransient
	}

	return ToolErrorPermanent
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}
