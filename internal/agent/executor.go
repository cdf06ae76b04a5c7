package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/pkg/models"
)

// Stub written for calls skipped after a user cancel, and for calls whose
// context was cancelled mid-flight. Keeps the tool_use/tool_result pairing
// intact for the LLM.
const cancelledToolResult = "[任务已被用户停止]"

const planGateMessage = "当前会话要求先制定执行计划。请先调用 create_plan 工具创建计划，再执行其他操作。"

// ExecutorConfig configures tool execution behavior.
type ExecutorConfig struct {
	// MaxParallel bounds intra-batch concurrency. Default 1 (serial).
	MaxParallel int

	// PerToolTimeout is the timeout for individual tool executions.
	// Default 60 seconds.
	PerToolTimeout time.Duration

	// ParallelWithInterrupts permits parallel batches even when the caller
	// wants mid-batch cancellation checks. Parallel batches drain without
	// observing cancel, so this trades responsiveness for latency.
	ParallelWithInterrupts bool

	// SerialHandlers extends the handler groups that hold a mutex.
	// {browser, desktop, mcp} are always serialized.
	SerialHandlers []string
}

// DefaultExecutorConfig returns the serial single-flight defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:    1,
		PerToolTimeout: 60 * time.Second,
	}
}

// ToolExecutor dispatches tool calls from model decisions. Stateful handler
// groups are serialized process-wide: no two calls to the same handler run
// concurrently, even across sessions.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ExecutorConfig

	locksMu      sync.Mutex
	handlerLocks map[string]*sync.Mutex

	logger  *slog.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics
}

// ExecutorOption customizes a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *ToolExecutor) {
		if logger != nil {
			e.logger = logger.With("component", "tool_executor")
		}
	}
}

// WithExecutorTracer attaches the trace facade.
func WithExecutorTracer(tracer *observability.Tracer) ExecutorOption {
	return func(e *ToolExecutor) { e.tracer = tracer }
}

// WithExecutorMetrics attaches the metrics surface.
func WithExecutorMetrics(metrics *observability.Metrics) ExecutorOption {
	return func(e *ToolExecutor) { e.metrics = metrics }
}

// NewToolExecutor creates an executor over the registry. Zero config fields
// get defaults.
func NewToolExecutor(registry *ToolRegistry, config ExecutorConfig, opts ...ExecutorOption) *ToolExecutor {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 1
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 60 * time.Second
	}

	e := &ToolExecutor{
		registry:     registry,
		config:       config,
		handlerLocks: make(map[string]*sync.Mutex),
		logger:       slog.Default().With("component", "tool_executor"),
	}
	for _, h := range []string{"browser", "desktop", "mcp"} {
		e.handlerLocks[h] = &sync.Mutex{}
	}
	for _, h := range config.SerialHandlers {
		if h != "" {
			e.handlerLocks[h] = &sync.Mutex{}
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BatchOptions controls one ExecuteBatch run.
type BatchOptions struct {
	// AllowInterrupts makes the executor check for user cancellation between
	// serial executions.
	AllowInterrupts bool

	// CaptureReceipts parses deliver_artifacts results for delivery receipts.
	CaptureReceipts bool
}

// BatchResult carries the ordered results of one batch plus any delivery
// receipts captured along the way.
type BatchResult struct {
	// Results line up index-for-index with the input calls.
	Results []models.ToolResult

	// Receipts are parsed from successful deliver_artifacts results.
	Receipts []models.DeliveryReceipt
}

// Failed reports how many results are errors.
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if r.IsError {
			n++
		}
	}
	return n
}

// AllFailed reports whether every call in the batch errored.
func (b *BatchResult) AllFailed() bool {
	return len(b.Results) > 0 && b.Failed() == len(b.Results)
}

// ExecuteBatch runs the calls of one model decision. Result order matches
// call order. Serial batches observe state cancellation between calls; the
// remaining calls then get cancel stubs so every tool_use keeps its
// tool_result. Parallel batches drain without observing cancel.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, calls []models.ToolCall, state *TaskState, tc *ToolContext, opts BatchOptions) *BatchResult {
	batch := &BatchResult{Results: make([]models.ToolResult, len(calls))}
	if len(calls) == 0 {
		return batch
	}

	var span *observability.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Span(ctx, "tool_batch", observability.SpanToolBatch)
		span.SetAttribute("calls", len(calls))
		defer span.End()
	}

	parallel := e.config.MaxParallel > 1 && (!opts.AllowInterrupts || e.config.ParallelWithInterrupts)
	if parallel {
		e.executeParallel(ctx, calls, tc, batch)
	} else {
		e.executeSerial(ctx, calls, state, tc, batch)
	}

	if opts.CaptureReceipts {
		for i, call := range calls {
			if call.Name != "deliver_artifacts" || batch.Results[i].IsError {
				continue
			}
			batch.Receipts = append(batch.Receipts, parseReceipts(batch.Results[i].Content)...)
		}
	}
	if span != nil {
		span.SetAttribute("failed", batch.Failed())
		span.SetAttribute("receipts", len(batch.Receipts))
	}
	return batch
}

func (e *ToolExecutor) executeSerial(ctx context.Context, calls []models.ToolCall, state *TaskState, tc *ToolContext, batch *BatchResult) {
	cancelled := false
	for i, call := range calls {
		if !cancelled && state != nil && state.Cancelled() {
			cancelled = true
		}
		if cancelled {
			batch.Results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Content:    cancelledToolResult,
				IsError:    true,
			}
			continue
		}
		batch.Results[i] = e.ExecuteTool(ctx, call, tc)
	}
}

func (e *ToolExecutor) executeParallel(ctx context.Context, calls []models.ToolCall, tc *ToolContext, batch *BatchResult) {
	sem := make(chan struct{}, e.config.MaxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				batch.Results[idx] = models.ToolResult{
					ToolCallID: c.ID,
					Content:    cancelledToolResult,
					IsError:    true,
				}
				return
			}
			batch.Results[idx] = e.ExecuteTool(ctx, c, tc)
		}(i, call)
	}
	wg.Wait()
}

// ExecuteTool runs a single call: plan gate, schema validation, handler
// serialization, timeout, panic containment, error classification, and
// captured-log append. The returned result is always well-formed for the
// LLM; failures never escape as Go errors.
func (e *ToolExecutor) ExecuteTool(ctx context.Context, call models.ToolCall, tc *ToolContext) models.ToolResult {
	start := time.Now()
	ctx = observability.AddToolCallID(ctx, call.ID)

	var span *observability.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Span(ctx, "tool."+call.Name, observability.SpanTool)
		span.SetAttribute("tool_name", call.Name)
		defer span.End()
	}

	tc.EmitEvent(Event{Type: EventToolCallStart, Data: map[string]any{
		"id":   call.ID,
		"name": call.Name,
	}})

	result := e.executeChecked(ctx, call, tc)

	tc.EmitEvent(Event{Type: EventToolCallEnd, Data: map[string]any{
		"id":       call.ID,
		"name":     call.Name,
		"is_error": result.IsError,
	}})

	if e.metrics != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		e.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	if span != nil && result.IsError {
		span.SetAttribute("is_error", true)
	}
	return result
}

func (e *ToolExecutor) executeChecked(ctx context.Context, call models.ToolCall, tc *ToolContext) models.ToolResult {
	if msg, gated := e.planGate(call, tc); gated {
		return models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		names := strings.Join(e.registry.Names(), ", ")
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("未知工具: %s。可用工具: %s", call.Name, names),
			IsError:    true,
		}
	}

	if err := e.registry.ValidateInput(call.Name, call.Input); err != nil {
		return e.errorResult(call, err)
	}

	if handler := tool.Handler(); handler != "" {
		if lock := e.handlerLock(handler); lock != nil {
			lock.Lock()
			defer lock.Unlock()
		}
	}

	logMark := 0
	if tc != nil && tc.Logs != nil {
		logMark = tc.Logs.Len()
	}

	output, err := e.executeWithTimeout(ctx, tool, call, tc)

	var result models.ToolResult
	switch {
	case err != nil:
		result = e.errorResult(call, err)
	case output == nil:
		result = models.ToolResult{ToolCallID: call.ID, Content: ""}
	default:
		result = models.ToolResult{ToolCallID: call.ID, Content: output.Content, IsError: output.IsError}
	}

	if tc != nil && tc.Logs != nil {
		if lines := tc.Logs.Since(logMark); len(lines) > 0 {
			result.Content = result.Content + "\n\n[执行日志]\n" + strings.Join(lines, "\n")
		}
	}
	return result
}

// executeWithTimeout runs the tool on a goroutine so a hung handler cannot
// wedge the batch. Panics are contained and folded into ToolErrors.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, tc *ToolContext) (*ToolOutput, error) {
	type execResult struct {
		output *ToolOutput
		err    error
	}
	resultChan := make(chan execResult, 1)

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
				resultChan <- execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		output, err := tool.Execute(toolCtx, tc, call.Input)
		select {
		case resultChan <- execResult{output: output, err: err}:
		default:
			e.logger.Warn("tool finished after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"session_id", observability.GetSessionID(ctx),
			)
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrToolTimeout, e.config.PerToolTimeout)
		}
		return nil, context.Canceled
	case res := <-resultChan:
		return res.output, res.err
	}
}

// planGate blocks all tools except create_plan while the session demands a
// plan that does not exist yet.
func (e *ToolExecutor) planGate(call models.ToolCall, tc *ToolContext) (string, bool) {
	if tc == nil || tc.Session == nil || call.Name == "create_plan" {
		return "", false
	}
	required, _ := tc.Session.Metadata["plan_required"].(bool)
	if !required {
		return "", false
	}
	if plan := models.PlanFromVariable(tc.Session.Variable(models.PlanVariableKey)); plan != nil && plan.Active {
		return "", false
	}
	return planGateMessage, true
}

func (e *ToolExecutor) handlerLock(handler string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return e.handlerLocks[handler]
}

// errorResult folds any error into the serialized ToolError wire format.
// A mid-flight user cancel keeps the plain stub text instead.
func (e *ToolExecutor) errorResult(call models.ToolCall, err error) models.ToolResult {
	if errors.Is(err, context.Canceled) {
		return models.ToolResult{ToolCallID: call.ID, Content: cancelledToolResult, IsError: true}
	}
	toolErr, ok := GetToolError(err)
	if !ok {
		toolErr = NewToolError(call.Name, err)
	}
	if toolErr.ToolName == "" {
		toolErr.ToolName = call.Name
	}
	toolErr.WithToolCallID(call.ID)

	e.logger.Warn("tool execution failed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"error_type", string(toolErr.Type),
		"error", toolErr.Message,
	)
	return models.ToolResult{ToolCallID: call.ID, Content: toolErr.Serialize(), IsError: true}
}

// parseReceipts pulls delivery receipts out of a deliver_artifacts result.
func parseReceipts(content string) []models.DeliveryReceipt {
	var payload struct {
		Receipts []models.DeliveryReceipt `json:"receipts"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil
	}
	return payload.Receipts
}
