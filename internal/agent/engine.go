package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/compaction"
	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/internal/response"
	"github.com/praxisworks/praxis/pkg/models"
)

// EngineConfig tunes the reasoning loop.
type EngineConfig struct {
	// MaxIterations is the hard budget of think rounds per task.
	MaxIterations int

	// VerifyCapNoPlan and VerifyCapPlan bound how many times verification
	// may reject an answer before it is released anyway.
	VerifyCapNoPlan int
	VerifyCapPlan   int

	// WindDownRound is the consecutive tool round after which exploration
	// is cut off and no-tool retries stop.
	WindDownRound int

	// ask_user wait behavior: poll every WaitUserTick, remind after
	// WaitUserReminderAfter of silence, and after another
	// WaitUserDecideAfter let the model decide on its own.
	WaitUserTick          time.Duration
	WaitUserReminderAfter time.Duration
	WaitUserDecideAfter   time.Duration

	// LLMRetrySleep is the pause before retrying a failed LLM call.
	LLMRetrySleep time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations:         100,
		VerifyCapNoPlan:       3,
		VerifyCapPlan:         6,
		WindDownRound:         50,
		WaitUserTick:          2 * time.Second,
		WaitUserReminderAfter: 60 * time.Second,
		WaitUserDecideAfter:   60 * time.Second,
		LLMRetrySleep:         2 * time.Second,
	}
}

// MessageSink receives every message the engine appends to its working
// transcript, so the session stays in step with the task. Rewind undoes
// appends back to a watermark after a checkpoint rollback.
type MessageSink interface {
	Append(msg *models.Message)
	Rewind(keep int)
}

// Request describes one task for the engine.
type Request struct {
	SessionKey  string
	SessionType models.ChannelType

	// Messages is the conversation context including the triggering user
	// message. The engine works on a private copy.
	Messages []*models.Message

	SystemPrompt string

	// Model overrides the default model when non-empty.
	Model string

	// Tools available to this task.
	Tools []Tool

	// Session carries variables (active plan) and per-session config. May
	// be nil for detached runs.
	Session *models.Session

	// State, when non-nil, is the task's state machine. The gateway creates
	// it up front and keeps the handle so /stop can cancel mid-run. A fresh
	// one is created when nil.
	State *TaskState

	// Gateway, when non-nil, enables mid-task user interaction: ask_user
	// waits, reminders, artifact delivery.
	Gateway GatewayHandle

	// Monitor watches LLM health for this task. A fresh one is created
	// when nil.
	Monitor *TaskMonitor

	// Sink mirrors engine-appended messages into the session.
	Sink MessageSink

	// OnEvent streams thinking/text deltas and lifecycle events.
	OnEvent func(Event)
}

// Result is the engine's terminal (or waiting) outcome.
type Result struct {
	// Text is the user-facing answer or abort message. For WAITING_USER
	// outcomes it is the pending question.
	Text string

	Status        TaskStatus
	State         *TaskState
	ModelSwitched bool
}

// Engine runs the reason-act-observe loop over a Brain and a ToolExecutor.
type Engine struct {
	brain     *Brain
	executor  *ToolExecutor
	compactor *compaction.Compactor
	verifier  *response.Verifier
	retro     *response.Retrospector
	config    EngineConfig
	logger    *slog.Logger
	tracer    *observability.Tracer
	metrics   *observability.Metrics
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineConfig replaces the default loop configuration.
func WithEngineConfig(config EngineConfig) EngineOption {
	return func(e *Engine) { e.config = config }
}

// WithCompactor enables context compression before each think round.
func WithCompactor(c *compaction.Compactor) EngineOption {
	return func(e *Engine) { e.compactor = c }
}

// WithVerifier enables completion verification of final answers.
func WithVerifier(v *response.Verifier) EngineOption {
	return func(e *Engine) { e.verifier = v }
}

// WithRetrospector enables overrun retrospection.
func WithRetrospector(r *response.Retrospector) EngineOption {
	return func(e *Engine) { e.retro = r }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "engine")
		}
	}
}

// WithEngineTracer attaches the trace facade.
func WithEngineTracer(tracer *observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithEngineMetrics attaches the metrics surface.
func WithEngineMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// NewEngine creates an engine.
func NewEngine(brain *Brain, executor *ToolExecutor, opts ...EngineOption) *Engine {
	e := &Engine{
		brain:    brain,
		executor: executor,
		config:   DefaultEngineConfig(),
		logger:   slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the mutable state of one task execution.
type run struct {
	req     *Request
	state   *TaskState
	monitor *TaskMonitor

	messages    []*models.Message
	checkpoints *checkpointRing

	// failCounts tracks consecutive failures per tool, reset on success
	// and on rollback.
	failCounts map[string]int

	// sinkCount is how many messages this task appended to the sink.
	sinkCount int

	// windDown is set at the wind-down round; it zeroes the no-tool retry
	// budget so the next text answer is accepted.
	windDown bool

	// lastFinalText is the most recent verification-rejected answer, kept
	// so exhaustion can release it with a trailer.
	lastFinalText string

	toolsJSON string
	logBuf    *LogBuffer
	tc        *ToolContext
	steps     []response.TraceStep
}

// Run executes one task to a terminal status (or WAITING_USER for
// non-gateway sessions). The returned error is reserved for internal
// failures; user-visible aborts come back as a Result.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("engine: empty request")
	}

	model := req.Model
	if model == "" {
		model = e.brain.DefaultModel()
	}

	state := req.State
	if state == nil {
		state = NewTaskState(req.SessionKey)
	}
	state.CurrentModel = model
	for _, m := range req.Messages {
		if m.Role == models.RoleUser && !m.IsToolResultEnvelope() {
			state.OriginalUserMessages = append(state.OriginalUserMessages, m.Clone())
		}
	}

	monitor := req.Monitor
	if monitor == nil {
		monitor = NewTaskMonitor("", 1)
	}

	ctx = observability.AddSessionID(ctx, req.SessionKey)
	ctx = observability.AddTaskID(ctx, state.TaskID)

	var trace *observability.Trace
	if e.tracer != nil {
		ctx, trace = e.tracer.BeginTrace(ctx, req.SessionKey, map[string]any{
			"model":   model,
			"channel": string(req.SessionType),
		})
	}

	logBuf := NewLogBuffer()
	r := &run{
		req:         req,
		state:       state,
		monitor:     monitor,
		messages:    models.CloneMessages(req.Messages),
		checkpoints: newCheckpointRing(),
		failCounts:  make(map[string]int),
		toolsJSON:   renderToolsJSON(req.Tools),
		logBuf:      logBuf,
	}
	r.tc = &ToolContext{
		SessionKey: req.SessionKey,
		Session:    req.Session,
		Gateway:    req.Gateway,
		Logs:       logBuf,
		Emit:       req.OnEvent,
	}

	result, err := e.loop(ctx, r)

	status := state.Status()
	if trace != nil {
		e.tracer.EndTrace(trace, map[string]any{
			"status":         string(status),
			"iterations":     state.Iteration,
			"model_switched": monitor.Switched(),
		})
	}
	if e.metrics != nil && status.Terminal() {
		e.metrics.RecordTaskOutcome(strings.ToLower(string(status)))
	}
	return result, err
}

func (e *Engine) loop(ctx context.Context, r *run) (*Result, error) {
	state := r.state

	for state.Iteration < e.config.MaxIterations {
		state.Iteration++

		if err := e.ensureReasoning(state); err != nil {
			return nil, err
		}

		if state.Cancelled() {
			if err := state.Transition(StatusCancelled); err != nil {
				return nil, err
			}
			return e.finish(r, MsgTaskCancelled), nil
		}

		if r.monitor.ShouldSwitchModel() {
			if err := e.switchModel(r); err != nil {
				e.logger.Warn("model switch failed", "error", err)
			}
		}

		if e.compactor != nil && len(r.messages) > 1 {
			r.messages = e.compactor.CompressIfNeeded(ctx, r.messages, e.systemPrompt(r), r.toolsJSON, e.contextBudget(state.CurrentModel))
		}

		decision, err := e.think(ctx, r)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordError("engine", "llm_failure")
			}
			if terr := state.Transition(StatusFailed); terr != nil {
				return nil, terr
			}
			return nil, err
		}

		var (
			res  *Result
			done bool
		)
		if decision.Type == DecisionFinalAnswer {
			res, done, err = e.handleFinalAnswer(ctx, r, decision)
		} else {
			res, done, err = e.handleToolCalls(ctx, r, decision)
		}
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
	}

	return e.exhaust(ctx, r)
}

// ensureReasoning moves the state machine back to REASONING at the top of
// each round, from whichever state the previous round left it in.
func (e *Engine) ensureReasoning(state *TaskState) error {
	if state.Status() == StatusReasoning {
		return nil
	}
	return state.Transition(StatusReasoning)
}

// think runs one model turn, consuming the retry budget on failure and
// falling back to a model switch once the budget is spent. Only when the
// switch also fails does the error propagate.
func (e *Engine) think(ctx context.Context, r *run) (*Decision, error) {
	for {
		decision, err := e.brain.Think(ctx, r.state.CurrentModel, e.systemPrompt(r), r.messages, r.req.Tools, e.chunkObserver(r))
		if err == nil {
			return decision, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		if IsLLMTimeout(err) {
			r.monitor.RecordLLMTimeout()
		}
		e.logger.Warn("llm call failed",
			"model", r.state.CurrentModel,
			"iteration", r.state.Iteration,
			"error", err)

		if r.monitor.GrantRetry() {
			select {
			case <-time.After(e.config.LLMRetrySleep):
			case <-ctx.Done():
				return nil, err
			}
			continue
		}

		if swErr := e.switchModel(r); swErr != nil {
			e.logger.Error("llm retries exhausted and model switch unavailable", "error", swErr)
			return nil, err
		}
	}
}

// switchModel swaps the task to the monitor's fallback model: the
// conversation resets to the original user messages plus a notice, and
// every per-model counter is cleared. At most one switch per task.
func (e *Engine) switchModel(r *run) error {
	if r.monitor.Switched() {
		return errors.New("model already switched once")
	}
	fallback := r.monitor.FallbackModel()
	if fallback == "" {
		return errors.New("no fallback model configured")
	}
	if _, ok := e.brain.endpoints.Resolve(fallback); !ok {
		return fmt.Errorf("no endpoint serves fallback model %q", fallback)
	}

	if err := r.state.Transition(StatusModelSwitching); err != nil {
		return err
	}

	e.logger.Info("switching model",
		"from", r.state.CurrentModel,
		"to", fallback,
		"iteration", r.state.Iteration)

	r.state.ResetForModelSwitch(fallback)
	r.messages = models.CloneMessages(r.state.OriginalUserMessages)
	if r.req.Sink != nil {
		r.req.Sink.Rewind(0)
	}
	r.sinkCount = 0
	e.append(r, userMessage(modelSwitchNotice))
	r.checkpoints = newCheckpointRing()
	r.failCounts = make(map[string]int)

	r.monitor.MarkSwitched()
	e.emit(r, Event{Type: EventAgentSwitch, Data: map[string]any{"model": fallback}})

	return r.state.Transition(StatusReasoning)
}

// handleFinalAnswer processes a no-tool-calls decision: verification when
// tools ran, force-tool nudging when the task demands tools, or a plain
// answer.
func (e *Engine) handleFinalAnswer(ctx context.Context, r *run, decision *Decision) (*Result, bool, error) {
	state := r.state
	state.ConsecutiveToolRounds = 0
	text := response.Sanitize(decision.Text)

	if state.ToolsExecutedInTask {
		if text == "" {
			state.NoConfirmationTextCount++
			if state.NoConfirmationTextCount > 1 {
				if e.metrics != nil {
					e.metrics.RecordError("engine", "no_confirmation_text")
				}
				if err := state.Transition(StatusFailed); err != nil {
					return nil, false, err
				}
				return e.finish(r, MsgNoConfirmation), true, nil
			}
			e.append(r, decision.AssistantMessage())
			e.append(r, userMessage(noConfirmationNudge))
			return nil, false, nil
		}

		if err := state.Transition(StatusVerifying); err != nil {
			return nil, false, err
		}
		verdict := e.verify(ctx, r, text)
		if verdict.Completed {
			if err := state.Transition(StatusCompleted); err != nil {
				return nil, false, err
			}
			return e.finish(r, text), true, nil
		}

		state.VerifyIncompleteCount++
		r.lastFinalText = text
		capRounds := e.config.VerifyCapNoPlan
		plan := e.activePlan(r)
		if plan.HasPending() {
			capRounds = e.config.VerifyCapPlan
		}
		if state.VerifyIncompleteCount >= capRounds {
			if err := state.Transition(StatusCompleted); err != nil {
				return nil, false, err
			}
			return e.finish(r, text+verifyGiveUpTrailer), true, nil
		}

		e.logger.Info("verification rejected answer",
			"reason", verdict.Reason,
			"count", state.VerifyIncompleteCount)
		nudge := fmt.Sprintf(verifyNudge, verdict.Reason)
		if plan.HasPending() {
			nudge = fmt.Sprintf(verifyNudgePlan, verdict.Reason)
		}
		e.append(r, decision.AssistantMessage())
		e.append(r, userMessage(nudge))
		return nil, false, nil
	}

	// No tools have run in this task.
	state.NoToolCallCount++
	if state.NoToolCallCount <= e.forceToolCap(r) {
		e.append(r, decision.AssistantMessage())
		e.append(r, userMessage(forceToolNudge))
		return nil, false, nil
	}

	if text == "" {
		if err := state.Transition(StatusFailed); err != nil {
			return nil, false, err
		}
		return e.finish(r, MsgEmptyReply), true, nil
	}
	if err := state.Transition(StatusCompleted); err != nil {
		return nil, false, err
	}
	return e.finish(r, text), true, nil
}

// forceToolCap is the number of force-tool nudges granted before a
// text-only answer is accepted.
func (e *Engine) forceToolCap(r *run) int {
	if r.windDown {
		return 0
	}
	capRounds := 0
	if r.req.SessionType == models.ChannelCLI {
		capRounds = 1
	}
	if capRounds < 1 && (e.activePlan(r) != nil || e.planRequired(r)) {
		capRounds = 1
	}
	return capRounds
}

func (e *Engine) planRequired(r *run) bool {
	if r.req.Session == nil {
		return false
	}
	required, _ := r.req.Session.Metadata["plan_required"].(bool)
	return required
}

// handleToolCalls runs one ACT round: checkpoint, dispatch, rollback gate,
// result envelope, then loop hygiene (dead-loop detection, self-check and
// wind-down nudges).
func (e *Engine) handleToolCalls(ctx context.Context, r *run, decision *Decision) (*Result, bool, error) {
	state := r.state

	var askCalls, otherCalls []models.ToolCall
	for _, call := range decision.ToolCalls {
		if call.Name == "ask_user" {
			askCalls = append(askCalls, call)
		} else {
			otherCalls = append(otherCalls, call)
		}
	}
	if len(askCalls) > 0 {
		return e.handleAskUser(ctx, r, decision, askCalls, otherCalls)
	}

	cp := r.checkpoints.save(state, r.messages, decision)
	cp.SinkMark = r.sinkCount

	e.append(r, decision.AssistantMessage())
	if err := state.Transition(StatusActing); err != nil {
		return nil, false, err
	}

	batch := e.executor.ExecuteBatch(ctx, otherCalls, state, r.tc, BatchOptions{
		AllowInterrupts: true,
		CaptureReceipts: true,
	})
	e.recordBatch(r, otherCalls, batch)

	if err := state.Transition(StatusObserving); err != nil {
		return nil, false, err
	}

	if e.shouldRollback(r, batch) {
		if prev, ok := r.checkpoints.pop(); ok {
			e.rollback(r, prev, batch)
			return nil, false, nil
		}
	}

	e.append(r, toolResultEnvelope(batch.Results))
	state.ConsecutiveToolRounds++

	// The model both called tools and declared itself finished: accept the
	// text without another round.
	text := response.Sanitize(decision.Text)
	if decision.StopReason == "end_turn" && text != "" {
		if err := state.Transition(StatusVerifying); err != nil {
			return nil, false, err
		}
		if err := state.Transition(StatusCompleted); err != nil {
			return nil, false, err
		}
		return e.finish(r, text), true, nil
	}

	sig := roundSignature(otherCalls, state.LastBrowserURL)
	state.PushSignature(sig)
	if top, count := state.TopSignature(); count >= loopFailThreshold {
		if e.metrics != nil {
			e.metrics.RecordError("engine", "dead_loop")
		}
		e.logger.Warn("dead loop detected", "signature", top, "count", count)
		if err := state.Transition(StatusFailed); err != nil {
			return nil, false, err
		}
		return e.finish(r, MsgDeadLoop), true, nil
	} else if count >= loopNudgeThreshold && top == sig {
		e.append(r, userMessage(loopNudge))
	}

	switch {
	case state.ConsecutiveToolRounds == e.config.WindDownRound:
		r.windDown = true
		e.append(r, userMessage(windDownNudge))
	case state.ConsecutiveToolRounds%10 == 0:
		nudge := fmt.Sprintf(selfCheckNudge, state.ConsecutiveToolRounds)
		if e.activePlan(r) != nil {
			nudge = fmt.Sprintf(selfCheckNudgePlan, state.ConsecutiveToolRounds)
		}
		e.append(r, userMessage(nudge))
	}

	return nil, false, nil
}

// recordBatch updates per-tool bookkeeping after a dispatch: execution
// order, consecutive failure counts, delivery receipts, browser URL, and
// the retrospection trace.
func (e *Engine) recordBatch(r *run, calls []models.ToolCall, batch *BatchResult) {
	for i, call := range calls {
		r.state.RecordTool(call.Name)
		if batch.Results[i].IsError {
			r.failCounts[call.Name]++
		} else {
			r.failCounts[call.Name] = 0
		}
		r.steps = append(r.steps, response.TraceStep{
			Iteration: r.state.Iteration,
			ToolName:  call.Name,
			Params:    clip(string(call.Input), 200),
			Result:    clip(batch.Results[i].Content, 200),
			IsError:   batch.Results[i].IsError,
		})
		if call.Name == "browser_navigate" {
			var in struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(call.Input, &in); err == nil && in.URL != "" {
				r.state.LastBrowserURL = in.URL
			}
		}
	}
	r.state.AddReceipts(batch.Receipts)
}

// shouldRollback applies the rollback gate: the whole batch failed with
// nothing delivered yet, or some tool has failed three rounds straight.
// Delivered artifacts block rollback because the send cannot be unwound;
// a cancelled round keeps its stub results so the stop stays visible.
func (e *Engine) shouldRollback(r *run, batch *BatchResult) bool {
	if r.state.Cancelled() {
		return false
	}
	delivered := false
	for _, receipt := range r.state.DeliveryReceipts {
		if receipt.Status == models.DeliveryDelivered {
			delivered = true
			break
		}
	}
	if delivered {
		return false
	}
	if batch.AllFailed() {
		return true
	}
	for _, n := range r.failCounts {
		if n >= 3 {
			return true
		}
	}
	return false
}

// rollback restores the pre-decision transcript and replaces the failed
// round with a hint telling the model to try something different.
func (e *Engine) rollback(r *run, cp *Checkpoint, batch *BatchResult) {
	reason := rollbackReason(r, batch)
	e.logger.Info("rolling back to checkpoint",
		"checkpoint", cp.ID,
		"iteration", cp.Iteration,
		"reason", reason)

	r.messages = cp.Messages
	if r.req.Sink != nil {
		r.req.Sink.Rewind(cp.SinkMark)
	}
	r.sinkCount = cp.SinkMark
	r.failCounts = make(map[string]int)

	e.append(r, userMessage(fmt.Sprintf(rollbackTemplate, reason, cp.DecisionSummary)))
}

// rollbackReason summarizes why the gate fired, with the first error
// clipped for the hint.
func rollbackReason(r *run, batch *BatchResult) string {
	for name, n := range r.failCounts {
		if n >= 3 {
			return fmt.Sprintf("工具 %s 连续失败 %d 次", name, n)
		}
	}
	for _, res := range batch.Results {
		if res.IsError {
			return "本轮全部工具调用失败: " + clip(res.Content, 100)
		}
	}
	return "本轮全部工具调用失败"
}

// handleAskUser intercepts ask_user: the other calls in the batch still
// execute, every tool_use gets a tool_result in the original call order,
// and the engine either waits on the gateway or returns the question.
func (e *Engine) handleAskUser(ctx context.Context, r *run, decision *Decision, askCalls, otherCalls []models.ToolCall) (*Result, bool, error) {
	state := r.state

	e.append(r, decision.AssistantMessage())
	if err := state.Transition(StatusActing); err != nil {
		return nil, false, err
	}

	var results []models.ToolResult
	if len(otherCalls) > 0 {
		batch := e.executor.ExecuteBatch(ctx, otherCalls, state, r.tc, BatchOptions{
			AllowInterrupts: true,
			CaptureReceipts: true,
		})
		e.recordBatch(r, otherCalls, batch)
		results = batch.Results
	}

	question := askUserQuestion(askCalls)
	e.emit(r, Event{Type: EventAskUser, Data: map[string]any{"question": question}})

	if err := state.Transition(StatusWaitingUser); err != nil {
		return nil, false, err
	}

	if r.req.Gateway == nil {
		e.append(r, assembleAskEnvelope(decision, results, askContent(askCalls, askUserPlaceholder)))
		return e.finish(r, question), true, nil
	}

	if err := r.req.Gateway.NotifyUser(ctx, r.req.SessionKey, question); err != nil {
		e.logger.Warn("ask_user notify failed", "error", err)
	}

	reply, ok := e.waitForReply(ctx, r)
	if !ok {
		// Silence past both windows: answer the question with a
		// placeholder and let the model decide how to proceed.
		content := askUserPlaceholder + "\n\n" + llmDecidesInjection
		e.append(r, assembleAskEnvelope(decision, results, askContent(askCalls, content)))
		return nil, false, nil
	}

	e.append(r, assembleAskEnvelope(decision, results, askContent(askCalls, userReplyPrefix+reply)))
	return nil, false, nil
}

// waitForReply polls the gateway's interrupt queue until a reply arrives or
// both silence windows expire. One reminder is sent after the first window.
func (e *Engine) waitForReply(ctx context.Context, r *run) (string, bool) {
	deadline := e.config.WaitUserReminderAfter + e.config.WaitUserDecideAfter
	start := time.Now()
	reminded := false

	for {
		if reply, ok := r.req.Gateway.PollInterrupt(r.req.SessionKey); ok {
			return reply, true
		}
		if r.state.Cancelled() || ctx.Err() != nil {
			return "", false
		}
		elapsed := time.Since(start)
		if elapsed >= deadline {
			return "", false
		}
		if !reminded && elapsed >= e.config.WaitUserReminderAfter {
			reminded = true
			if err := r.req.Gateway.NotifyUser(ctx, r.req.SessionKey, waitingReminder); err != nil {
				e.logger.Warn("waiting reminder failed", "error", err)
			}
		}
		select {
		case <-time.After(e.config.WaitUserTick):
		case <-ctx.Done():
			return "", false
		}
	}
}

// exhaust ends a task that ran out of iterations: retrospect the overrun,
// then either release the last verification-rejected answer or fail.
func (e *Engine) exhaust(ctx context.Context, r *run) (*Result, error) {
	state := r.state
	r.monitor.DeclareOverrun()
	e.retrospect(ctx, r)

	if state.Status() == StatusVerifying && r.lastFinalText != "" {
		if err := state.Transition(StatusCompleted); err != nil {
			return nil, err
		}
		return e.finish(r, r.lastFinalText+verifyGiveUpTrailer), nil
	}

	if e.metrics != nil {
		e.metrics.RecordError("engine", "max_iterations")
	}
	if err := state.Transition(StatusFailed); err != nil {
		return nil, err
	}
	return e.finish(r, MsgMaxIterations), nil
}

// retrospect feeds the overrun trace to the retrospector, best effort.
func (e *Engine) retrospect(ctx context.Context, r *run) {
	if e.retro == nil {
		return
	}
	in := response.RetrospectInput{
		UserRequest: lastUserText(r.state.OriginalUserMessages),
		SessionKey:  r.req.SessionKey,
		Iterations:  r.state.Iteration,
		Steps:       r.steps,
		Outcome:     "达到最大迭代次数",
	}
	if _, err := e.retro.Run(ctx, in); err != nil {
		e.logger.Warn("retrospection failed", "error", err)
	}
}

// verify consults the completion verifier. With no verifier configured
// every answer passes.
func (e *Engine) verify(ctx context.Context, r *run, text string) response.VerifyResult {
	if e.verifier == nil {
		return response.VerifyResult{Completed: true, Reason: "verifier disabled"}
	}
	plan := e.activePlan(r)
	return e.verifier.Verify(ctx, response.VerifyInput{
		UserRequest:    lastUserText(r.state.OriginalUserMessages),
		AssistantText:  text,
		ExecutedTools:  append([]string(nil), r.state.ToolsExecuted...),
		Receipts:       append([]models.DeliveryReceipt(nil), r.state.DeliveryReceipts...),
		PlanHasPending: plan.HasPending(),
		ConversationID: r.req.SessionKey,
	})
}

// activePlan returns the session's active plan, or nil.
func (e *Engine) activePlan(r *run) *models.Plan {
	if r.req.Session == nil {
		return nil
	}
	plan := models.PlanFromVariable(r.req.Session.Variable(models.PlanVariableKey))
	if plan == nil || !plan.Active {
		return nil
	}
	return plan
}

// systemPrompt renders the request prompt plus the live plan section.
func (e *Engine) systemPrompt(r *run) string {
	plan := e.activePlan(r)
	if plan == nil {
		return r.req.SystemPrompt
	}
	return r.req.SystemPrompt + "\n\n" + formatPlanSection(plan)
}

// contextBudget converts the current model's advertised window into the
// compaction token budget.
func (e *Engine) contextBudget(model string) int {
	info, _ := e.brain.ModelInfo(model)
	return compaction.MaxContextTokens(info.ContextSize, info.MaxOutputTokens)
}

// chunkObserver mirrors stream chunks to the request's event sink.
func (e *Engine) chunkObserver(r *run) ChunkObserver {
	if r.req.OnEvent == nil {
		return nil
	}
	emit := r.req.OnEvent
	return func(chunk *CompletionChunk) {
		switch {
		case chunk.ThinkingStart:
			emit(Event{Type: EventThinkingStart})
		case chunk.ThinkingEnd:
			emit(Event{Type: EventThinkingEnd})
		case chunk.Thinking != "":
			emit(Event{Type: EventThinkingDelta, Data: map[string]any{"text": chunk.Thinking}})
		case chunk.Text != "":
			emit(Event{Type: EventTextDelta, Data: map[string]any{"text": chunk.Text}})
		}
	}
}

func (e *Engine) emit(r *run, ev Event) {
	if r.req.OnEvent != nil {
		r.req.OnEvent(ev)
	}
}

// append adds a message to the working transcript and mirrors it to the
// session sink.
func (e *Engine) append(r *run, msg *models.Message) {
	r.messages = append(r.messages, msg)
	if r.req.Sink != nil {
		r.req.Sink.Append(msg)
		r.sinkCount++
	}
}

func (e *Engine) finish(r *run, text string) *Result {
	return &Result{
		Text:          text,
		Status:        r.state.Status(),
		State:         r.state,
		ModelSwitched: r.monitor.Switched(),
	}
}

// askUserQuestion joins the question fields of the ask_user calls.
func askUserQuestion(calls []models.ToolCall) string {
	var questions []string
	for _, call := range calls {
		var in struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(call.Input, &in); err == nil {
			if q := strings.TrimSpace(in.Question); q != "" {
				questions = append(questions, q)
			}
		}
	}
	if len(questions) == 0 {
		return askUserFallback
	}
	return strings.Join(questions, "\n")
}

// askContent maps every ask_user call ID to the same result content.
func askContent(calls []models.ToolCall, content string) map[string]string {
	out := make(map[string]string, len(calls))
	for _, call := range calls {
		out[call.ID] = content
	}
	return out
}

// assembleAskEnvelope builds the single tool-result envelope for a mixed
// ask_user round, preserving the decision's call order.
func assembleAskEnvelope(decision *Decision, executed []models.ToolResult, ask map[string]string) *models.Message {
	byID := make(map[string]models.ToolResult, len(executed))
	for _, res := range executed {
		byID[res.ToolCallID] = res
	}
	ordered := make([]models.ToolResult, 0, len(decision.ToolCalls))
	for _, call := range decision.ToolCalls {
		if content, ok := ask[call.ID]; ok {
			ordered = append(ordered, models.ToolResult{ToolCallID: call.ID, Content: content})
			continue
		}
		if res, ok := byID[call.ID]; ok {
			ordered = append(ordered, res)
		}
	}
	return toolResultEnvelope(ordered)
}

func toolResultEnvelope(results []models.ToolResult) *models.Message {
	return &models.Message{
		Role:        models.RoleUser,
		ToolResults: append([]models.ToolResult(nil), results...),
		CreatedAt:   time.Now(),
	}
}

func userMessage(text string) *models.Message {
	return &models.Message{Role: models.RoleUser, Content: text, CreatedAt: time.Now()}
}

// lastUserText returns the content of the latest human turn.
func lastUserText(messages []*models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser && !messages[i].IsToolResultEnvelope() {
			return messages[i].Content
		}
	}
	return ""
}

// formatPlanSection renders the active plan for the system prompt.
func formatPlanSection(plan *models.Plan) string {
	var b strings.Builder
	b.WriteString("当前执行计划：\n")
	b.WriteString("目标：")
	b.WriteString(plan.Goal)
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "\n%d. [%s] %s", step.ID, stepStatusLabel(step.Status), step.Title)
		if step.Note != "" {
			b.WriteString("（")
			b.WriteString(step.Note)
			b.WriteString("）")
		}
	}
	return b.String()
}

func stepStatusLabel(status models.PlanStepStatus) string {
	switch status {
	case models.StepInProgress:
		return "进行中"
	case models.StepCompleted:
		return "已完成"
	case models.StepFailed:
		return "失败"
	case models.StepSkipped:
		return "已跳过"
	default:
		return "待办"
	}
}

// renderToolsJSON serializes tool schemas for context budget estimation.
func renderToolsJSON(tools []Tool) string {
	if len(tools) == 0 {
		return ""
	}
	type entry struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
	entries := make([]entry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, entry{Name: t.Name(), Description: t.Description(), InputSchema: t.Schema()})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	return string(data)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
