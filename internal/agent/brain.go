package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/pkg/models"
)

// DecisionType classifies one parsed LLM turn.
type DecisionType string

const (
	// DecisionFinalAnswer is a turn with no tool calls: the model spoke.
	DecisionFinalAnswer DecisionType = "final_answer"

	// DecisionToolCalls is a turn requesting tool executions.
	DecisionToolCalls DecisionType = "tool_calls"
)

// Decision is the fully-collected result of one model turn.
type Decision struct {
	Type      DecisionType
	Text      string
	Thinking  string
	ToolCalls []models.ToolCall

	// StopReason is the provider's normalized stop reason.
	StopReason string

	InputTokens  int
	OutputTokens int
}

// AssistantMessage renders the decision as the assistant message appended to
// the transcript, thinking blocks included.
func (d *Decision) AssistantMessage() *models.Message {
	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   d.Text,
		Thinking:  d.Thinking,
		ToolCalls: append([]models.ToolCall(nil), d.ToolCalls...),
		CreatedAt: time.Now(),
	}
}

// EndpointRegistry maps model IDs to the providers that serve them.
type EndpointRegistry struct {
	mu           sync.RWMutex
	byModel      map[string]LLMProvider
	defaultModel string
}

// NewEndpointRegistry creates an empty registry.
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{byModel: make(map[string]LLMProvider)}
}

// Register adds every model the provider advertises. The first registered
// model becomes the default unless one was set already.
func (r *EndpointRegistry) Register(provider LLMProvider) {
	if provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range provider.Models() {
		r.byModel[m.ID] = provider
		if r.defaultModel == "" {
			r.defaultModel = m.ID
		}
	}
}

// RegisterModel binds one model ID to a provider, for IDs the provider does
// not advertise (aliases, gateway-side custom names).
func (r *EndpointRegistry) RegisterModel(modelID string, provider LLMProvider) {
	if modelID == "" || provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[modelID] = provider
	if r.defaultModel == "" {
		r.defaultModel = modelID
	}
}

// Resolve returns the provider serving the model.
func (r *EndpointRegistry) Resolve(model string) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byModel[model]
	return p, ok
}

// SetDefault picks the model used when a request names none.
func (r *EndpointRegistry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// DefaultModel returns the fallback model ID.
func (r *EndpointRegistry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// ModelInfo returns the advertised metadata for a registered model.
func (r *EndpointRegistry) ModelInfo(modelID string) (Model, bool) {
	r.mu.RLock()
	provider, ok := r.byModel[modelID]
	r.mu.RUnlock()
	if !ok {
		return Model{}, false
	}
	for _, m := range provider.Models() {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Models lists all registered model IDs.
func (r *EndpointRegistry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byModel))
	for id := range r.byModel {
		out = append(out, id)
	}
	return out
}

// ChunkObserver receives raw streaming chunks as they arrive, before the
// decision is assembled. Used to mirror the stream to SSE transports.
type ChunkObserver func(*CompletionChunk)

// Brain turns provider streams into Decisions. It is stateless across calls;
// the engine owns the transcript and the current model choice.
type Brain struct {
	endpoints      *EndpointRegistry
	maxTokens      int
	enableThinking bool
	thinkingBudget int
	logger         *slog.Logger
	tracer         *observability.Tracer
	metrics        *observability.Metrics
}

// BrainOption customizes a Brain.
type BrainOption func(*Brain)

// WithBrainLogger sets the logger.
func WithBrainLogger(logger *slog.Logger) BrainOption {
	return func(b *Brain) {
		if logger != nil {
			b.logger = logger.With("component", "brain")
		}
	}
}

// WithBrainTracer attaches the trace facade.
func WithBrainTracer(tracer *observability.Tracer) BrainOption {
	return func(b *Brain) { b.tracer = tracer }
}

// WithBrainMetrics attaches the metrics surface.
func WithBrainMetrics(metrics *observability.Metrics) BrainOption {
	return func(b *Brain) { b.metrics = metrics }
}

// WithMaxTokens sets the response token ceiling.
func WithMaxTokens(n int) BrainOption {
	return func(b *Brain) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithThinking enables extended thinking with the given budget.
func WithThinking(budget int) BrainOption {
	return func(b *Brain) {
		b.enableThinking = true
		b.thinkingBudget = budget
	}
}

// NewBrain creates a Brain over the endpoint registry.
func NewBrain(endpoints *EndpointRegistry, opts ...BrainOption) *Brain {
	b := &Brain{
		endpoints: endpoints,
		maxTokens: 8192,
		logger:    slog.Default().With("component", "brain"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Think runs one model turn and collects the stream into a Decision.
// onChunk, when non-nil, observes every chunk as it arrives.
func (b *Brain) Think(ctx context.Context, model, system string, messages []*models.Message, tools []Tool, onChunk ChunkObserver) (*Decision, error) {
	if model == "" {
		model = b.endpoints.DefaultModel()
	}
	provider, ok := b.endpoints.Resolve(model)
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint serves model %q", ErrNoProvider, model)
	}

	var span *observability.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Span(ctx, "think", observability.SpanLLM)
		span.SetAttribute("provider", provider.Name())
		span.SetAttribute("model", model)
		span.SetAttribute("messages", len(messages))
		defer span.End()
	}

	req := &CompletionRequest{
		Model:                model,
		System:               system,
		Messages:             messages,
		Tools:                tools,
		MaxTokens:            b.maxTokens,
		EnableThinking:       b.enableThinking,
		ThinkingBudgetTokens: b.thinkingBudget,
	}

	start := time.Now()
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		b.record(provider.Name(), model, err, start, 0, 0)
		if span != nil {
			span.RecordError(err)
		}
		return nil, fmt.Errorf("llm request: %w", err)
	}

	decision, err := collectDecision(chunks, onChunk)
	b.record(provider.Name(), model, err, start, decisionInTokens(decision), decisionOutTokens(decision))
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return nil, err
	}
	if span != nil {
		span.SetAttribute("decision", string(decision.Type))
		span.SetAttribute("tool_calls", len(decision.ToolCalls))
		span.SetAttribute("stop_reason", decision.StopReason)
	}
	return decision, nil
}

// ModelInfo exposes registry model metadata, for context budget sizing.
func (b *Brain) ModelInfo(modelID string) (Model, bool) {
	return b.endpoints.ModelInfo(modelID)
}

// DefaultModel returns the registry's default model ID.
func (b *Brain) DefaultModel() string {
	return b.endpoints.DefaultModel()
}

// CompleteText runs a plain text completion on the default model with no
// tools. Used by response verification and retrospection.
func (b *Brain) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	decision, err := b.Think(ctx, "", system, []*models.Message{
		{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now()},
	}, nil, nil)
	if err != nil {
		return "", err
	}
	return decision.Text, nil
}

func (b *Brain) record(provider, model string, err error, start time.Time, inTokens, outTokens int) {
	if b.metrics == nil {
		return
	}
	status := "success"
	switch {
	case IsLLMTimeout(err):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	b.metrics.RecordLLMRequest(provider, model, status, time.Since(start).Seconds(), inTokens, outTokens)
}

// collectDecision drains the stream. Text and thinking accumulate; tool
// calls arrive whole. A chunk-level error aborts the turn.
func collectDecision(chunks <-chan *CompletionChunk, onChunk ChunkObserver) (*Decision, error) {
	var (
		text     strings.Builder
		thinking strings.Builder
		decision = &Decision{}
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if onChunk != nil {
			onChunk(chunk)
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("llm stream: %w", chunk.Error)
		}
		text.WriteString(chunk.Text)
		thinking.WriteString(chunk.Thinking)
		if chunk.ToolCall != nil {
			decision.ToolCalls = append(decision.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			decision.StopReason = chunk.StopReason
			decision.InputTokens = chunk.InputTokens
			decision.OutputTokens = chunk.OutputTokens
		}
	}

	decision.Text = text.String()
	decision.Thinking = thinking.String()
	if len(decision.ToolCalls) > 0 {
		decision.Type = DecisionToolCalls
	} else {
		decision.Type = DecisionFinalAnswer
	}
	return decision, nil
}

// IsLLMTimeout reports whether an LLM call failed on a deadline.
func IsLLMTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func decisionInTokens(d *Decision) int {
	if d == nil {
		return 0
	}
	return d.InputTokens
}

func decisionOutTokens(d *Decision) int {
	if d == nil {
		return 0
	}
	return d.OutputTokens
}
