package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanKind classifies the spans the engine and executor produce.
type SpanKind string

const (
	SpanLLM       SpanKind = "llm"
	SpanTool      SpanKind = "tool"
	SpanToolBatch SpanKind = "tool_batch"
	SpanMemory    SpanKind = "memory"
	SpanContext   SpanKind = "context"
	SpanReasoning SpanKind = "reasoning"
	SpanPrompt    SpanKind = "prompt"
	SpanTask      SpanKind = "task"
)

// TraceConfig configures the tracer facade.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion identifies the service version.
	ServiceVersion string

	// Environment names the deployment environment.
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint ("host:4317").
	// If empty, nothing is exported over the network.
	Endpoint string

	// SamplingRate controls what fraction of traces the OTLP exporter sees.
	// Defaults to 1.0.
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection.
	EnableInsecure bool

	// DataDir, when set, enables the file sink under <DataDir>/traces.
	DataDir string

	// Logger receives sink write failures.
	Logger *slog.Logger
}

// Tracer is the facade every component consumes. Spans flow to two places:
// an OTLP exporter (when configured) and the local trace file sink.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	sink     *FileSink
	config   TraceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// Trace is one task-scoped trace accumulating span records until EndTrace.
type Trace struct {
	ID        string
	SessionID string
	StartedAt time.Time
	Metadata  map[string]any

	mu       sync.Mutex
	spans    []*SpanRecord
	otelSpan trace.Span
	ended    bool
}

// SpanRecord is the file-sink representation of one finished span.
type SpanRecord struct {
	Name       string         `json:"name"`
	Kind       SpanKind       `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Span is a live span handle.
type Span struct {
	mu    sync.Mutex
	rec   SpanRecord
	otel  trace.Span
	trace *Trace
	now   func() time.Time
	ended bool
}

type activeTraceKey struct{}

// NewTracer builds the tracer facade. The returned shutdown function flushes
// the OTLP exporter; it is a no-op when no endpoint is configured.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "praxis"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracer")

	t := &Tracer{
		config: config,
		logger: logger,
		now:    time.Now,
	}
	if config.DataDir != "" {
		t.sink = NewFileSink(config.DataDir, logger)
	}

	if config.Endpoint == "" {
		t.tracer = otel.Tracer(config.ServiceName)
		return t, func(context.Context) error { return nil }
	}

	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		logger.Warn("otlp exporter unavailable, traces stay local", "error", err)
		t.tracer = otel.Tracer(config.ServiceName)
		return t, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.provider = provider
	t.tracer = provider.Tracer(config.ServiceName)
	return t, provider.Shutdown
}

// BeginTrace opens a task-scoped trace and stores it in the returned context
// so nested Span calls attach to it.
func (t *Tracer) BeginTrace(ctx context.Context, sessionID string, metadata map[string]any) (context.Context, *Trace) {
	tr := &Trace{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: t.now(),
		Metadata:  cloneMeta(metadata),
	}

	attrs := []attribute.KeyValue{attribute.String("session_id", sessionID)}
	ctx, otelSpan := t.tracer.Start(ctx, "task", trace.WithAttributes(attrs...))
	tr.otelSpan = otelSpan

	return context.WithValue(ctx, activeTraceKey{}, tr), tr
}

// EndTrace closes the trace and flushes it to the file sink.
func (t *Tracer) EndTrace(tr *Trace, metadata map[string]any) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	if tr.ended {
		tr.mu.Unlock()
		return
	}
	tr.ended = true
	for k, v := range metadata {
		if tr.Metadata == nil {
			tr.Metadata = make(map[string]any)
		}
		tr.Metadata[k] = v
	}
	spans := make([]*SpanRecord, len(tr.spans))
	copy(spans, tr.spans)
	tr.mu.Unlock()

	if tr.otelSpan != nil {
		tr.otelSpan.End()
	}

	if t.sink == nil {
		return
	}
	endedAt := t.now()
	rec := &TraceRecord{
		TraceID:    tr.ID,
		SessionID:  tr.SessionID,
		StartedAt:  tr.StartedAt,
		EndedAt:    endedAt,
		DurationMS: endedAt.Sub(tr.StartedAt).Milliseconds(),
		Metadata:   tr.Metadata,
		Spans:      spans,
	}
	if err := t.sink.WriteTrace(rec); err != nil {
		t.logger.Warn("trace sink write failed", "trace_id", tr.ID, "error", err)
	}
}

// Span opens a child span. The caller must End it.
func (t *Tracer) Span(ctx context.Context, name string, kind SpanKind) (context.Context, *Span) {
	ctx, otelSpan := t.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("span.kind", string(kind))))

	s := &Span{
		rec: SpanRecord{
			Name:      name,
			Kind:      kind,
			StartedAt: t.now(),
		},
		otel: otelSpan,
		now:  t.now,
	}
	if tr, ok := ctx.Value(activeTraceKey{}).(*Trace); ok {
		s.trace = tr
	}
	return ctx, s
}

// SetAttribute records a structured fact on the span.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	if s.rec.Attributes == nil {
		s.rec.Attributes = make(map[string]any)
	}
	s.rec.Attributes[key] = value
	s.mu.Unlock()

	if s.otel != nil {
		s.otel.SetAttributes(attributeFromValue(key, value))
	}
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.rec.Error = err.Error()
	s.mu.Unlock()

	if s.otel != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	}
}

// End closes the span and attaches its record to the enclosing trace.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.EndedAt = s.now()
	s.rec.DurationMS = s.rec.EndedAt.Sub(s.rec.StartedAt).Milliseconds()
	rec := s.rec
	s.mu.Unlock()

	if s.otel != nil {
		s.otel.End()
	}
	if s.trace != nil {
		s.trace.mu.Lock()
		if !s.trace.ended {
			s.trace.spans = append(s.trace.spans, &rec)
		}
		s.trace.mu.Unlock()
	}
}

// TraceFromContext returns the active trace, if any.
func TraceFromContext(ctx context.Context) (*Trace, bool) {
	tr, ok := ctx.Value(activeTraceKey{}).(*Trace)
	return tr, ok
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
