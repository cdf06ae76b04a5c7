package observability

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/storage"
)

// TraceRecord is the on-disk shape of one finished trace.
type TraceRecord struct {
	TraceID    string         `json:"trace_id"`
	SessionID  string         `json:"session_id"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Spans      []*SpanRecord  `json:"spans"`
}

// DailySummary is the per-day rollup kept beside the trace files.
type DailySummary struct {
	Date            string         `json:"date"`
	Traces          int            `json:"traces"`
	Spans           int            `json:"spans"`
	Errors          int            `json:"errors"`
	SpansByKind     map[string]int `json:"spans_by_kind"`
	TotalDurationMS int64          `json:"total_duration_ms"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FileSink writes finished traces under <dataDir>/traces/YYYY-MM-DD/ and
// maintains that day's daily_summary.json.
type FileSink struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewFileSink creates a sink rooted at <dataDir>/traces.
func NewFileSink(dataDir string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		root:   filepath.Join(dataDir, "traces"),
		logger: logger.With("component", "trace_sink"),
		now:    time.Now,
	}
}

// WriteTrace persists one trace file and updates the day's summary.
func (s *FileSink) WriteTrace(rec *TraceRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	day := rec.EndedAt
	if day.IsZero() {
		day = s.now()
	}
	date := day.Format("2006-01-02")
	dir := filepath.Join(s.root, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}

	path := filepath.Join(dir, "trace-"+rec.TraceID+".json")
	if err := storage.WriteJSONAtomic(path, rec); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}

	return s.updateSummary(dir, date, rec)
}

func (s *FileSink) updateSummary(dir, date string, rec *TraceRecord) error {
	summaryPath := filepath.Join(dir, "daily_summary.json")

	summary := DailySummary{Date: date, SpansByKind: make(map[string]int)}
	if err := storage.ReadJSON(summaryPath, &summary); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("daily summary unreadable, starting fresh", "path", summaryPath, "error", err)
		summary = DailySummary{Date: date, SpansByKind: make(map[string]int)}
	}
	if summary.SpansByKind == nil {
		summary.SpansByKind = make(map[string]int)
	}

	summary.Traces++
	summary.Spans += len(rec.Spans)
	summary.TotalDurationMS += rec.DurationMS
	for _, sp := range rec.Spans {
		summary.SpansByKind[string(sp.Kind)]++
		if sp.Error != "" {
			summary.Errors++
		}
	}
	summary.UpdatedAt = s.now()

	if err := storage.WriteJSONAtomic(summaryPath, &summary); err != nil {
		return fmt.Errorf("write daily summary: %w", err)
	}
	return nil
}
