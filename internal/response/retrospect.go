package response

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/praxisworks/praxis/internal/memory"
)

// errorSignals marks retrospect analyses worth keeping as long-term error
// memories.
var errorSignals = regexp.MustCompile(`重复|无效|弯路|错误|超时|失败`)

// TraceStep is one executed tool call in the retrospect trace.
type TraceStep struct {
	Iteration int
	ToolName  string
	Params    string
	Result    string
	IsError   bool
}

// RetrospectInput describes an overrun task.
type RetrospectInput struct {
	UserRequest string
	SessionKey  string
	Iterations  int
	Steps       []TraceStep
	Outcome     string // how the task ended, e.g. "达到最大迭代次数"
}

// MemoryStore persists long-term memories. *memory.Manager satisfies it.
type MemoryStore interface {
	Add(ctx context.Context, e *memory.Entry) error
}

// Retrospector reviews an overrun task with the LLM and, when the analysis
// names a failure pattern, writes it to long-term memory so the next run
// avoids it.
type Retrospector struct {
	llm    TextCompleter
	store  MemoryStore
	logger *slog.Logger
}

// NewRetrospector creates a retrospector. store may be nil, in which case
// analyses are returned but not persisted.
func NewRetrospector(llm TextCompleter, store MemoryStore, logger *slog.Logger) *Retrospector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrospector{
		llm:    llm,
		store:  store,
		logger: logger.With("component", "retrospect"),
	}
}

// Run formats the execution trace, asks the LLM what went wrong, and stores
// an error memory when the analysis matches a failure signal. Returns the
// analysis text.
func (r *Retrospector) Run(ctx context.Context, in RetrospectInput) (string, error) {
	const system = "你是一个任务执行复盘助手。分析下面的执行轨迹，找出浪费轮次的原因，并给出下次应该怎么做的一句话建议。"

	prompt := FormatTrace(in)
	analysis, err := r.llm.CompleteText(ctx, system, prompt)
	if err != nil {
		return "", fmt.Errorf("retrospect llm: %w", err)
	}
	analysis = strings.TrimSpace(analysis)
	if analysis == "" {
		return "", nil
	}

	if r.store != nil && errorSignals.MatchString(analysis) {
		entry := &memory.Entry{
			Kind:       memory.KindError,
			Content:    analysis,
			Tags:       []string{"retrospect"},
			SessionKey: in.SessionKey,
			Source:     "retrospect",
		}
		if err := r.store.Add(ctx, entry); err != nil {
			r.logger.Warn("failed to store retrospect memory", "error", err)
		} else {
			r.logger.Info("stored retrospect error memory", "session", in.SessionKey)
		}
	}
	return analysis, nil
}

// FormatTrace renders the trace the way the retrospect prompt expects.
func FormatTrace(in RetrospectInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "用户请求：%s\n", clip(in.UserRequest, 500))
	fmt.Fprintf(&b, "总轮次：%d，结局：%s\n\n", in.Iterations, in.Outcome)
	b.WriteString("执行轨迹：\n")
	for _, s := range in.Steps {
		status := "成功"
		if s.IsError {
			status = "失败"
		}
		fmt.Fprintf(&b, "第 %d 轮 | %s(%s) → %s: %s\n",
			s.Iteration, s.ToolName, clip(s.Params, 120), status, clip(s.Result, 200))
	}
	return b.String()
}
