package response

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/praxisworks/praxis/pkg/models"
)

// TextCompleter is the minimal LLM surface this package needs: one prompt
// in, plain text out.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// deliveryClaims are phrases that assert something was sent to the user.
// If the assistant says one of these without a matching receipt, the task
// is not done no matter how confident the text sounds.
var deliveryClaims = []string{"已发送", "已交付", "已发给你", "已发给您"}

// VerifyInput carries everything the verifier may consult.
type VerifyInput struct {
	UserRequest    string
	AssistantText  string // sanitized final answer
	ExecutedTools  []string
	Receipts       []models.DeliveryReceipt
	PlanHasPending bool
	ConversationID string
}

// VerifyResult is the verdict with a short reason for the trace.
type VerifyResult struct {
	Completed bool
	Reason    string
}

// Verifier decides whether a final answer actually finished the task.
// Cheap structural checks run first; only ambiguous cases reach the LLM
// judge.
type Verifier struct {
	llm    TextCompleter
	logger *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger.With("component", "verifier")
		}
	}
}

// NewVerifier creates a verifier backed by the given LLM.
func NewVerifier(llm TextCompleter, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		llm:    llm,
		logger: slog.Default().With("component", "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify applies the fast paths, then falls back to the LLM judge. A judge
// failure counts as incomplete.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) VerifyResult {
	delivered := false
	for _, r := range in.Receipts {
		if r.Status == models.DeliveryDelivered {
			delivered = true
			break
		}
	}

	if toolExecuted(in.ExecutedTools, "deliver_artifacts") && delivered {
		return VerifyResult{Completed: true, Reason: "artifacts delivered"}
	}
	if toolExecuted(in.ExecutedTools, "complete_plan") {
		return VerifyResult{Completed: true, Reason: "plan marked complete"}
	}
	if claimsDelivery(in.AssistantText) && len(in.Receipts) == 0 && !toolExecuted(in.ExecutedTools, "deliver_artifacts") {
		return VerifyResult{Completed: false, Reason: "delivery claimed without receipts"}
	}
	if in.PlanHasPending {
		return VerifyResult{Completed: false, Reason: "plan has unfinished steps"}
	}

	verdict, err := v.judge(ctx, in)
	if err != nil {
		v.logger.Warn("completion judge failed, treating as incomplete", "error", err)
		return VerifyResult{Completed: false, Reason: "judge unavailable"}
	}
	return verdict
}

func (v *Verifier) judge(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	const system = "你是一个严格的任务完成度审核员。根据用户请求、助手的最终回复和已执行的工具，判断任务是否真正完成。"

	var b strings.Builder
	b.WriteString("判定规则：\n")
	b.WriteString("- 闲聊、简短问答、或对工具执行结果的确认 → COMPLETED\n")
	b.WriteString("- 部分步骤失败但仍有可行的替代方案未尝试 → INCOMPLETE\n")
	b.WriteString("- 因平台硬性限制无法继续，且已向用户说明 → COMPLETED\n\n")
	fmt.Fprintf(&b, "用户请求：\n%s\n\n", clip(in.UserRequest, 1500))
	fmt.Fprintf(&b, "助手回复：\n%s\n\n", clip(in.AssistantText, 1500))
	if len(in.ExecutedTools) > 0 {
		fmt.Fprintf(&b, "已执行工具：%s\n\n", strings.Join(in.ExecutedTools, ", "))
	}
	b.WriteString("只输出一行：STATUS: COMPLETED 或 STATUS: INCOMPLETE")

	reply, err := v.llm.CompleteText(ctx, system, b.String())
	if err != nil {
		return VerifyResult{}, err
	}

	upper := strings.ToUpper(reply)
	switch {
	case strings.Contains(upper, "STATUS: INCOMPLETE"):
		return VerifyResult{Completed: false, Reason: "judge: incomplete"}, nil
	case strings.Contains(upper, "STATUS: COMPLETED"):
		return VerifyResult{Completed: true, Reason: "judge: completed"}, nil
	default:
		return VerifyResult{Completed: false, Reason: "judge: unparseable verdict"}, nil
	}
}

func toolExecuted(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}

func claimsDelivery(text string) bool {
	for _, claim := range deliveryClaims {
		if strings.Contains(text, claim) {
			return true
		}
	}
	return false
}

// clip truncates s to at most n runes, marking the cut.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…(截断)"
}
