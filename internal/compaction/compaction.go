// Package compaction keeps a conversation's message list within a model's
// context budget. It provides character-class token estimation, context
// window accounting, and a multi-pass compressor that summarizes old
// tool-interaction groups while keeping recent turns verbatim. All LLM
// summarization failures degrade to deterministic truncation; compression
// never returns an error.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/praxisworks/praxis/pkg/models"
)

const (
	// CJKCharsPerToken is the estimated characters-per-token ratio for
	// Chinese text.
	CJKCharsPerToken = 1.5

	// CharsPerToken is the estimated characters-per-token ratio for
	// everything else.
	CharsPerToken = 4

	// DefaultMaxContextTokens is used when a model's context window is
	// unknown or implausibly small.
	DefaultMaxContextTokens = 124000

	// minKnownWindow is the smallest declared context window trusted for
	// budget math. Anything below falls back to DefaultMaxContextTokens.
	minKnownWindow = 8192

	// usableWindowShare is the fraction of the post-reserve window handed
	// to the prompt side.
	usableWindowShare = 0.85

	// SoftLimitShare is the fraction of the hard limit above which
	// compression kicks in.
	SoftLimitShare = 0.7

	// promptOverheadTokens covers per-message framing the estimator
	// cannot see.
	promptOverheadTokens = 1000

	// DefaultOversizedToolResultTokens is the per-result size above which
	// a tool result is compressed on its own before any grouping.
	DefaultOversizedToolResultTokens = 5000

	// DefaultSummaryShare is the target size of a summary relative to the
	// text it replaces.
	DefaultSummaryShare = 0.15

	// DefaultMinSummaryTokens floors the summary target for small inputs.
	DefaultMinSummaryTokens = 100

	// DefaultKeepRecentGroups is how many trailing tool-interaction groups
	// survive the first summarization pass verbatim.
	DefaultKeepRecentGroups = 4

	// retryKeepRecentGroups is the reduced keep count for the second pass.
	retryKeepRecentGroups = 2

	// DefaultMaxChunkTokens bounds the size of a single summarization call.
	DefaultMaxChunkTokens = 30000

	// headShare and tailShare define the deterministic truncation split:
	// the kept text is the head and tail of the original, sized against
	// the summary target.
	headShare = 0.7
	tailShare = 0.2
)

// TruncationMarker is inserted between head and tail when text is cut
// deterministically instead of summarized.
const TruncationMarker = "\n...[内容已截断]...\n"

// summaryPreamble opens the synthetic user message that replaces
// summarized history.
const summaryPreamble = "[之前对话摘要]\n"

// summaryAck is the synthetic assistant reply that keeps user/assistant
// alternation intact after a summary is prepended.
const summaryAck = "好的，我已了解之前的对话概要。"

// emergencyNotice is prepended when the hard-truncation floor fires.
const emergencyNotice = "[系统提示] 上下文超出模型限制，部分历史消息已被紧急截断。"

// EstimateTokens estimates the token count of text with a character-class
// heuristic: Chinese characters cost ~1 token per 1.5 chars, everything
// else ~1 per 4 chars. The estimate is never below 1.
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := int(float64(cjk)/CJKCharsPerToken + float64(other)/CharsPerToken + 0.999)
	if tokens < 1 {
		return 1
	}
	return tokens
}

func isCJK(r rune) bool {
	if unicode.Is(unicode.Han, r) {
		return true
	}
	// CJK punctuation and fullwidth forms price like hanzi.
	return (r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

// EstimateMessageTokens estimates the token cost of one message including
// its tool calls and tool results.
func EstimateMessageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	total := 0
	if m.Content != "" {
		total += EstimateTokens(m.Content)
	}
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(tc.Name)
		if len(tc.Input) > 0 {
			total += EstimateTokens(string(tc.Input))
		}
	}
	for _, tr := range m.ToolResults {
		if tr.Content != "" {
			total += EstimateTokens(tr.Content)
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}

// EstimateMessagesTokens sums EstimateMessageTokens over messages.
func EstimateMessagesTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return total
}

// MaxContextTokens computes the prompt-side token budget for a model. A
// reserve of min(maxOutputTokens, window/2) is set aside for output and 85%
// of the remainder is usable. Unknown or sub-8192 windows fall back to
// DefaultMaxContextTokens.
func MaxContextTokens(contextWindow, maxOutputTokens int) int {
	if contextWindow < minKnownWindow {
		return DefaultMaxContextTokens
	}
	reserve := contextWindow / 2
	if maxOutputTokens > 0 && maxOutputTokens < reserve {
		reserve = maxOutputTokens
	}
	return int(float64(contextWindow-reserve) * usableWindowShare)
}

// Summarizer produces an LLM summary of text aiming at targetTokens.
// Implementations must treat targetTokens as advisory, not a hard cap.
type Summarizer interface {
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// Config tunes the compressor. Zero values take the package defaults.
type Config struct {
	// KeepRecentGroups is the number of trailing tool-interaction groups
	// kept verbatim on the first pass.
	KeepRecentGroups int

	// MaxChunkTokens bounds each chunked summarization call.
	MaxChunkTokens int

	// OversizedToolResultTokens is the per-result compression threshold.
	OversizedToolResultTokens int

	// SummaryShare is the target summary size as a fraction of the input.
	SummaryShare float64

	// MinSummaryTokens floors the summary target.
	MinSummaryTokens int
}

// DefaultConfig returns the standard compressor tuning.
func DefaultConfig() *Config {
	return &Config{
		KeepRecentGroups:          DefaultKeepRecentGroups,
		MaxChunkTokens:            DefaultMaxChunkTokens,
		OversizedToolResultTokens: DefaultOversizedToolResultTokens,
		SummaryShare:              DefaultSummaryShare,
		MinSummaryTokens:          DefaultMinSummaryTokens,
	}
}

func sanitizeConfig(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.KeepRecentGroups <= 0 {
		out.KeepRecentGroups = def.KeepRecentGroups
	}
	if out.MaxChunkTokens <= 0 {
		out.MaxChunkTokens = def.MaxChunkTokens
	}
	if out.OversizedToolResultTokens <= 0 {
		out.OversizedToolResultTokens = def.OversizedToolResultTokens
	}
	if out.SummaryShare <= 0 || out.SummaryShare >= 1 {
		out.SummaryShare = def.SummaryShare
	}
	if out.MinSummaryTokens <= 0 {
		out.MinSummaryTokens = def.MinSummaryTokens
	}
	return &out
}

// Compactor compresses conversation history against a token budget.
type Compactor struct {
	summarizer Summarizer
	cfg        *Config
	logger     *slog.Logger
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithLogger sets the logger used for degradation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compactor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConfig overrides the default tuning.
func WithConfig(cfg *Config) Option {
	return func(c *Compactor) {
		c.cfg = sanitizeConfig(cfg)
	}
}

// NewCompactor builds a Compactor. A nil summarizer is allowed; every
// summarization then degrades to deterministic truncation.
func NewCompactor(summarizer Summarizer, opts ...Option) *Compactor {
	c := &Compactor{
		summarizer: summarizer,
		cfg:        DefaultConfig(),
		logger:     slog.Default().With("component", "compaction"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompressIfNeeded returns messages compressed to fit the prompt budget.
// maxTokens is the model's prompt-side budget (see MaxContextTokens);
// systemPrompt and toolsJSON are charged against it before the history.
// The input slice is never mutated and the function never fails: when the
// summarizer errs the output degrades to deterministic truncation.
func (c *Compactor) CompressIfNeeded(ctx context.Context, messages []*models.Message, systemPrompt, toolsJSON string, maxTokens int) []*models.Message {
	if len(messages) == 0 {
		return messages
	}

	hardLimit := maxTokens - EstimateTokens(systemPrompt) - EstimateTokens(toolsJSON) - promptOverheadTokens
	if hardLimit < 1 {
		hardLimit = 1
	}
	softLimit := int(SoftLimitShare * float64(hardLimit))

	total := EstimateMessagesTokens(messages)
	if total <= softLimit {
		return messages
	}

	c.logger.Info("compressing context",
		"messages", len(messages),
		"tokens", total,
		"soft_limit", softLimit,
		"hard_limit", hardLimit)

	out := models.CloneMessages(messages)
	out = c.compressOversizedToolResults(ctx, out)

	if EstimateMessagesTokens(out) > softLimit {
		out = c.summarizeEarlyGroups(ctx, out, c.cfg.KeepRecentGroups)
	}
	if EstimateMessagesTokens(out) > softLimit {
		out = c.summarizeEarlyGroups(ctx, out, retryKeepRecentGroups)
	}
	if EstimateMessagesTokens(out) > hardLimit {
		out = c.hardTruncate(out, hardLimit)
	}

	c.logger.Info("context compressed",
		"messages", len(out),
		"tokens", EstimateMessagesTokens(out))
	return out
}

// compressOversizedToolResults shrinks any tool result above the threshold
// on its own, before grouping. Summarization targets SummaryShare of the
// original; failures fall back to head+tail truncation.
func (c *Compactor) compressOversizedToolResults(ctx context.Context, messages []*models.Message) []*models.Message {
	for _, m := range messages {
		for i := range m.ToolResults {
			tr := &m.ToolResults[i]
			tokens := EstimateTokens(tr.Content)
			if tokens <= c.cfg.OversizedToolResultTokens {
				continue
			}
			target := int(float64(tokens) * c.cfg.SummaryShare)
			if target < c.cfg.MinSummaryTokens {
				target = c.cfg.MinSummaryTokens
			}
			tr.Content = c.summarizeOrTruncate(ctx, tr.Content, target)
		}
	}
	return messages
}

// summarizeOrTruncate asks the summarizer for a condensed version and falls
// back to deterministic head+tail truncation when it fails or returns
// nothing.
func (c *Compactor) summarizeOrTruncate(ctx context.Context, text string, targetTokens int) string {
	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, text, targetTokens)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		if err != nil {
			c.logger.Warn("summarization failed, truncating", "error", err)
		}
	}
	return TruncateHeadTail(text, targetTokens)
}

// TruncateHeadTail cuts text down toward targetTokens keeping the head
// (70% of the target) and tail (20%), joined by TruncationMarker. Text
// already within budget is returned unchanged.
func TruncateHeadTail(text string, targetTokens int) string {
	if targetTokens < 1 {
		targetTokens = 1
	}
	if EstimateTokens(text) <= targetTokens {
		return text
	}
	runes := []rune(text)
	// Character budget scaled from the token target; CJK-heavy text just
	// ends up slightly smaller than the target, which is fine.
	budget := targetTokens * CharsPerToken
	headLen := int(float64(budget) * headShare)
	tailLen := int(float64(budget) * tailShare)
	if headLen+tailLen >= len(runes) {
		return text
	}
	return string(runes[:headLen]) + TruncationMarker + string(runes[len(runes)-tailLen:])
}

// GroupToolInteractions partitions messages into tool-interaction groups:
// an assistant message carrying tool calls is joined with the immediately
// following tool-result envelopes; every other message is a singleton.
// Groups are the atomic unit of compression so providers never see a tool
// call separated from its result.
func GroupToolInteractions(messages []*models.Message) [][]*models.Message {
	if len(messages) == 0 {
		return nil
	}
	groups := make([][]*models.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role == models.RoleAssistant && m.HasToolCalls() {
			group := []*models.Message{m}
			j := i + 1
			for j < len(messages) && messages[j].IsToolResultEnvelope() {
				group = append(group, messages[j])
				j++
			}
			groups = append(groups, group)
			i = j
			continue
		}
		groups = append(groups, []*models.Message{m})
		i++
	}
	return groups
}

func flattenGroups(groups [][]*models.Message) []*models.Message {
	out := make([]*models.Message, 0)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// summarizeEarlyGroups replaces all but the last keep tool-interaction
// groups with a synthetic summary exchange: a user message carrying the
// summary and an assistant acknowledgment, so role alternation survives.
func (c *Compactor) summarizeEarlyGroups(ctx context.Context, messages []*models.Message, keep int) []*models.Message {
	groups := GroupToolInteractions(messages)
	if len(groups) <= keep {
		return messages
	}

	early := groups[:len(groups)-keep]
	recent := groups[len(groups)-keep:]

	earlyMessages := flattenGroups(early)
	earlyTokens := EstimateMessagesTokens(earlyMessages)
	target := int(float64(earlyTokens) * c.cfg.SummaryShare)
	if target < c.cfg.MinSummaryTokens {
		target = c.cfg.MinSummaryTokens
	}

	summary := c.summarizeChunked(ctx, early, earlyTokens, target)

	out := make([]*models.Message, 0, len(recent)*2+2)
	out = append(out,
		&models.Message{Role: models.RoleUser, Content: summaryPreamble + summary},
		&models.Message{Role: models.RoleAssistant, Content: summaryAck},
	)
	out = append(out, flattenGroups(recent)...)
	return out
}

// summarizeChunked summarizes early groups in chunks of at most
// MaxChunkTokens, then consolidates when the combined summaries overshoot
// twice the target.
func (c *Compactor) summarizeChunked(ctx context.Context, early [][]*models.Message, earlyTokens, target int) string {
	chunks := chunkGroupsByTokens(early, c.cfg.MaxChunkTokens)

	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunkMessages := flattenGroups(chunk)
		chunkTokens := EstimateMessagesTokens(chunkMessages)
		chunkTarget := target
		if earlyTokens > 0 && len(chunks) > 1 {
			chunkTarget = target * chunkTokens / earlyTokens
			if chunkTarget < c.cfg.MinSummaryTokens {
				chunkTarget = c.cfg.MinSummaryTokens
			}
		}
		text := FormatMessagesForSummary(chunkMessages)
		summaries = append(summaries, c.summarizeOrTruncate(ctx, text, chunkTarget))
	}

	combined := strings.Join(summaries, "\n")
	if len(summaries) > 1 && EstimateTokens(combined) > 2*target {
		combined = c.summarizeOrTruncate(ctx, combined, target)
	}
	return combined
}

// chunkGroupsByTokens packs whole groups into chunks of at most maxTokens.
// A single group larger than maxTokens gets a chunk of its own; splitting
// it would break tool pairing.
func chunkGroupsByTokens(groups [][]*models.Message, maxTokens int) [][][]*models.Message {
	if len(groups) == 0 {
		return nil
	}
	chunks := make([][][]*models.Message, 0)
	current := make([][]*models.Message, 0)
	currentTokens := 0
	for _, g := range groups {
		gTokens := EstimateMessagesTokens(g)
		if currentTokens+gTokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = make([][]*models.Message, 0)
			currentTokens = 0
		}
		current = append(current, g)
		currentTokens += gTokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// hardTruncate is the floor: drop the earliest groups until under the hard
// limit, then head+tail truncate the largest remaining contents, and
// prepend a system notice. At least one message always survives.
func (c *Compactor) hardTruncate(messages []*models.Message, hardLimit int) []*models.Message {
	c.logger.Warn("hard-truncating context", "messages", len(messages), "hard_limit", hardLimit)

	groups := GroupToolInteractions(messages)
	for len(groups) > 1 && EstimateMessagesTokens(flattenGroups(groups)) > hardLimit {
		groups = groups[1:]
	}
	out := flattenGroups(groups)

	// Shrink the largest payload, message content or tool result, until the
	// budget holds or nothing shrinks any further.
	for EstimateMessagesTokens(out) > hardLimit {
		var largest *string
		largestTokens := 0
		for _, m := range out {
			if t := EstimateTokens(m.Content); t > largestTokens {
				largest = &m.Content
				largestTokens = t
			}
			for i := range m.ToolResults {
				if t := EstimateTokens(m.ToolResults[i].Content); t > largestTokens {
					largest = &m.ToolResults[i].Content
					largestTokens = t
				}
			}
		}
		if largest == nil || largestTokens < c.cfg.MinSummaryTokens {
			break
		}
		*largest = TruncateHeadTail(*largest, largestTokens/2)
	}

	notice := &models.Message{Role: models.RoleSystem, Content: emergencyNotice}
	return append([]*models.Message{notice}, out...)
}

// FormatMessagesForSummary renders messages as plain text for a
// summarization prompt. Tool payloads are clipped so one noisy result does
// not dominate the summary input.
func FormatMessagesForSummary(messages []*models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%s]: ", m.Role))
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  [调用工具 %s: %s]", tc.Name, clip(string(tc.Input), 200)))
		}
		for _, tr := range m.ToolResults {
			sb.WriteString(fmt.Sprintf("\n  [工具结果: %s]", clip(tr.Content, 200)))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func clip(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
