package sessions

import (
	"strings"

	"github.com/praxisworks/praxis/pkg/models"
)

const (
	// trimPreviewRunes is the per-message preview length in the trim summary.
	trimPreviewRunes = 80

	// trimPreviewEntries caps how many dropped messages the summary lists.
	trimPreviewEntries = 20

	// minSummaryWindow is the smallest history limit that trims with a
	// summary; smaller windows drop plainly.
	minSummaryWindow = 12
)

// trimSummaryHeader opens the synthetic user message that replaces trimmed
// history.
const trimSummaryHeader = "[之前对话概要]"

// trimAck is the synthetic assistant reply that keeps user/assistant
// alternation intact when the first kept message is user-role.
const trimAck = "好的，我已了解之前的对话概要。"

// trimHistory drops the earliest quartile once the window overflows
// maxHistory, replacing it with a summary block. The cut is extended past
// tool-result envelopes so a result is never separated from its call.
// Returns the number of messages dropped, zero when nothing was trimmed.
func trimHistory(sessionContext *models.SessionContext, maxHistory int) int {
	messages := sessionContext.Messages
	if maxHistory <= 0 || len(messages) <= maxHistory {
		return 0
	}

	// The summary and acknowledgment count against the window too; below
	// minSummaryWindow the quartile cut plus the synthetic pair settles at
	// ~11 messages and never converges under the limit, so tiny windows cut
	// plainly instead.
	if maxHistory < minSummaryWindow {
		return trimWithoutSummary(sessionContext, maxHistory)
	}

	drop := len(messages) / 4
	if drop < 1 {
		drop = 1
	}
	for drop < len(messages) && messages[drop].IsToolResultEnvelope() {
		drop++
	}
	if drop >= len(messages) {
		return trimWithoutSummary(sessionContext, maxHistory)
	}

	dropped := messages[:drop]
	kept := messages[drop:]

	rebuilt := make([]*models.Message, 0, len(kept)+2)
	rebuilt = append(rebuilt, &models.Message{
		Role:      models.RoleUser,
		Content:   buildTrimSummary(dropped),
		CreatedAt: dropped[len(dropped)-1].CreatedAt,
	})
	if kept[0].Role == models.RoleUser {
		rebuilt = append(rebuilt, &models.Message{
			Role:      models.RoleAssistant,
			Content:   trimAck,
			CreatedAt: dropped[len(dropped)-1].CreatedAt,
		})
	}
	sessionContext.Messages = append(rebuilt, kept...)
	return drop
}

// trimWithoutSummary is the floor for windows too small to hold the
// synthetic summary pair: keep the newest maxHistory messages, skipping
// past leading tool-result envelopes, and drop the rest without a summary.
func trimWithoutSummary(sessionContext *models.SessionContext, maxHistory int) int {
	messages := sessionContext.Messages
	keep := maxHistory
	if keep < 1 {
		keep = 1
	}
	if keep >= len(messages) {
		return 0
	}
	drop := len(messages) - keep
	for drop < len(messages)-1 && messages[drop].IsToolResultEnvelope() {
		drop++
	}
	sessionContext.Messages = append([]*models.Message(nil), messages[drop:]...)
	return drop
}

// buildTrimSummary renders the dropped slice as role-prefixed previews, the
// last trimPreviewEntries messages only.
func buildTrimSummary(dropped []*models.Message) string {
	start := 0
	if len(dropped) > trimPreviewEntries {
		start = len(dropped) - trimPreviewEntries
	}

	var sb strings.Builder
	sb.WriteString(trimSummaryHeader)
	for _, m := range dropped[start:] {
		if m == nil {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(previewText(m))
	}
	return sb.String()
}

// previewText returns the first trimPreviewRunes runes of a message with
// newlines flattened. Tool-only turns preview the call or result instead of
// their empty content.
func previewText(m *models.Message) string {
	text := m.Content
	if text == "" {
		switch {
		case len(m.ToolCalls) > 0:
			text = "[调用工具 " + m.ToolCalls[0].Name + "]"
		case len(m.ToolResults) > 0:
			text = "[工具结果] " + m.ToolResults[0].Content
		}
	}
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) > trimPreviewRunes {
		return string(runes[:trimPreviewRunes])
	}
	return text
}
