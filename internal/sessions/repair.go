package sessions

import (
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

// RepairReport summarizes one transcript repair pass.
type RepairReport struct {
	// Messages is the repaired list. When nothing changed it is the input
	// slice itself.
	Messages []*models.Message

	// Added counts synthetic error results inserted for missing IDs.
	Added int

	// DroppedDuplicates counts repeated results for an already-answered ID.
	DroppedDuplicates int

	// DroppedOrphans counts results that match no tool call.
	DroppedOrphans int

	// Moved reports whether any result had to be reordered behind its call.
	Moved bool
}

// RepairToolCallPairing normalizes a transcript so every assistant tool call
// is immediately followed by exactly one matching tool result. Providers
// reject transcripts that violate this, so repaired history is the only kind
// that may be replayed into a completion request.
//
// Matching results are moved directly behind their assistant turn, missing
// ones are synthesized as errors, duplicates and orphans are dropped.
func RepairToolCallPairing(messages []*models.Message) RepairReport {
	report := RepairReport{
		Messages: make([]*models.Message, 0, len(messages)),
	}

	answered := make(map[string]bool)
	changed := false

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg == nil {
			continue
		}

		if msg.Role != models.RoleAssistant {
			if msg.IsToolResultEnvelope() {
				// A result envelope reached here without a preceding
				// assistant tool-call turn claiming it.
				report.DroppedOrphans += len(msg.ToolResults)
				changed = true
				continue
			}
			report.Messages = append(report.Messages, msg)
			continue
		}

		if len(msg.ToolCalls) == 0 {
			report.Messages = append(report.Messages, msg)
			continue
		}

		wanted := make(map[string]struct{}, len(msg.ToolCalls))
		pendingOrder := make([]string, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				wanted[tc.ID] = struct{}{}
				pendingOrder = append(pendingOrder, tc.ID)
			}
		}

		claimPending := func(id string) {
			for idx, pendingID := range pendingOrder {
				if pendingID == id {
					pendingOrder = append(pendingOrder[:idx], pendingOrder[idx+1:]...)
					return
				}
			}
		}
		// assignPending hands an unlabeled result the oldest unanswered ID.
		assignPending := func() string {
			if len(pendingOrder) == 0 {
				return ""
			}
			id := pendingOrder[0]
			pendingOrder = pendingOrder[1:]
			return id
		}

		// Collect results belonging to this turn from the span before the
		// next assistant message.
		results := make(map[string]*models.Message)
		remainder := make([]*models.Message, 0)

		j := i + 1
		for ; j < len(messages); j++ {
			next := messages[j]
			if next == nil {
				continue
			}
			if next.Role == models.RoleAssistant {
				break
			}

			if !next.IsToolResultEnvelope() {
				remainder = append(remainder, next)
				continue
			}

			needsClone := false
			kept := make([]models.ToolResult, 0, len(next.ToolResults))
			for _, tr := range next.ToolResults {
				id := tr.ToolCallID
				if id == "" {
					if id = assignPending(); id != "" {
						tr.ToolCallID = id
						needsClone = true
					}
				}
				if id == "" {
					report.DroppedOrphans++
					needsClone = true
					changed = true
					continue
				}
				if _, ok := wanted[id]; !ok {
					report.DroppedOrphans++
					needsClone = true
					changed = true
					continue
				}
				if answered[id] {
					report.DroppedDuplicates++
					needsClone = true
					changed = true
					continue
				}
				claimPending(id)
				answered[id] = true
				kept = append(kept, tr)
			}
			if len(kept) == 0 {
				continue
			}

			envelope := next
			if needsClone {
				copied := *next
				copied.ToolResults = kept
				envelope = &copied
				changed = true
			}
			for _, tr := range kept {
				results[tr.ToolCallID] = envelope
			}
		}

		report.Messages = append(report.Messages, msg)

		if len(results) > 0 && len(remainder) > 0 {
			report.Moved = true
			changed = true
		}

		// Emit results in tool-call order, synthesizing errors for the
		// calls nothing answered.
		emitted := make(map[*models.Message]bool)
		for _, tc := range msg.ToolCalls {
			if envelope, ok := results[tc.ID]; ok {
				if !emitted[envelope] {
					report.Messages = append(report.Messages, envelope)
					emitted[envelope] = true
				}
				continue
			}
			if answered[tc.ID] {
				continue
			}
			synthetic := makeMissingToolResult(tc.ID, tc.Name)
			if !msg.CreatedAt.IsZero() {
				synthetic.CreatedAt = msg.CreatedAt.Add(time.Nanosecond)
			}
			report.Messages = append(report.Messages, synthetic)
			answered[tc.ID] = true
			report.Added++
			changed = true
		}

		report.Messages = append(report.Messages, remainder...)
		i = j - 1
	}

	if !changed {
		report.Messages = messages
	}
	return report
}

// makeMissingToolResult builds the synthetic error envelope inserted for a
// tool call whose result never made it into the transcript.
func makeMissingToolResult(toolCallID, toolName string) *models.Message {
	if toolName == "" {
		toolName = "unknown"
	}
	return &models.Message{
		Role: models.RoleUser,
		ToolResults: []models.ToolResult{{
			ToolCallID: toolCallID,
			Content:    "[praxis] 会话历史缺少该工具调用的结果，已补全为合成错误结果。",
			IsError:    true,
		}},
		Metadata: map[string]any{
			"synthetic": true,
			"tool_name": toolName,
		},
		CreatedAt: time.Now(),
	}
}

// ValidateToolCallPairing returns the tool-call IDs that have no matching
// result in the transcript.
func ValidateToolCallPairing(messages []*models.Message) []string {
	pending := make(map[string]bool)
	var missing []string

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch {
		case msg.Role == models.RoleAssistant:
			for id := range pending {
				missing = append(missing, id)
			}
			pending = make(map[string]bool)
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
		case msg.IsToolResultEnvelope():
			for _, tr := range msg.ToolResults {
				delete(pending, tr.ToolCallID)
			}
		}
	}

	for id := range pending {
		missing = append(missing, id)
	}
	return missing
}
