package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/pkg/models"
)

// maxCheckpoints bounds the rollback ring. Older checkpoints are discarded.
const maxCheckpoints = 5

// Checkpoint snapshots the conversation just before a tool-call decision is
// executed, so a failed plan can be unwound.
type Checkpoint struct {
	ID              string
	Messages        []*models.Message // deep copy
	Iteration       int
	Status          TaskStatus
	ExecutedTools   []string
	DecisionSummary string
	ToolNames       []string
	// SinkMark is the number of messages the engine had appended to the
	// session sink when the checkpoint was taken. Rollback rewinds the sink
	// to this watermark.
	SinkMark  int
	CreatedAt time.Time
}

// checkpointRing holds the most recent checkpoints, newest last.
type checkpointRing struct {
	items []*Checkpoint
}

func newCheckpointRing() *checkpointRing {
	return &checkpointRing{}
}

// save captures the pre-decision transcript and task counters.
func (r *checkpointRing) save(state *TaskState, messages []*models.Message, decision *Decision) *Checkpoint {
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		Messages:        models.CloneMessages(messages),
		Iteration:       state.Iteration,
		Status:          state.Status(),
		ExecutedTools:   append([]string(nil), state.ToolsExecuted...),
		DecisionSummary: summarizeDecision(decision),
		CreatedAt:       time.Now(),
	}
	for _, tc := range decision.ToolCalls {
		cp.ToolNames = append(cp.ToolNames, tc.Name)
	}
	r.items = append(r.items, cp)
	if len(r.items) > maxCheckpoints {
		r.items = r.items[len(r.items)-maxCheckpoints:]
	}
	return cp
}

// pop removes and returns the most recent checkpoint.
func (r *checkpointRing) pop() (*Checkpoint, bool) {
	if len(r.items) == 0 {
		return nil, false
	}
	cp := r.items[len(r.items)-1]
	r.items = r.items[:len(r.items)-1]
	return cp, true
}

func (r *checkpointRing) len() int { return len(r.items) }

// summarizeDecision renders a decision compactly for rollback hints.
func summarizeDecision(d *Decision) string {
	if d == nil {
		return ""
	}
	parts := make([]string, 0, len(d.ToolCalls))
	for _, tc := range d.ToolCalls {
		params := string(tc.Input)
		if len(params) > 120 {
			params = params[:120] + "…"
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", tc.Name, params))
	}
	return strings.Join(parts, ", ")
}
