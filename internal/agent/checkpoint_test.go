package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

func testDecision(names ...string) *Decision {
	d := &Decision{Type: DecisionToolCalls}
	for i, name := range names {
		d.ToolCalls = append(d.ToolCalls, models.ToolCall{
			ID:    name + "_id",
			Name:  name,
			Input: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
	}
	return d
}

func TestCheckpointRingKeepsNewestFive(t *testing.T) {
	ring := newCheckpointRing()
	state := NewTaskState("k")
	msgs := []*models.Message{{Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()}}

	for i := 0; i < 8; i++ {
		state.Iteration = i + 1
		ring.save(state, msgs, testDecision("echo"))
	}
	if ring.len() != maxCheckpoints {
		t.Fatalf("ring len = %d, want %d", ring.len(), maxCheckpoints)
	}

	cp, ok := ring.pop()
	if !ok || cp.Iteration != 8 {
		t.Errorf("pop returned iteration %d, want newest (8)", cp.Iteration)
	}
	cp, _ = ring.pop()
	if cp.Iteration != 7 {
		t.Errorf("second pop iteration = %d, want 7", cp.Iteration)
	}
}

func TestCheckpointSnapshotsDeeply(t *testing.T) {
	ring := newCheckpointRing()
	state := NewTaskState("k")
	msg := &models.Message{Role: models.RoleUser, Content: "original", CreatedAt: time.Now()}

	cp := ring.save(state, []*models.Message{msg}, testDecision("echo"))

	msg.Content = "mutated"
	if cp.Messages[0].Content != "original" {
		t.Error("checkpoint shares message memory with the live transcript")
	}
}

func TestPopOnEmptyRing(t *testing.T) {
	ring := newCheckpointRing()
	if _, ok := ring.pop(); ok {
		t.Error("pop on empty ring reported success")
	}
}

func TestSummarizeDecisionClipsParams(t *testing.T) {
	long := strings.Repeat("x", 300)
	d := &Decision{ToolCalls: []models.ToolCall{{
		ID:    "c1",
		Name:  "shell_exec",
		Input: json.RawMessage(`{"command":"` + long + `"}`),
	}}}
	got := summarizeDecision(d)
	if !strings.HasPrefix(got, "shell_exec(") {
		t.Errorf("summary = %q", got)
	}
	if len(got) > 160 {
		t.Errorf("summary not clipped: %d bytes", len(got))
	}
	if summarizeDecision(nil) != "" {
		t.Error("nil decision should summarize to empty")
	}
}
