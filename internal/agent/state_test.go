package agent

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	legal := [][2]TaskStatus{
		{StatusIdle, StatusReasoning},
		{StatusIdle, StatusCompiling},
		{StatusCompiling, StatusReasoning},
		{StatusReasoning, StatusActing},
		{StatusReasoning, StatusModelSwitching},
		{StatusReasoning, StatusWaitingUser},
		{StatusActing, StatusObserving},
		{StatusActing, StatusWaitingUser},
		{StatusObserving, StatusReasoning},
		{StatusObserving, StatusVerifying},
		{StatusVerifying, StatusCompleted},
		{StatusVerifying, StatusReasoning},
		{StatusModelSwitching, StatusReasoning},
		{StatusWaitingUser, StatusReasoning},
		{StatusWaitingUser, StatusIdle},
		{StatusCompleted, StatusIdle},
		{StatusFailed, StatusIdle},
		{StatusCancelled, StatusIdle},
	}
	for _, pair := range legal {
		s := &TaskState{status: pair[0]}
		if err := s.Transition(pair[1]); err != nil {
			t.Errorf("%s -> %s should be legal: %v", pair[0], pair[1], err)
		}
		if s.Status() != pair[1] {
			t.Errorf("status after transition = %s, want %s", s.Status(), pair[1])
		}
	}

	illegal := [][2]TaskStatus{
		{StatusIdle, StatusActing},
		{StatusIdle, StatusCompleted},
		{StatusActing, StatusReasoning},
		{StatusActing, StatusCompleted},
		{StatusObserving, StatusCompleted},
		{StatusVerifying, StatusFailed},
		{StatusVerifying, StatusActing},
		{StatusCompleted, StatusReasoning},
		{StatusFailed, StatusReasoning},
		{StatusModelSwitching, StatusActing},
		{StatusWaitingUser, StatusActing},
	}
	for _, pair := range illegal {
		s := &TaskState{status: pair[0]}
		err := s.Transition(pair[1])
		if err == nil {
			t.Errorf("%s -> %s should be illegal", pair[0], pair[1])
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Errorf("error type = %T, want *TransitionError", err)
		}
		if s.Status() != pair[0] {
			t.Errorf("illegal transition moved state to %s", s.Status())
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{StatusIdle, StatusReasoning, StatusActing, StatusObserving, StatusVerifying, StatusWaitingUser, StatusModelSwitching}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCancelIsSticky(t *testing.T) {
	s := NewTaskState("k")
	if s.Cancelled() {
		t.Fatal("fresh state is cancelled")
	}
	s.Cancel("用户停止")
	s.Cancel("第二次")
	if !s.Cancelled() {
		t.Fatal("Cancel did not stick")
	}
	if s.CancelReason() != "用户停止" {
		t.Errorf("reason = %q, want the first one", s.CancelReason())
	}
}

func TestSignatureRingBounded(t *testing.T) {
	s := NewTaskState("k")
	for i := 0; i < 20; i++ {
		s.PushSignature("same")
	}
	if _, count := s.TopSignature(); count != maxRecentSignatures {
		t.Errorf("ring count = %d, want %d", count, maxRecentSignatures)
	}

	s2 := NewTaskState("k")
	s2.PushSignature("a")
	s2.PushSignature("b")
	s2.PushSignature("a")
	top, count := s2.TopSignature()
	if top != "a" || count != 2 {
		t.Errorf("top = %q count = %d, want a/2", top, count)
	}
}

func TestResetForModelSwitch(t *testing.T) {
	s := NewTaskState("k")
	s.CurrentModel = "old"
	s.RecordTool("shell_exec")
	s.NoToolCallCount = 2
	s.VerifyIncompleteCount = 1
	s.NoConfirmationTextCount = 1
	s.ConsecutiveToolRounds = 7
	s.PushSignature("sig")

	s.ResetForModelSwitch("new")

	if s.CurrentModel != "new" {
		t.Errorf("model = %q", s.CurrentModel)
	}
	if s.ToolsExecutedInTask || len(s.ToolsExecuted) != 0 {
		t.Error("executed-tool tracking survived the switch")
	}
	if s.NoToolCallCount != 0 || s.VerifyIncompleteCount != 0 || s.NoConfirmationTextCount != 0 || s.ConsecutiveToolRounds != 0 {
		t.Error("counters survived the switch")
	}
	if _, count := s.TopSignature(); count != 0 {
		t.Error("signature ring survived the switch")
	}
}

func TestRecordToolMarksExecution(t *testing.T) {
	s := NewTaskState("k")
	if s.ToolsExecutedInTask {
		t.Fatal("fresh state claims tools executed")
	}
	s.RecordTool("a")
	s.RecordTool("b")
	s.RecordTool("a")
	if !s.ToolsExecutedInTask {
		t.Error("ToolsExecutedInTask not set")
	}
	if len(s.ToolsExecuted) != 3 || s.ToolsExecuted[2] != "a" {
		t.Errorf("ToolsExecuted = %v", s.ToolsExecuted)
	}
}
