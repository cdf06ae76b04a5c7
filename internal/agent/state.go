package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/pkg/models"
)

// TaskStatus is the reasoning engine's per-task state machine.
type TaskStatus string

const (
	StatusIdle           TaskStatus = "IDLE"
	StatusCompiling      TaskStatus = "COMPILING"
	StatusReasoning      TaskStatus = "REASONING"
	StatusActing         TaskStatus = "ACTING"
	StatusObserving      TaskStatus = "OBSERVING"
	StatusVerifying      TaskStatus = "VERIFYING"
	StatusCompleted      TaskStatus = "COMPLETED"
	StatusWaitingUser    TaskStatus = "WAITING_USER"
	StatusModelSwitching TaskStatus = "MODEL_SWITCHING"
	StatusFailed         TaskStatus = "FAILED"
	StatusCancelled      TaskStatus = "CANCELLED"
)

// legalTransitions is the complete transition table. Anything not listed is
// a programming error, not a recoverable condition.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusIdle:           {StatusCompiling, StatusReasoning},
	StatusCompiling:      {StatusReasoning, StatusFailed, StatusCancelled},
	StatusReasoning:      {StatusActing, StatusObserving, StatusVerifying, StatusCompleted, StatusWaitingUser, StatusModelSwitching, StatusFailed, StatusCancelled},
	StatusActing:         {StatusObserving, StatusWaitingUser, StatusFailed, StatusCancelled},
	StatusObserving:      {StatusReasoning, StatusVerifying, StatusFailed, StatusCancelled},
	StatusVerifying:      {StatusCompleted, StatusReasoning, StatusCancelled},
	StatusModelSwitching: {StatusReasoning, StatusFailed},
	StatusWaitingUser:    {StatusReasoning, StatusIdle, StatusCancelled},
	StatusCompleted:      {StatusIdle},
	StatusFailed:         {StatusIdle},
	StatusCancelled:      {StatusIdle},
}

// Terminal reports whether s is a terminal status. WAITING_USER is not
// terminal: in chat channels the task continues after a user reply.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TransitionError reports an illegal state transition. It is an
// assertion-class error: seeing one means the engine logic is wrong.
type TransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}

// maxRecentSignatures bounds the per-round tool signature ring used for
// loop detection.
const maxRecentSignatures = 8

// TaskState is the per-request ephemeral state of one reasoning task.
// Cancel/Cancelled and Status may be called from other goroutines and go
// through the lock; the counter fields are owned by the engine goroutine.
type TaskState struct {
	mu sync.Mutex

	TaskID    string
	SessionID string

	status       TaskStatus
	cancelled    bool
	cancelReason string

	CurrentModel          string
	Iteration             int
	ConsecutiveToolRounds int

	// ToolsExecuted lists tool names in execution order across the task.
	ToolsExecuted       []string
	ToolsExecutedInTask bool

	DeliveryReceipts []models.DeliveryReceipt

	NoToolCallCount         int
	VerifyIncompleteCount   int
	NoConfirmationTextCount int

	recentSignatures []string

	// LastBrowserURL salts read-state browser tool signatures so polling
	// the same page counts as a repeat.
	LastBrowserURL string

	// OriginalUserMessages is the human-turn snapshot used to reset the
	// conversation on a model switch.
	OriginalUserMessages []*models.Message
}

// NewTaskState begins a task in IDLE.
func NewTaskState(sessionID string) *TaskState {
	return &TaskState{
		TaskID:    uuid.NewString(),
		SessionID: sessionID,
		status:    StatusIdle,
	}
}

// Status returns the current status.
func (s *TaskState) Status() TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition moves the state machine to the target status, failing with a
// TransitionError when the move is not in the table.
func (s *TaskState) Transition(to TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range legalTransitions[s.status] {
		if allowed == to {
			s.status = to
			return nil
		}
	}
	return &TransitionError{From: s.status, To: to}
}

// Cancel requests cancellation. The engine observes it at its defined
// checkpoints; running tools are not killed.
func (s *TaskState) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		s.cancelReason = reason
	}
}

// Cancelled reports whether cancellation was requested.
func (s *TaskState) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// CancelReason returns the reason passed to Cancel.
func (s *TaskState) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

// RecordTool marks a tool as executed in this task.
func (s *TaskState) RecordTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolsExecuted = append(s.ToolsExecuted, name)
	s.ToolsExecutedInTask = true
}

// AddReceipts accumulates delivery receipts from a tool batch.
func (s *TaskState) AddReceipts(receipts []models.DeliveryReceipt) {
	if len(receipts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeliveryReceipts = append(s.DeliveryReceipts, receipts...)
}

// PushSignature records one round's tool signature in the bounded ring.
func (s *TaskState) PushSignature(sig string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentSignatures = append(s.recentSignatures, sig)
	if len(s.recentSignatures) > maxRecentSignatures {
		s.recentSignatures = s.recentSignatures[len(s.recentSignatures)-maxRecentSignatures:]
	}
}

// TopSignature returns the most common signature in the ring and its count.
func (s *TaskState) TopSignature() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.recentSignatures))
	top, best := "", 0
	for _, sig := range s.recentSignatures {
		counts[sig]++
		if counts[sig] > best {
			top, best = sig, counts[sig]
		}
	}
	return top, best
}

// ResetForModelSwitch clears everything the switched-to model must not
// inherit: counters, executed-tool tracking, and the signature ring.
func (s *TaskState) ResetForModelSwitch(newModel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentModel = newModel
	s.NoToolCallCount = 0
	s.ToolsExecutedInTask = false
	s.VerifyIncompleteCount = 0
	s.ToolsExecuted = nil
	s.ConsecutiveToolRounds = 0
	s.recentSignatures = nil
	s.NoConfirmationTextCount = 0
}
