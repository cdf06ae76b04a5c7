package agent

import (
	"sync"
	"time"
)

// switchAfterTimeouts is how many accumulated LLM timeouts make the monitor
// request a model switch.
const switchAfterTimeouts = 2

// TaskMonitor watches one task's LLM-call health. It owns the retry budget
// for failed calls, decides when the active model should be abandoned for
// the fallback, and flags overruns for retrospection.
type TaskMonitor struct {
	mu sync.Mutex

	startedAt     time.Time
	fallbackModel string

	maxRetries  int
	retriesUsed int

	llmTimeouts     int
	switchRequested bool
	switched        bool

	overrun bool
}

// NewTaskMonitor creates a monitor. fallbackModel may be empty, in which
// case model switches always fail and errors propagate after the retry
// budget. maxRetries is the per-task LLM retry budget.
func NewTaskMonitor(fallbackModel string, maxRetries int) *TaskMonitor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TaskMonitor{
		startedAt:     time.Now(),
		fallbackModel: fallbackModel,
		maxRetries:    maxRetries,
	}
}

// GrantRetry consumes one retry from the budget. Returns false once the
// budget is exhausted.
func (m *TaskMonitor) GrantRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retriesUsed >= m.maxRetries {
		return false
	}
	m.retriesUsed++
	return true
}

// RecordLLMTimeout notes one timed-out LLM call. Enough of them make the
// monitor request a model switch.
func (m *TaskMonitor) RecordLLMTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmTimeouts++
	if m.llmTimeouts >= switchAfterTimeouts && !m.switched {
		m.switchRequested = true
	}
}

// RequestSwitch forces a model switch on the next engine gate check.
func (m *TaskMonitor) RequestSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.switched {
		m.switchRequested = true
	}
}

// ShouldSwitchModel reports whether a switch is due and not yet performed.
func (m *TaskMonitor) ShouldSwitchModel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchRequested && !m.switched && m.fallbackModel != ""
}

// FallbackModel returns the model to switch to.
func (m *TaskMonitor) FallbackModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackModel
}

// MarkSwitched records a completed switch; only one is performed per task.
func (m *TaskMonitor) MarkSwitched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switched = true
	m.switchRequested = false
}

// Switched reports whether a model switch happened during this task.
func (m *TaskMonitor) Switched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switched
}

// DeclareOverrun marks the task as having exhausted its iteration budget.
func (m *TaskMonitor) DeclareOverrun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrun = true
}

// Overrun reports whether the task overran.
func (m *TaskMonitor) Overrun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrun
}

// Elapsed returns the task's wall-clock age.
func (m *TaskMonitor) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.startedAt)
}
