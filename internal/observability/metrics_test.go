package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMessageCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.MessageReceived("telegram")
	m.MessageReceived("telegram")
	m.MessageSent("telegram")
	m.MessageSent("discord")

	expected := `
		# HELP praxis_messages_total Total number of messages processed by channel and direction
		# TYPE praxis_messages_total counter
		praxis_messages_total{channel="discord",direction="outbound"} 1
		praxis_messages_total{channel="telegram",direction="inbound"} 2
		praxis_messages_total{channel="telegram",direction="outbound"} 1
	`
	if err := testutil.CollectAndCompare(m.MessageCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.5, 100, 50)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "timeout", 120, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4-5", "success")); got != 1 {
		t.Errorf("success count = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-5", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-5", "completion")); got != 50 {
		t.Errorf("completion tokens = %v", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordToolExecution("shell_exec", "success", 0.2)
	m.RecordToolExecution("shell_exec", "error", 0.1)
	m.RecordToolExecution("browser_navigate", "success", 3)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("shell_exec", "success")); got != 1 {
		t.Errorf("shell_exec success = %v", got)
	}
	if count := testutil.CollectAndCount(m.ToolExecutionDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestSessionGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionStarted("telegram")
	m.SessionStarted("telegram")
	m.SessionEnded("telegram")

	if got := testutil.ToFloat64(m.ActiveSessions.WithLabelValues("telegram")); got != 1 {
		t.Errorf("active sessions = %v", got)
	}
}

func TestSchedulerAndTaskCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSchedulerRun("reminder", "success")
	m.RecordSchedulerRun("task", "failure")
	m.RecordTaskOutcome("completed")
	m.RecordTaskOutcome("failed")
	m.RecordTaskOutcome("completed")

	if got := testutil.ToFloat64(m.SchedulerRunCounter.WithLabelValues("task", "failure")); got != 1 {
		t.Errorf("scheduler failure = %v", got)
	}
	if got := testutil.ToFloat64(m.TaskOutcomeCounter.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed tasks = %v", got)
	}
}

func TestRecordError(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordError("agent", "llm_timeout")
	m.RecordError("agent", "llm_timeout")
	m.RecordError("channel", "send_failed")

	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("agent", "llm_timeout")); got != 2 {
		t.Errorf("agent errors = %v", got)
	}
}
