package agent

import (
	"strings"
	"testing"
)

func TestLogBufferSinceMark(t *testing.T) {
	buf := NewLogBuffer()
	buf.Append("before")
	mark := buf.Len()
	buf.Append("line 1")
	buf.Append("line 2")

	got := buf.Since(mark)
	if len(got) != 2 || got[0] != "line 1" || got[1] != "line 2" {
		t.Errorf("Since = %v", got)
	}
	if lines := buf.Since(buf.Len()); lines != nil {
		t.Errorf("Since(current len) = %v, want nil", lines)
	}
}

func TestLogBufferTailCap(t *testing.T) {
	buf := NewLogBuffer()
	mark := buf.Len()
	for i := 0; i < 30; i++ {
		buf.Append("line")
	}
	if got := buf.Since(mark); len(got) != logTailLines {
		t.Errorf("tail = %d lines, want %d", len(got), logTailLines)
	}
}

func TestLogBufferEviction(t *testing.T) {
	buf := NewLogBuffer()
	for i := 0; i < logBufferCap+50; i++ {
		buf.Append("x")
	}
	if buf.Len() != logBufferCap {
		t.Errorf("len = %d, want %d", buf.Len(), logBufferCap)
	}
}

func TestLogBufferCapturesWarnings(t *testing.T) {
	buf := NewLogBuffer()
	logger := buf.Logger(nil)

	logger.Info("quiet info")
	logger.Warn("browser crashed", "pid", 42)
	logger.Error("restart failed")

	lines := buf.Since(0)
	if len(lines) != 2 {
		t.Fatalf("captured = %d lines, want warn+error only: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "browser crashed") || !strings.Contains(lines[0], "pid=42") {
		t.Errorf("warn line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "restart failed") {
		t.Errorf("error line = %q", lines[1])
	}
}

func TestLogBufferLoggerWith(t *testing.T) {
	buf := NewLogBuffer()
	logger := buf.Logger(nil).With("component", "browser")
	logger.Warn("timeout")

	lines := buf.Since(0)
	if len(lines) != 1 || !strings.Contains(lines[0], "component=browser") {
		t.Errorf("lines = %v", lines)
	}
}
