package history

import (
	"testing"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

func TestAppendAndTail(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	key := "telegram:100:42"
	for i, text := range []string{"你好", "hi there", "再见"} {
		err := r.Append(key, Record{
			Time: time.Date(2025, 7, 1, 10, i, 0, 0, time.UTC),
			Role: "user",
			Text: text,
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := r.Tail(key, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Tail returned %d records, want 2", len(got))
	}
	if got[0].Text != "hi there" || got[1].Text != "再见" {
		t.Errorf("tail = %q, %q", got[0].Text, got[1].Text)
	}
}

func TestTailMissingFile(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	got, err := r.Tail("no:such:session", 10)
	if err != nil {
		t.Fatalf("Tail on missing file: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Tail on missing file returned %d records", len(got))
	}
}

func TestAppendMessageSkipsToolResultEnvelopes(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	key := "cli:local:user"

	envelope := &models.Message{
		Role:        models.RoleUser,
		ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "ok"}},
	}
	if err := r.AppendMessage(key, envelope); err != nil {
		t.Fatalf("AppendMessage envelope: %v", err)
	}

	assistant := &models.Message{
		Role:      models.RoleAssistant,
		Content:   "done",
		ToolCalls: []models.ToolCall{{ID: "t1", Name: "shell_exec"}},
	}
	if err := r.AppendMessage(key, assistant); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	got, err := r.Tail(key, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1 (envelope skipped)", len(got))
	}
	if got[0].Role != "assistant" || len(got[0].Tools) != 1 || got[0].Tools[0] != "shell_exec" {
		t.Errorf("record = %+v", got[0])
	}
}

func TestSafeNameSanitizesKey(t *testing.T) {
	if got := safeName("a:b/c\\d"); got != "a_b_c_d" {
		t.Errorf("safeName = %q", got)
	}
	if got := safeName(""); got != "_" {
		t.Errorf("safeName empty = %q", got)
	}
}
