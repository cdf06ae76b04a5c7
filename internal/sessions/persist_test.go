package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/praxisworks/praxis/pkg/models"
)

// writeStateFile handcrafts a persisted session array for load tests.
func writeStateFile(t *testing.T, dataDir string, sessions []*models.Session) {
	t.Helper()
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func fixtureSession(channel models.ChannelType, chatID string, lastActive time.Time) *models.Session {
	return &models.Session{
		ID:         "sess-" + chatID,
		Channel:    channel,
		ChatID:     chatID,
		UserID:     "u1",
		Key:        models.SessionKey(channel, chatID, "u1"),
		State:      models.SessionActive,
		CreatedAt:  lastActive.Add(-time.Hour),
		LastActive: lastActive,
	}
}

func TestSaveWritesJSONArray(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{DataDir: dir})
	m.GetSession(models.ChannelCLI, "c", "u", true)

	if err := m.saveIfDirty(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var arr []*models.Session
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("state is not a JSON array: %v", err)
	}
	if len(arr) != 1 || arr[0].Key != "cli:c:u" {
		t.Errorf("persisted sessions = %+v", arr)
	}
}

func TestSaveKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{DataDir: dir})

	m.GetSession(models.ChannelCLI, "first", "u", true)
	if err := m.saveIfDirty(); err != nil {
		t.Fatalf("first save: %v", err)
	}
	m.GetSession(models.ChannelCLI, "second", "u", true)
	if err := m.saveIfDirty(); err != nil {
		t.Fatalf("second save: %v", err)
	}

	backup, err := os.ReadFile(m.path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	var arr []*models.Session
	if err := json.Unmarshal(backup, &arr); err != nil {
		t.Fatalf("backup is not valid JSON: %v", err)
	}
	if len(arr) != 1 {
		t.Errorf("backup sessions = %d, want the previous generation (1)", len(arr))
	}
}

func TestSaveSkipsWhenClean(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.saveIfDirty(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(m.path); !os.IsNotExist(err) {
		t.Error("clean manager wrote a state file")
	}
}

func TestPersistStripsTransientMetadata(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{DataDir: dir})

	s := m.GetSession(models.ChannelTelegram, "c", "u", true)
	m.Update(s, func(s *models.Session) {
		s.Metadata = map[string]any{
			"_gateway":     struct{ F func() }{},
			"_session_key": s.Key,
			"note":         "保留",
			"broken":       make(chan int),
		}
		s.Context.Messages = append(s.Context.Messages, &models.Message{
			Role:    models.RoleUser,
			Content: "hi",
			Metadata: map[string]any{
				"_raw":               "drop me",
				"channel_message_id": "42",
			},
		})
	})

	if err := m.saveIfDirty(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	state := string(raw)
	for _, gone := range []string{"_gateway", "_session_key", "broken", "_raw"} {
		if strings.Contains(state, gone) {
			t.Errorf("transient key %q persisted", gone)
		}
	}
	for _, kept := range []string{`"note":"保留"`, `"channel_message_id":"42"`} {
		if !strings.Contains(state, kept) {
			t.Errorf("expected %s in persisted state", kept)
		}
	}

	// The live session keeps its transient metadata.
	if s.Metadata["_session_key"] != s.Key {
		t.Error("snapshot mutated the live session")
	}
}

func TestLoadMissingFile(t *testing.T) {
	m := newTestManager(t, Config{})
	if m.Len() != 0 {
		t.Errorf("Len() = %d on empty dir", m.Len())
	}
}

func TestLoadPurgesStaleContext(t *testing.T) {
	dir := t.TempDir()

	stale := fixtureSession(models.ChannelTelegram, "old", time.Now().Add(-2*time.Hour))
	stale.Context.Messages = []*models.Message{
		{Role: models.RoleUser, Content: "很久以前"},
		{Role: models.RoleAssistant, Content: "好的"},
	}
	fresh := fixtureSession(models.ChannelCLI, "new", time.Now().Add(-5*time.Minute))
	fresh.Context.Messages = []*models.Message{
		{Role: models.RoleUser, Content: "刚刚"},
	}
	writeStateFile(t, dir, []*models.Session{stale, fresh})

	m := newTestManager(t, Config{DataDir: dir})
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	got := m.GetSession(models.ChannelTelegram, "old", "u1", false)
	if got == nil {
		t.Fatal("stale session missing")
	}
	if len(got.Context.Messages) != 0 {
		t.Errorf("stale messages not purged: %d", len(got.Context.Messages))
	}
	if got.Context.Summary != archivedContextSummary {
		t.Errorf("summary = %q", got.Context.Summary)
	}

	kept := m.GetSession(models.ChannelCLI, "new", "u1", false)
	if kept == nil || len(kept.Context.Messages) != 1 {
		t.Error("fresh session lost its messages")
	}
}

func TestLoadScrubsOversizedToolResults(t *testing.T) {
	dir := t.TempDir()

	image := strings.Repeat("iVBORw0KGgoAAAANSUhEUgAA", 600)
	logText := strings.Repeat("连接超时，重试中\n", 1200)
	s := fixtureSession(models.ChannelTelegram, "scrub", time.Now().Add(-5*time.Minute))
	s.Context.Messages = []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "browser_screenshot"}}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "tc1", Content: image}}},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc2", Name: "shell_exec"}}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "tc2", Content: logText}}},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc3", Name: "http_fetch"}}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "tc3", Content: "小结果"}}},
	}
	writeStateFile(t, dir, []*models.Session{s})

	m := newTestManager(t, Config{DataDir: dir})
	got := m.GetSession(models.ChannelTelegram, "scrub", "u1", false)
	if got == nil {
		t.Fatal("session missing")
	}

	results := map[string]string{}
	for _, msg := range got.Context.Messages {
		for _, tr := range msg.ToolResults {
			results[tr.ToolCallID] = tr.Content
		}
	}

	if results["tc1"] != scrubbedImagePlaceholder {
		t.Errorf("image result not replaced: %.40q", results["tc1"])
	}
	if !strings.Contains(results["tc2"], "...[内容已截断") {
		t.Errorf("text result not head-truncated: %.40q", results["tc2"])
	}
	if len(results["tc2"]) >= len(logText) {
		t.Error("truncated result is not smaller than the original")
	}
	if results["tc3"] != "小结果" {
		t.Errorf("small result modified: %q", results["tc3"])
	}
}

func TestLoadRepairsBrokenPairing(t *testing.T) {
	dir := t.TempDir()

	s := fixtureSession(models.ChannelCLI, "broken", time.Now().Add(-time.Minute))
	s.Context.Messages = []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "http_fetch"},
			{ID: "tc2", Name: "shell_exec"},
		}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "tc1", Content: "ok"}}},
	}
	writeStateFile(t, dir, []*models.Session{s})

	m := newTestManager(t, Config{DataDir: dir})
	got := m.GetSession(models.ChannelCLI, "broken", "u1", false)
	if got == nil {
		t.Fatal("session missing")
	}
	if missing := ValidateToolCallPairing(got.Context.Messages); len(missing) != 0 {
		t.Errorf("pairing still broken after load: %v", missing)
	}
	if len(got.Context.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Context.Messages))
	}
	synth := got.Context.Messages[2]
	if synth.ToolResults[0].ToolCallID != "tc2" || !synth.ToolResults[0].IsError {
		t.Errorf("synthetic result wrong: %+v", synth.ToolResults)
	}
}

func TestLoadRecomputesMissingKey(t *testing.T) {
	dir := t.TempDir()
	s := fixtureSession(models.ChannelWeb, "kzip", time.Now())
	s.Key = ""
	writeStateFile(t, dir, []*models.Session{s})

	m := newTestManager(t, Config{DataDir: dir})
	if got := m.GetSession(models.ChannelWeb, "kzip", "u1", false); got == nil {
		t.Error("session with missing key not reachable")
	}
}

func TestLooksLikeBase64Image(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"data uri", "data:image/png;base64,iVBORw0KGgo=", true},
		{"png magic", strings.Repeat("iVBORw0KGgoAAAANSUhEUgAA", 10), true},
		{"jpeg magic", "/9j/4AAQSkZJRgABAQAAAQ" + strings.Repeat("A", 100), true},
		{"gif magic", "R0lGODlhAQABAIAAAP" + strings.Repeat("A", 100), true},
		{"long base64 run", strings.Repeat("QmFzZTY0RGF0YQ", 40), true},
		{"chinese text", strings.Repeat("这是一段正常的中文日志输出。", 50), false},
		{"html", "<html><body>" + strings.Repeat("hello world ", 50) + "</body></html>", false},
		{"short", "QUJD", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeBase64Image(tt.content); got != tt.want {
				t.Errorf("looksLikeBase64Image() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncateHeadPreservesRuneBoundary(t *testing.T) {
	content := strings.Repeat("汉", 1000)
	got := truncateHead(content)

	if !utf8.ValidString(got) {
		t.Error("truncation split a UTF-8 sequence")
	}
	if !strings.Contains(got, "...[内容已截断，原始 3000 字节]") {
		t.Errorf("missing truncation note: %.60q", got)
	}
	if len(got) > scrubHeadBytes+100 {
		t.Errorf("truncated content too large: %d bytes", len(got))
	}
}
