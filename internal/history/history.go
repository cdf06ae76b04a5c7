// Package history mirrors conversation turns to per-session JSONL files so
// past dialogue survives session eviction and trimming.
package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/storage"
	"github.com/praxisworks/praxis/pkg/models"
)

// Record is one appended conversation turn.
type Record struct {
	Time     time.Time `json:"time"`
	Role     string    `json:"role"`
	Text     string    `json:"text,omitempty"`
	Thinking string    `json:"thinking,omitempty"`
	Tools    []string  `json:"tools,omitempty"` // tool names called in this turn
}

// Recorder appends records under <dataDir>/conversation_history/<key>.jsonl.
// Appends are serialized per recorder; files are plain JSONL so they can be
// tailed.
type Recorder struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewRecorder creates the history directory if needed.
func NewRecorder(dataDir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(dataDir, "conversation_history")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger.With("component", "history")}, nil
}

// Append writes one record to the session's log file.
func (r *Recorder) Append(sessionKey string, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := storage.AppendJSONL(r.pathFor(sessionKey), rec); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// AppendMessage converts a session message into a record and appends it.
// Tool-result envelopes are skipped; their content is transient.
func (r *Recorder) AppendMessage(sessionKey string, msg *models.Message) error {
	if msg == nil || msg.IsToolResultEnvelope() {
		return nil
	}
	rec := Record{
		Time: msg.CreatedAt,
		Role: string(msg.Role),
		Text: msg.Content,
	}
	for _, tc := range msg.ToolCalls {
		rec.Tools = append(rec.Tools, tc.Name)
	}
	return r.Append(sessionKey, rec)
}

// Tail returns up to limit most recent records for the session. A missing
// file yields an empty slice.
func (r *Recorder) Tail(sessionKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	err := storage.ReadJSONL(r.pathFor(sessionKey), func(line []byte) error {
		var rec Record
		if err := storage.UnmarshalLine(line, &rec); err != nil {
			return nil // skip torn lines
		}
		out = append(out, rec)
		if len(out) > limit {
			out = out[1:]
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// pathFor maps a session key to a filesystem-safe log path.
func (r *Recorder) pathFor(sessionKey string) string {
	return filepath.Join(r.dir, safeName(sessionKey)+".jsonl")
}

func safeName(key string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	name := replacer.Replace(key)
	if name == "" {
		name = "_"
	}
	return name
}
