package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/praxisworks/praxis/internal/storage"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	// staleContextAge is the idle age past which a loaded session has its
	// message history archived away.
	staleContextAge = time.Hour

	// oversizeToolResultBytes is the tool-result size above which loaded
	// content is scrubbed. Results this large are almost always screenshots
	// or raw page dumps that are useless after a restart.
	oversizeToolResultBytes = 10 * 1024

	// scrubHeadBytes is how much of an oversized non-image result survives
	// as a head-truncated placeholder.
	scrubHeadBytes = 1024
)

// archivedContextSummary replaces the history of sessions idle for more than
// staleContextAge at load time.
const archivedContextSummary = "之前的对话已归档（超过 1 小时未活跃）"

// scrubbedImagePlaceholder replaces oversized base64 image payloads at load
// time.
const scrubbedImagePlaceholder = "[图片数据已清理，请重新截图]"

// SessionSummary is the eviction record appended to
// data/session_summaries.json.
type SessionSummary struct {
	SessionID  string             `json:"session_id"`
	Key        string             `json:"key"`
	Channel    models.ChannelType `json:"channel"`
	ChatID     string             `json:"chat_id"`
	UserID     string             `json:"user_id"`
	Reason     string             `json:"reason"`
	Messages   int                `json:"messages"`
	Summary    string             `json:"summary,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	LastActive time.Time          `json:"last_active"`
	EvictedAt  time.Time          `json:"evicted_at"`
}

// appendEvictionSummary records why a session left the map.
func (m *Manager) appendEvictionSummary(s *models.Session, reason string) error {
	return storage.AppendJSONL(m.summariesPath, SessionSummary{
		SessionID:  s.ID,
		Key:        s.Key,
		Channel:    s.Channel,
		ChatID:     s.ChatID,
		UserID:     s.UserID,
		Reason:     reason,
		Messages:   len(s.Context.Messages),
		Summary:    s.Context.Summary,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
		EvictedAt:  m.now(),
	})
}

// snapshotLocked clones every session and strips transient state for
// serialization. Callers hold m.mu; the live sessions are never mutated.
func (m *Manager) snapshotLocked() []*models.Session {
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		clone := s.Clone()
		clone.Metadata = sanitizeMetadata(clone.Metadata)
		for _, msg := range clone.Context.Messages {
			msg.Metadata = sanitizeMetadata(msg.Metadata)
		}
		out = append(out, clone)
	}
	return out
}

// write persists the snapshot as a JSON array, atomically: temp file,
// re-parse verification, .bak of the previous state, rename.
func (m *Manager) write(snapshot []*models.Session) error {
	if err := storage.WriteJSONVerified(m.path, snapshot); err != nil {
		return fmt.Errorf("sessions: persist: %w", err)
	}
	return nil
}

// load reads persisted sessions, purges stale context, scrubs oversized
// tool results, and repairs tool call/result pairing.
func (m *Manager) load() error {
	var persisted []*models.Session
	if err := storage.ReadJSON(m.path, &persisted); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("sessions: load: %w", err)
	}

	nowTime := m.now()
	loaded, purged, scrubbed := 0, 0, 0
	for _, s := range persisted {
		if s == nil || s.Channel == "" {
			continue
		}
		if s.Key == "" {
			s.Key = models.SessionKey(s.Channel, s.ChatID, s.UserID)
		}

		if nowTime.Sub(s.LastActive) > staleContextAge {
			s.Context.Messages = nil
			s.Context.Summary = archivedContextSummary
			purged++
		} else {
			scrubbed += scrubOversizedToolResults(s.Context.Messages)
			report := RepairToolCallPairing(s.Context.Messages)
			if report.Added > 0 || report.DroppedDuplicates > 0 || report.DroppedOrphans > 0 || report.Moved {
				s.Context.Messages = report.Messages
				m.logger.Warn("transcript repaired on load",
					"key", s.Key,
					"added", report.Added,
					"dropped_duplicates", report.DroppedDuplicates,
					"dropped_orphans", report.DroppedOrphans,
					"moved", report.Moved)
			}
		}

		m.sessions[s.Key] = s
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.SessionStarted(string(s.Channel))
		}
		loaded++
	}

	if loaded > 0 {
		m.logger.Info("sessions loaded", "count", loaded, "purged", purged, "scrubbed_results", scrubbed)
	}
	return nil
}

// scrubOversizedToolResults replaces tool-result content above the size
// threshold: base64 image payloads become a re-screenshot hint, everything
// else keeps its head. Returns how many results were scrubbed.
func scrubOversizedToolResults(messages []*models.Message) int {
	scrubbed := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for i := range msg.ToolResults {
			tr := &msg.ToolResults[i]
			if len(tr.Content) <= oversizeToolResultBytes {
				continue
			}
			if looksLikeBase64Image(tr.Content) {
				tr.Content = scrubbedImagePlaceholder
			} else {
				tr.Content = truncateHead(tr.Content)
			}
			scrubbed++
		}
	}
	return scrubbed
}

// truncateHead keeps the first scrubHeadBytes of content, cut at a rune
// boundary, followed by a truncation note.
func truncateHead(content string) string {
	head := content
	if len(head) > scrubHeadBytes {
		head = head[:scrubHeadBytes]
		// Back off a partial UTF-8 sequence at the cut.
		for len(head) > 0 {
			if r, size := utf8.DecodeLastRuneInString(head); r == utf8.RuneError && size == 1 {
				head = head[:len(head)-1]
				continue
			}
			break
		}
	}
	return head + fmt.Sprintf("\n...[内容已截断，原始 %d 字节]", len(content))
}

// base64ImagePrefixes are magic-number prefixes of base64-encoded image
// formats (PNG, JPEG, GIF, RIFF/WebP).
var base64ImagePrefixes = []string{"iVBORw0KGgo", "/9j/", "R0lGOD", "UklGR"}

// looksLikeBase64Image reports whether content is an inline image payload:
// a data URI, a known image magic number in base64, or a long unbroken run
// of base64 alphabet.
func looksLikeBase64Image(content string) bool {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "data:image/") {
		return true
	}
	for _, prefix := range base64ImagePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}

	sample := trimmed
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if len(sample) < 64 {
		return false
	}
	base64Chars := 0
	for i := 0; i < len(sample); i++ {
		c := sample[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/' || c == '=' {
			base64Chars++
		}
	}
	return float64(base64Chars)/float64(len(sample)) > 0.95
}

// sanitizeMetadata drops transient keys (leading underscore) and values that
// do not survive JSON serialization. Returns nil when nothing remains.
func sanitizeMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
