// Package memory provides long-term memory persisted as a JSON file.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/storage"
)

// Kind classifies a memory entry.
type Kind string

const (
	// KindError records a failure pattern worth avoiding next time.
	KindError Kind = "error"
	// KindFact records a durable fact about the user or environment.
	KindFact Kind = "fact"
	// KindPreference records a stated user preference.
	KindPreference Kind = "preference"
)

// Entry is one long-term memory.
type Entry struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Source     string    `json:"source,omitempty"` // retrospect, user, tool
	CreatedAt  time.Time `json:"created_at"`
}

// Stats describes the state of the memory store.
type Stats struct {
	TotalEntries int          `json:"total_entries"`
	ByKind       map[Kind]int `json:"by_kind"`
	Path         string       `json:"path"`
}

// Manager stores memories in data/memories.json and answers keyword
// searches over them. All mutations are flushed atomically.
type Manager struct {
	mu         sync.RWMutex
	path       string
	entries    []*Entry
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "memory")
		}
	}
}

// WithMaxEntries caps the number of retained entries; the oldest are
// dropped first. Zero means unlimited.
func WithMaxEntries(n int) Option {
	return func(m *Manager) { m.maxEntries = n }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager loads (or creates) the memory store under dataDir.
func NewManager(dataDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path:   filepath.Join(dataDir, "memories.json"),
		logger: slog.Default().With("component", "memory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := storage.ReadJSON(m.path, &m.entries); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load memories: %w", err)
		}
	}
	return m, nil
}

// Add appends an entry and flushes the store. Missing ID and CreatedAt are
// filled in.
func (m *Manager) Add(ctx context.Context, e *Entry) error {
	if e == nil || strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("memory entry has no content")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	if e.Kind == "" {
		e.Kind = KindFact
	}

	m.mu.Lock()
	m.entries = append(m.entries, e)
	if m.maxEntries > 0 && len(m.entries) > m.maxEntries {
		m.entries = m.entries[len(m.entries)-m.maxEntries:]
	}
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Debug("memory added", "kind", e.Kind, "id", e.ID)
	return nil
}

// Search returns up to limit entries ranked by keyword overlap with the
// query. Tag hits weigh double. Ties break toward newer entries.
func (m *Manager) Search(ctx context.Context, query string, limit int) []*Entry {
	if limit <= 0 {
		limit = 10
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		entry *Entry
		score int
	}
	var hits []scored
	for _, e := range m.entries {
		content := strings.ToLower(e.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
			for _, tag := range e.Tags {
				if strings.Contains(strings.ToLower(tag), term) {
					score += 2
				}
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry: e, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.CreatedAt.After(hits[j].entry.CreatedAt)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}

// Stats returns counts by kind.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalEntries: len(m.entries),
		ByKind:       make(map[Kind]int),
		Path:         m.path,
	}
	for _, e := range m.entries {
		s.ByKind[e.Kind]++
	}
	return s
}

// All returns a snapshot of every entry, oldest first.
func (m *Manager) All() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Delete removes an entry by ID and flushes the store. Unknown IDs are a
// no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return m.saveLocked()
		}
	}
	return nil
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := storage.WriteJSONAtomic(m.path, m.entries); err != nil {
		return fmt.Errorf("save memories: %w", err)
	}
	return nil
}

// tokenize splits a query into lowercase search terms. CJK runs are kept
// whole so substring matching works without word boundaries.
func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
