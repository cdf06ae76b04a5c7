// Package sessions owns conversation state: an in-memory session map keyed
// by channel:chat_id:user_id with O(1) lookup, bounded history with
// summarizing truncation, background expiry sweeps, and dirty-flag debounced
// atomic persistence to data/sessions/sessions.json.
//
// Sessions are singletons per key. All mutations must go through Manager
// methods so the dirty flag and user/assistant alternation stay intact.
package sessions

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/history"
	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	// DefaultMaxHistory is the message window kept per session before the
	// earliest quartile is trimmed into a summary.
	DefaultMaxHistory = 100

	// DefaultSessionTimeout is the idle time after which a session expires.
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultCleanupInterval is how often the expiry sweep runs.
	DefaultCleanupInterval = 300 * time.Second

	// DefaultSaveDelay is the debounce interval of the persistence loop.
	DefaultSaveDelay = 5 * time.Second
)

// Config tunes a Manager. Zero values take the package defaults.
type Config struct {
	// DataDir is the state root; sessions persist to
	// DataDir/sessions/sessions.json and eviction summaries append to
	// DataDir/session_summaries.json.
	DataDir string

	// MaxHistory is the default per-session message window. A session's own
	// Config.MaxHistory overrides it.
	MaxHistory int

	// SessionTimeout is the default idle expiry. A session's own
	// Config.TimeoutMinutes overrides it.
	SessionTimeout time.Duration

	// CleanupInterval is the expiry sweep period.
	CleanupInterval time.Duration

	// SaveDelay is the persistence debounce period.
	SaveDelay time.Duration

	// Defaults seeds the config of newly created sessions.
	Defaults models.SessionConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// History, when set, mirrors every appended message to the per-session
	// conversation history log.
	History *history.Recorder
}

// Manager is the keyed address book of live conversations.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	dirty    bool

	cfg           Config
	path          string
	summariesPath string
	logger        *slog.Logger

	// now is swapped in tests to drive expiry.
	now func() time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager builds a Manager and loads any persisted sessions, purging
// stale context per the load policy. Background loops start with Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dir := filepath.Join(cfg.DataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create state dir: %w", err)
	}

	m := &Manager{
		sessions:      make(map[string]*models.Session),
		cfg:           cfg,
		path:          filepath.Join(dir, "sessions.json"),
		summariesPath: filepath.Join(cfg.DataDir, "session_summaries.json"),
		logger:        cfg.Logger.With("component", "sessions"),
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the cleanup and debounced-save loops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.saveLoop()
}

// Stop halts the background loops and drains one final save.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return m.saveIfDirty()
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
	return m.saveIfDirty()
}

// GetSession resolves a session by its composite key. An expired hit is
// evicted and treated as a miss. On miss, a new session is created only when
// createIfMissing is set; otherwise nil.
func (m *Manager) GetSession(channel models.ChannelType, chatID, userID string, createIfMissing bool) *models.Session {
	key := models.SessionKey(channel, chatID, userID)
	nowTime := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		if s.Expired(nowTime, m.cfg.SessionTimeout) {
			s.State = models.SessionExpired
			m.evictLocked(key, "expired")
		} else {
			s.Touch(nowTime)
			m.dirty = true
			return s
		}
	}

	if !createIfMissing {
		return nil
	}

	s := &models.Session{
		ID:         uuid.NewString(),
		Channel:    channel,
		ChatID:     chatID,
		UserID:     userID,
		Key:        key,
		State:      models.SessionActive,
		Config:     m.mergedConfig(),
		CreatedAt:  nowTime,
		LastActive: nowTime,
	}
	m.sessions[key] = s
	m.dirty = true
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionStarted(string(channel))
	}
	m.logger.Debug("session created", "key", key, "id", s.ID)
	return s
}

// mergedConfig copies the manager defaults into a fresh per-session config.
func (m *Manager) mergedConfig() models.SessionConfig {
	cfg := m.cfg.Defaults
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = m.cfg.MaxHistory
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = int(m.cfg.SessionTimeout / time.Minute)
	}
	return cfg
}

// AddMessage appends a message to the session history, trims the window when
// it overflows, and mirrors the message to the conversation history log.
func (m *Manager) AddMessage(s *models.Session, msg *models.Message) {
	if s == nil || msg == nil {
		return
	}
	nowTime := m.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowTime
	}

	m.mu.Lock()
	s.Context.Messages = append(s.Context.Messages, msg)
	maxHistory := s.Config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = m.cfg.MaxHistory
	}
	if trimmed := trimHistory(&s.Context, maxHistory); trimmed > 0 {
		m.logger.Debug("history trimmed", "key", s.Key, "dropped", trimmed)
	}
	s.Touch(nowTime)
	m.dirty = true
	m.mu.Unlock()

	if m.cfg.History != nil {
		if err := m.cfg.History.AppendMessage(s.Key, msg); err != nil {
			m.logger.Warn("history mirror failed", "key", s.Key, "error", err)
		}
	}
}

// Update runs fn on the session under the manager lock and marks state
// dirty. Use it for variable and metadata mutations so persistence observes
// them.
func (m *Manager) Update(s *models.Session, fn func(*models.Session)) {
	if s == nil || fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(s)
	m.dirty = true
}

// MarkDirty flags in-memory state as needing a save on the next loop tick.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Close marks the session closed and evicts it immediately.
func (m *Manager) Close(s *models.Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = models.SessionClosed
	m.evictLocked(s.Key, "closed")
	m.dirty = true
}

// List snapshots the live session set. The returned sessions are the
// singletons themselves; mutate them only through Manager methods.
func (m *Manager) List() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// evictLocked removes a session from the map, records its eviction summary,
// and updates the live-session gauge. Callers hold m.mu.
func (m *Manager) evictLocked(key, reason string) {
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	delete(m.sessions, key)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionEnded(string(s.Channel))
	}
	if err := m.appendEvictionSummary(s, reason); err != nil {
		m.logger.Warn("eviction summary append failed", "key", key, "error", err)
	}
	m.logger.Debug("session evicted", "key", key, "reason", reason)
}

// cleanupLoop expires idle sessions and evicts expired/closed ones.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep performs one cleanup pass.
func (m *Manager) sweep() {
	nowTime := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		if s.Expired(nowTime, m.cfg.SessionTimeout) {
			s.State = models.SessionExpired
		}
		if s.State == models.SessionExpired || s.State == models.SessionClosed {
			m.evictLocked(key, string(s.State))
			m.dirty = true
		}
	}
}

// saveLoop persists state whenever the dirty flag is set, at most once per
// SaveDelay.
func (m *Manager) saveLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SaveDelay)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.saveIfDirty(); err != nil {
				m.logger.Error("session save failed", "error", err)
			}
		}
	}
}

// saveIfDirty clears the dirty flag and writes a snapshot. A failed write
// re-arms the flag so the next tick retries.
func (m *Manager) saveIfDirty() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	m.dirty = false
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.write(snapshot); err != nil {
		m.MarkDirty()
		return err
	}
	return nil
}
