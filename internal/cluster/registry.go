package cluster

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/storage"
)

// DefaultHeartbeatTimeout is how long a member may go silent before the
// registry marks it dead.
const DefaultHeartbeatTimeout = 15 * time.Second

// Registry tracks cluster members and their liveness. It persists to
// registry.json so a restarted master can report on the previous topology.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*AgentInfo

	path    string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// onDead fires outside the lock for each member newly marked dead.
	onDead func(agent *AgentInfo)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "cluster_registry")
		}
	}
}

// WithRegistryNow overrides the clock, for tests.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHeartbeatTimeout overrides the dead-marking threshold.
func WithHeartbeatTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// OnDead registers the callback invoked when a member is marked dead.
func (r *Registry) OnDead(fn func(agent *AgentInfo)) {
	r.mu.Lock()
	r.onDead = fn
	r.mu.Unlock()
}

// NewRegistry builds a registry persisting under dataDir.
func NewRegistry(dataDir string, opts ...RegistryOption) (*Registry, error) {
	dir := filepath.Join(dataDir, "cluster")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create state dir: %w", err)
	}
	r := &Registry{
		agents:  make(map[string]*AgentInfo),
		path:    filepath.Join(dir, "registry.json"),
		timeout: DefaultHeartbeatTimeout,
		logger:  slog.Default().With("component", "cluster_registry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register adds or replaces a member. A re-registering agent starts idle
// with a fresh heartbeat.
func (r *Registry) Register(agent *AgentInfo) {
	now := r.now()
	r.mu.Lock()
	entry := agent.Clone()
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = now
	}
	entry.LastHeartbeat = now
	if entry.Status == "" || entry.Status == AgentDead {
		entry.Status = AgentIdle
	}
	r.agents[entry.ID] = entry
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent", agent.ID, "type", agent.Type)
	r.persist()
}

// Unregister removes a member.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	r.logger.Info("agent unregistered", "agent", id)
	r.persist()
}

// Heartbeat refreshes a member's liveness and load counters. Unknown ids are
// ignored; the member must re-register.
func (r *Registry) Heartbeat(id string, hb HeartbeatPayload) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		agent.LastHeartbeat = r.now()
		if hb.Status != "" {
			agent.Status = hb.Status
		}
		agent.CurrentTask = hb.CurrentTask
		agent.TasksCompleted = hb.TasksCompleted
		agent.TasksFailed = hb.TasksFailed
	}
	r.mu.Unlock()
	return ok
}

// SetStatus updates a member's status and current task.
func (r *Registry) SetStatus(id string, status AgentStatus, currentTask string) {
	r.mu.Lock()
	if agent, ok := r.agents[id]; ok {
		agent.Status = status
		agent.CurrentTask = currentTask
	}
	r.mu.Unlock()
}

// RecordOutcome bumps a member's completion counters and frees it.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.mu.Lock()
	if agent, ok := r.agents[id]; ok {
		if success {
			agent.TasksCompleted++
		} else {
			agent.TasksFailed++
		}
		agent.CurrentTask = ""
		if agent.Status == AgentBusy {
			agent.Status = AgentIdle
		}
	}
	r.mu.Unlock()
	r.persist()
}

// Get returns a copy of a member's entry.
func (r *Registry) Get(id string) (*AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// List returns copies of all entries, ordered by id.
func (r *Registry) List() []*AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentInfo, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindIdleAgent returns the idle worker with the fewest completed tasks, so
// load spreads evenly across the pool.
func (r *Registry) FindIdleAgent() (*AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := r.findIdleLocked()
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// ClaimIdleAgent atomically picks the least-loaded idle worker and marks it
// busy on the given task, so concurrent dispatchers never claim the same
// worker.
func (r *Registry) ClaimIdleAgent(task string) (*AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := r.findIdleLocked()
	if best == nil {
		return nil, false
	}
	best.Status = AgentBusy
	best.CurrentTask = task
	return best.Clone(), true
}

func (r *Registry) findIdleLocked() *AgentInfo {
	var best *AgentInfo
	for _, agent := range r.agents {
		if agent.Type == AgentMaster || agent.Status != AgentIdle {
			continue
		}
		if best == nil || agent.TasksCompleted < best.TasksCompleted ||
			(agent.TasksCompleted == best.TasksCompleted && agent.ID < best.ID) {
			best = agent
		}
	}
	return best
}

// CheckHeartbeats marks members silent past the timeout as dead and fires
// the OnDead callback for each, outside the lock.
func (r *Registry) CheckHeartbeats() []*AgentInfo {
	cutoff := r.now().Add(-r.timeout)

	r.mu.Lock()
	var died []*AgentInfo
	for _, agent := range r.agents {
		if agent.Status == AgentDead || agent.Type == AgentMaster {
			continue
		}
		if agent.LastHeartbeat.Before(cutoff) {
			agent.Status = AgentDead
			died = append(died, agent.Clone())
		}
	}
	onDead := r.onDead
	r.mu.Unlock()

	for _, agent := range died {
		r.logger.Warn("agent marked dead",
			"agent", agent.ID, "last_heartbeat", agent.LastHeartbeat, "task", agent.CurrentTask)
		if onDead != nil {
			onDead(agent)
		}
	}
	if len(died) > 0 {
		r.persist()
	}
	return died
}

// registrySnapshot is the persisted file shape.
type registrySnapshot struct {
	Agents    []*AgentInfo `json:"agents"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (r *Registry) persist() {
	snapshot := registrySnapshot{Agents: r.List(), UpdatedAt: r.now()}
	if err := storage.WriteJSONAtomic(r.path, snapshot); err != nil {
		r.logger.Error("persist registry failed", "error", err)
	}
}
