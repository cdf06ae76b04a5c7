package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds one remote reasoning turn before the master
// reclaims it.
const DefaultRequestTimeout = 5 * time.Minute

// LocalHandler runs a request in-process when no worker can take it.
type LocalHandler func(ctx context.Context, req *RequestPayload) (string, error)

// MasterConfig tunes the master.
type MasterConfig struct {
	// ID is the master's agent id; defaults to "master".
	ID string

	// ListenAddr is the control bus listen address.
	ListenAddr string

	// MinWorkers is the pool floor; a dead worker below it triggers a
	// replacement spawn.
	MinWorkers int

	// RequestTimeout bounds a dispatched request. Default 5m.
	RequestTimeout time.Duration

	// HeartbeatInterval is the liveness sweep period. Default 5s.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

// Master owns the hub, the registry, and request routing.
type Master struct {
	cfg      MasterConfig
	hub      *Hub
	registry *Registry
	local    LocalHandler
	logger   *slog.Logger

	// spawn launches a replacement worker process; swapped in tests.
	spawn func() error

	mu      sync.Mutex
	pending map[string]*pendingRequest // keyed by correlation id

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// pendingRequest is one dispatched command awaiting a worker response.
type pendingRequest struct {
	payload  RequestPayload
	workerID string
	result   chan ResponsePayload
}

// NewMaster wires a master over its hub and registry. local handles requests
// when no worker is available; it must not be nil.
func NewMaster(cfg MasterConfig, registry *Registry, local LocalHandler) *Master {
	if cfg.ID == "" {
		cfg.ID = "master"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Master{
		cfg:      cfg,
		hub:      NewHub(cfg.Logger),
		registry: registry,
		local:    local,
		logger:   cfg.Logger.With("component", "cluster_master"),
		pending:  make(map[string]*pendingRequest),
		stop:     make(chan struct{}),
	}
	m.spawn = m.spawnWorkerProcess
	m.hub.OnEnvelope(m.handleEnvelope)
	m.hub.OnDisconnect(func(agentID string) {
		// Losing the connection is treated like a missed heartbeat burst;
		// the next sweep (or this call) reclaims its work.
		if agent, ok := m.registry.Get(agentID); ok && agent.Status != AgentDead {
			m.registry.SetStatus(agentID, AgentDead, agent.CurrentTask)
			m.handleDeadWorker(agent)
		}
	})
	registry.OnDead(m.handleDeadWorker)
	return m
}

// Registry exposes the member table for status commands.
func (m *Master) Registry() *Registry { return m.registry }

// BusAddr returns the control bus's bound address once started.
func (m *Master) BusAddr() string { return m.hub.Addr() }

// Start launches the bus and the liveness sweep.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.hub.Start(m.cfg.ListenAddr); err != nil {
		return err
	}
	m.registry.Register(&AgentInfo{ID: m.cfg.ID, Type: AgentMaster, Status: AgentBusy})

	m.wg.Add(1)
	go m.sweepLoop()
	return nil
}

// Stop halts the sweep and the bus.
func (m *Master) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
	return m.hub.Stop(ctx)
}

func (m *Master) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.registry.CheckHeartbeats()
		}
	}
}

// HandleRequest routes one reasoning turn: to an idle worker when the pool
// has one, otherwise in-process. A dispatched request that times out falls
// back to local execution.
func (m *Master) HandleRequest(ctx context.Context, req *RequestPayload) (string, error) {
	worker, ok := m.registry.ClaimIdleAgent(req.SessionKey)
	if !ok {
		return m.local(ctx, req)
	}
	if !m.hub.Connected(worker.ID) {
		m.registry.SetStatus(worker.ID, AgentIdle, "")
		return m.local(ctx, req)
	}

	resp, err := m.dispatch(ctx, worker.ID, req)
	if err != nil {
		m.logger.Warn("remote dispatch failed, running locally",
			"worker", worker.ID, "session", req.SessionKey, "error", err)
		return m.local(ctx, req)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("worker %s: %s", worker.ID, resp.Error)
	}
	return resp.Reply, nil
}

// dispatch sends the request to one worker and waits for its response.
func (m *Master) dispatch(ctx context.Context, workerID string, req *RequestPayload) (*ResponsePayload, error) {
	payload, err := busJSON.Marshal(req)
	if err != nil {
		return nil, err
	}
	env := NewEnvelope(m.cfg.ID, workerID, TypeCommand, CmdHandleRequest, payload)
	env.CorrelationID = uuid.NewString()

	p := &pendingRequest{
		payload:  *req,
		workerID: workerID,
		result:   make(chan ResponsePayload, 1),
	}
	m.mu.Lock()
	m.pending[env.CorrelationID] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, env.CorrelationID)
		m.mu.Unlock()
	}()

	if err := m.hub.Send(workerID, env); err != nil {
		m.registry.SetStatus(workerID, AgentIdle, "")
		return nil, err
	}

	select {
	case resp := <-p.result:
		return &resp, nil
	case <-time.After(m.cfg.RequestTimeout):
		m.registry.SetStatus(workerID, AgentIdle, "")
		return nil, fmt.Errorf("request timed out after %s", m.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleEnvelope is the hub's inbound frame handler.
func (m *Master) handleEnvelope(peerID string, env *Envelope) {
	switch env.Type {
	case TypeCommand:
		if env.CommandType == CmdRegister {
			var reg RegisterPayload
			if err := busJSON.Unmarshal(env.Payload, &reg); err != nil {
				m.logger.Warn("malformed register payload", "peer", peerID, "error", err)
				return
			}
			m.registry.Register(&reg.Agent)
		}
	case TypeHeartbeat:
		var hb HeartbeatPayload
		if err := busJSON.Unmarshal(env.Payload, &hb); err != nil {
			return
		}
		m.registry.Heartbeat(env.SenderID, hb)
	case TypeResponse:
		var resp ResponsePayload
		if err := busJSON.Unmarshal(env.Payload, &resp); err != nil {
			m.logger.Warn("malformed response payload", "peer", peerID, "error", err)
			return
		}
		m.mu.Lock()
		p, ok := m.pending[env.CorrelationID]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("response for unknown request dropped",
				"correlation_id", env.CorrelationID)
			return
		}
		m.registry.RecordOutcome(p.workerID, resp.Error == "")
		p.result <- resp
	}
}

// handleDeadWorker reclaims a dead worker's in-flight request and tops the
// pool back up.
func (m *Master) handleDeadWorker(agent *AgentInfo) {
	if agent.Type == AgentMaster {
		return
	}

	m.mu.Lock()
	var orphans []*pendingRequest
	for _, p := range m.pending {
		if p.workerID == agent.ID {
			orphans = append(orphans, p)
		}
	}
	m.mu.Unlock()

	for _, p := range orphans {
		p := p
		go func() {
			m.logger.Warn("reclaiming request from dead worker",
				"worker", agent.ID, "session", p.payload.SessionKey)
			reply, err := m.local(context.Background(), &p.payload)
			resp := ResponsePayload{SessionKey: p.payload.SessionKey, Reply: reply}
			if err != nil {
				resp.Error = err.Error()
			}
			// The dispatcher may have timed out already; don't block.
			select {
			case p.result <- resp:
			default:
			}
		}()
	}

	if m.liveWorkers() < m.cfg.MinWorkers {
		m.logger.Info("spawning replacement worker", "dead", agent.ID)
		if err := m.spawn(); err != nil {
			m.logger.Error("spawn replacement failed", "error", err)
		}
	}
}

func (m *Master) liveWorkers() int {
	n := 0
	for _, agent := range m.registry.List() {
		if agent.Type != AgentMaster && agent.Status != AgentDead {
			n++
		}
	}
	return n
}

// spawnWorkerProcess launches `praxis worker` as a detached child pointed at
// this master's bus.
func (m *Master) spawnWorkerProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "worker", "--master", "ws://"+m.cfg.ListenAddr+"/cluster")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		// Reap the child so it never zombies.
		_ = cmd.Wait()
	}()
	return nil
}
