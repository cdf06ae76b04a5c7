package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// heartbeatInterval is how often a worker refreshes its liveness. Kept well
// under the registry's dead-marking timeout.
const heartbeatInterval = 5 * time.Second

// WorkerConfig tunes a worker process.
type WorkerConfig struct {
	// ID defaults to a generated worker-<uuid> id.
	ID string

	// MasterURL is the ws:// bus endpoint, e.g. ws://127.0.0.1:9100/cluster.
	MasterURL string

	// Capabilities advertises what this worker can do.
	Capabilities []string

	Logger *slog.Logger
}

// Worker is a cluster member that executes reasoning turns dispatched by the
// master.
type Worker struct {
	cfg     WorkerConfig
	client  *Client
	handler LocalHandler
	logger  *slog.Logger

	mu          sync.Mutex
	currentTask string
	completed   int
	failed      int

	stopping atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewWorker builds a worker that runs requests through handler.
func NewWorker(cfg WorkerConfig, handler LocalHandler) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "cluster_worker", "agent", cfg.ID),
		stop:    make(chan struct{}),
	}
}

// ID returns the worker's agent id.
func (w *Worker) ID() string { return w.cfg.ID }

// Run connects to the master, registers, and serves dispatched requests
// until the connection drops, ctx is cancelled, or Shutdown arrives.
func (w *Worker) Run(ctx context.Context) error {
	w.client = NewClient(w.cfg.ID, w.cfg.MasterURL, w.cfg.Logger)
	w.client.OnEnvelope(w.handleEnvelope)
	if err := w.client.Connect(ctx); err != nil {
		return err
	}
	defer w.client.Close()

	if err := w.register(); err != nil {
		return err
	}
	w.logger.Info("worker online", "master", w.cfg.MasterURL)

	w.wg.Add(1)
	go w.heartbeatLoop()

	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-w.client.Done():
		if !w.stopping.Load() {
			w.logger.Warn("bus connection lost")
		}
	}
	w.stopping.Store(true)
	_ = w.client.Close()
	w.wg.Wait()
	return nil
}

func (w *Worker) register() error {
	payload, err := busJSON.Marshal(RegisterPayload{Agent: AgentInfo{
		ID:           w.cfg.ID,
		Type:         AgentWorker,
		Status:       AgentIdle,
		Capabilities: w.cfg.Capabilities,
	}})
	if err != nil {
		return err
	}
	return w.client.Send(NewEnvelope(w.cfg.ID, "", TypeCommand, CmdRegister, payload))
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-w.client.Done():
			return
		case <-ticker.C:
			if err := w.sendHeartbeat(); err != nil && !w.stopping.Load() {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) sendHeartbeat() error {
	w.mu.Lock()
	hb := HeartbeatPayload{
		Status:         AgentIdle,
		CurrentTask:    w.currentTask,
		TasksCompleted: w.completed,
		TasksFailed:    w.failed,
	}
	if w.currentTask != "" {
		hb.Status = AgentBusy
	}
	w.mu.Unlock()

	payload, err := busJSON.Marshal(hb)
	if err != nil {
		return err
	}
	return w.client.Send(NewEnvelope(w.cfg.ID, "", TypeHeartbeat, "", payload))
}

func (w *Worker) handleEnvelope(peerID string, env *Envelope) {
	if env.Type != TypeCommand {
		return
	}
	switch env.CommandType {
	case CmdHandleRequest:
		var req RequestPayload
		if err := busJSON.Unmarshal(env.Payload, &req); err != nil {
			w.respond(env, &ResponsePayload{Error: fmt.Sprintf("malformed request: %v", err)})
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runRequest(env, &req)
		}()
	case CmdShutdown:
		w.logger.Info("shutdown command received")
		w.stopping.Store(true)
		close(w.stop)
	}
}

func (w *Worker) runRequest(env *Envelope, req *RequestPayload) {
	w.mu.Lock()
	w.currentTask = req.SessionKey
	w.mu.Unlock()

	reply, err := w.handler(context.Background(), req)

	w.mu.Lock()
	w.currentTask = ""
	if err != nil {
		w.failed++
	} else {
		w.completed++
	}
	w.mu.Unlock()

	resp := &ResponsePayload{SessionKey: req.SessionKey, Reply: reply}
	if err != nil {
		resp.Error = err.Error()
	}
	w.respond(env, resp)
}

func (w *Worker) respond(cmd *Envelope, resp *ResponsePayload) {
	payload, err := busJSON.Marshal(resp)
	if err != nil {
		w.logger.Error("marshal response failed", "error", err)
		return
	}
	env := NewEnvelope(w.cfg.ID, cmd.SenderID, TypeResponse, "", payload)
	env.CorrelationID = cmd.CorrelationID
	if err := w.client.Send(env); err != nil && !w.stopping.Load() {
		w.logger.Error("send response failed", "error", err)
	}
}
