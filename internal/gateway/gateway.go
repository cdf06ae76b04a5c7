// Package gateway fans channel adapters into one inbound queue, routes each
// message to a per-session worker, drives the agent handler, and streams the
// reply back through the adapter that produced the message.
//
// Ordering: messages for the same session key are processed strictly in
// arrival order by a dedicated worker goroutine; messages for different
// sessions run in parallel. Messages arriving while the session's task is
// waiting on ask_user land in the interrupt queue the reasoning engine polls.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/internal/sessions"
	"github.com/praxisworks/praxis/pkg/models"
)

// Transient session metadata keys stamped by the gateway on fetch. The
// leading underscore keeps them out of persistence; the reasoning engine and
// tools use them to reach back into the gateway at runtime.
const (
	MetaGateway    = "_gateway"
	MetaSessionKey = "_session_key"
)

// StopCommand cancels the session's in-flight task.
const StopCommand = "/stop"

const (
	stopAck    = "✅ 任务已停止。"
	stopNoTask = "当前没有正在执行的任务。"

	// sendFailedApology is the plain fallback sent when every delivery
	// attempt of the real reply failed.
	sendFailedApology = "抱歉，消息发送失败，请稍后再试。"

	// handlerFailedReply is returned to the user when the agent handler
	// itself errored.
	handlerFailedReply = "抱歉，处理您的消息时出现错误，请稍后再试。"
)

// Config tunes the gateway.
type Config struct {
	// QueueSize bounds the inbound fan-in queue. Default 256.
	QueueSize int

	// MaxReplyLength is the per-part reply limit; longer replies are split
	// at newline boundaries. Default 4000.
	MaxReplyLength int

	// SendRetries is how many delivery attempts each reply part gets.
	// Default 3.
	SendRetries int

	// SendRetryDelay is the pause between delivery attempts. Default 1s.
	SendRetryDelay time.Duration

	// TypingInterval is the cadence of the typing indicator while a message
	// is being processed. Default 4s.
	TypingInterval time.Duration

	// WorkerIdleAfter is how long a session worker lingers without traffic
	// before its goroutine exits. Default 5m.
	WorkerIdleAfter time.Duration

	// WorkerQueueSize bounds each session worker's inbox. Default 16.
	WorkerQueueSize int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func sanitizeConfig(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxReplyLength <= 0 {
		cfg.MaxReplyLength = 4000
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = 3
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = time.Second
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 4 * time.Second
	}
	if cfg.WorkerIdleAfter <= 0 {
		cfg.WorkerIdleAfter = 5 * time.Minute
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// AgentRequest is one unit of work handed to the agent handler. The gateway
// has already fetched the session, appended the user message to it, and
// created the task state it keeps for /stop.
type AgentRequest struct {
	Session *models.Session
	Message *models.UnifiedMessage
	State   *agent.TaskState
}

// AgentHandler produces the reply for one inbound message. Implemented by
// the orchestrator.
type AgentHandler func(ctx context.Context, req *AgentRequest) (string, error)

// PreHook runs before session dispatch and may substitute the message.
// Returning nil drops it.
type PreHook func(ctx context.Context, msg *models.UnifiedMessage) *models.UnifiedMessage

// PostHook runs on the agent reply before it is stored and sent.
type PostHook func(ctx context.Context, s *models.Session, reply string) string

// Gateway owns the adapter fan-in and the per-session dispatch machinery.
type Gateway struct {
	cfg      Config
	adapters *channels.Registry
	sessions *sessions.Manager
	handler  AgentHandler
	logger   *slog.Logger

	queue chan *models.UnifiedMessage

	hooksMu   sync.RWMutex
	preHooks  []PreHook
	postHooks []PostHook

	mu         sync.Mutex
	running    bool
	workers    map[string]*worker
	tasks      map[string]*agent.TaskState
	interrupts map[string][]string

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a gateway over the adapter registry and session manager.
func New(adapters *channels.Registry, sessionMgr *sessions.Manager, handler AgentHandler, cfg Config) *Gateway {
	cfg = sanitizeConfig(cfg)
	return &Gateway{
		cfg:        cfg,
		adapters:   adapters,
		sessions:   sessionMgr,
		handler:    handler,
		logger:     cfg.Logger.With("component", "gateway"),
		queue:      make(chan *models.UnifiedMessage, cfg.QueueSize),
		workers:    make(map[string]*worker),
		tasks:      make(map[string]*agent.TaskState),
		interrupts: make(map[string][]string),
		stop:       make(chan struct{}),
	}
}

// RegisterAdapter adds an adapter, attaches the gateway's message callback,
// and starts it when the gateway is already running.
func (g *Gateway) RegisterAdapter(ctx context.Context, adapter channels.Adapter) error {
	g.adapters.Register(adapter)
	adapter.OnMessage(g.enqueue)

	g.mu.Lock()
	running := g.running
	g.mu.Unlock()

	if running && !adapter.Running() {
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("start adapter %s: %w", adapter.Name(), err)
		}
	}
	return nil
}

// AddPreHook appends a pre-process hook; hooks run in registration order.
func (g *Gateway) AddPreHook(h PreHook) {
	g.hooksMu.Lock()
	g.preHooks = append(g.preHooks, h)
	g.hooksMu.Unlock()
}

// AddPostHook appends a post-process hook; hooks run in registration order.
func (g *Gateway) AddPostHook(h PostHook) {
	g.hooksMu.Lock()
	g.postHooks = append(g.postHooks, h)
	g.hooksMu.Unlock()
}

// Start attaches the gateway to every registered adapter, starts them, and
// launches the dispatch loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.mu.Unlock()

	for _, adapter := range g.adapters.All() {
		adapter.OnMessage(g.enqueue)
	}
	if err := g.adapters.StartAll(ctx); err != nil {
		g.logger.Warn("some adapters failed to start", "error", err)
	}

	g.wg.Add(1)
	go g.dispatchLoop()

	g.logger.Info("gateway started", "adapters", len(g.adapters.All()))
	return nil
}

// Stop halts the adapters and drains the dispatch machinery. In-flight
// session work finishes; queued messages not yet dispatched are dropped.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.mu.Unlock()

	err := g.adapters.StopAll(ctx)
	close(g.stop)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.logger.Info("gateway stopped")
	return err
}

// enqueue is the adapter-facing message callback. It never blocks the
// adapter's receive loop: a full queue drops the message with a warning.
func (g *Gateway) enqueue(_ context.Context, msg *models.UnifiedMessage) {
	if msg == nil {
		return
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.MessageReceived(string(msg.Channel))
	}
	select {
	case g.queue <- msg:
	default:
		g.logger.Warn("inbound queue full, message dropped",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.RecordError("gateway", "queue_full")
		}
	}
}

// dispatchLoop routes queued messages: interrupts for waiting tasks, stop
// commands for running ones, everything else to the session worker.
func (g *Gateway) dispatchLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case msg := <-g.queue:
			g.dispatch(msg)
		}
	}
}

func (g *Gateway) dispatch(msg *models.UnifiedMessage) {
	key := models.SessionKey(msg.Channel, msg.ChatID, msg.UserID)

	if strings.TrimSpace(msg.PlainText) == StopCommand {
		g.handleStop(key, msg)
		return
	}

	g.mu.Lock()
	if state, ok := g.tasks[key]; ok && state.Status() == agent.StatusWaitingUser {
		g.interrupts[key] = append(g.interrupts[key], msg.PlainText)
		g.mu.Unlock()
		g.logger.Debug("message queued as interrupt", "key", key)
		return
	}
	w := g.workers[key]
	if w == nil {
		w = newWorker(key, g.cfg.WorkerQueueSize)
		g.workers[key] = w
		g.wg.Add(1)
		go g.runWorker(w)
	}
	g.mu.Unlock()

	select {
	case w.inbox <- msg:
	default:
		g.logger.Warn("session worker inbox full, message dropped", "key", key)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.RecordError("gateway", "worker_inbox_full")
		}
	}
}

// handleStop cancels the session's active task, if any, and acknowledges.
func (g *Gateway) handleStop(key string, msg *models.UnifiedMessage) {
	g.mu.Lock()
	state := g.tasks[key]
	g.mu.Unlock()

	ack := stopNoTask
	if state != nil && !state.Status().Terminal() {
		state.Cancel("用户发送了停止指令")
		ack = stopAck
	}
	if adapter, ok := g.adapters.Get(msg.Channel); ok {
		if err := channels.SendText(context.Background(), adapter, msg.ChatID, ack, "", msg.ThreadID); err != nil {
			g.logger.Warn("stop ack send failed", "key", key, "error", err)
		}
	}
}

// ActiveTask returns the session's in-flight task state, if any.
func (g *Gateway) ActiveTask(sessionKey string) (*agent.TaskState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.tasks[sessionKey]
	return state, ok
}

func (g *Gateway) setTask(key string, state *agent.TaskState) {
	g.mu.Lock()
	g.tasks[key] = state
	g.mu.Unlock()
}

func (g *Gateway) clearTask(key string) {
	g.mu.Lock()
	delete(g.tasks, key)
	delete(g.interrupts, key)
	g.mu.Unlock()
}

// PushInterrupt queues a user reply for a waiting task. Exposed for
// transports that bypass the adapter fan-in.
func (g *Gateway) PushInterrupt(sessionKey, text string) {
	g.mu.Lock()
	g.interrupts[sessionKey] = append(g.interrupts[sessionKey], text)
	g.mu.Unlock()
}

// PollInterrupt pops the oldest queued reply for the session. Part of the
// agent.GatewayHandle contract.
func (g *Gateway) PollInterrupt(sessionKey string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	queue := g.interrupts[sessionKey]
	if len(queue) == 0 {
		return "", false
	}
	reply := queue[0]
	g.interrupts[sessionKey] = queue[1:]
	return reply, true
}

// NotifyUser sends out-of-band text to the session's chat. Part of the
// agent.GatewayHandle contract.
func (g *Gateway) NotifyUser(ctx context.Context, sessionKey, text string) error {
	channel, chatID, _, err := splitSessionKey(sessionKey)
	if err != nil {
		return err
	}
	adapter, ok := g.adapters.Get(channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %s", channel)
	}
	if err := channels.SendText(ctx, adapter, chatID, text, "", ""); err != nil {
		return err
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.MessageSent(string(channel))
	}
	return nil
}

// SendArtifacts delivers files to the session's channel, one receipt per
// artifact. Part of the agent.GatewayHandle contract.
func (g *Gateway) SendArtifacts(ctx context.Context, sessionKey string, artifacts []models.Artifact) ([]models.DeliveryReceipt, error) {
	channel, chatID, _, err := splitSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	adapter, ok := g.adapters.Get(channel)
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %s", channel)
	}

	receipts := make([]models.DeliveryReceipt, 0, len(artifacts))
	for _, art := range artifacts {
		receipt := models.DeliveryReceipt{
			Status:  models.DeliveryDelivered,
			Path:    art.Path,
			FileURL: art.URL,
		}
		err := adapter.Send(ctx, &models.OutgoingMessage{
			ChatID:    chatID,
			Artifacts: []models.Artifact{art},
		})
		if err != nil {
			receipt.Status = models.DeliveryFailed
			receipt.Error = err.Error()
			g.logger.Warn("artifact delivery failed",
				"key", sessionKey, "path", art.Path, "error", err)
		} else if g.cfg.Metrics != nil {
			g.cfg.Metrics.MessageSent(string(channel))
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Broadcast sends text to every live session, optionally filtered by channel
// and user id. Returns how many sessions received it.
func (g *Gateway) Broadcast(ctx context.Context, text string, channelFilter []models.ChannelType, userIDs []string) int {
	wantChannel := make(map[models.ChannelType]bool, len(channelFilter))
	for _, c := range channelFilter {
		wantChannel[c] = true
	}
	wantUser := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		wantUser[u] = true
	}

	sent := 0
	seen := make(map[string]bool)
	for _, s := range g.sessions.List() {
		if len(wantChannel) > 0 && !wantChannel[s.Channel] {
			continue
		}
		if len(wantUser) > 0 && !wantUser[s.UserID] {
			continue
		}
		// One chat may host several sessions; send once per chat.
		chatKey := string(s.Channel) + ":" + s.ChatID
		if seen[chatKey] {
			continue
		}
		seen[chatKey] = true

		adapter, ok := g.adapters.Get(s.Channel)
		if !ok {
			continue
		}
		if err := channels.SendText(ctx, adapter, s.ChatID, text, "", ""); err != nil {
			g.logger.Warn("broadcast send failed", "key", s.Key, "error", err)
			continue
		}
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.MessageSent(string(s.Channel))
		}
		sent++
	}
	return sent
}

// splitSessionKey decomposes a channel:chat_id:user_id composite key.
func splitSessionKey(key string) (models.ChannelType, string, string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("malformed session key %q", key)
	}
	return models.ChannelType(parts[0]), parts[1], parts[2], nil
}
