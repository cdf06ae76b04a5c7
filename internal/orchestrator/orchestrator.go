// Package orchestrator connects the surfaces that produce work — the
// message gateway, the timed-task scheduler, the cluster bus, the web API —
// to the reasoning engine. It owns the translation from "a message arrived
// for this session" to a fully populated engine request, and the routing
// decision between running in-process and handing the turn to a cluster
// worker.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/cluster"
	"github.com/praxisworks/praxis/internal/gateway"
	"github.com/praxisworks/praxis/internal/sessions"
	"github.com/praxisworks/praxis/pkg/models"
)

// Config tunes the orchestrator.
type Config struct {
	// SystemPrompt is the default system prompt; a session's CustomPrompt
	// overrides it.
	SystemPrompt string

	// FallbackModel is handed to each task's monitor for model switching.
	FallbackModel string

	// LLMRetries is how many consecutive LLM failures a task tolerates
	// before switching models. Default 2.
	LLMRetries int

	Logger *slog.Logger
}

// Orchestrator builds engine requests out of sessions and routes them.
type Orchestrator struct {
	engine   *agent.Engine
	sessions *sessions.Manager
	tools    *agent.ToolRegistry
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	gateway *gateway.Gateway
	master  *cluster.Master
}

// New builds an orchestrator. The gateway and cluster master attach after
// construction, once they exist; both are optional.
func New(engine *agent.Engine, sessionMgr *sessions.Manager, tools *agent.ToolRegistry, cfg Config) *Orchestrator {
	if cfg.LLMRetries <= 0 {
		cfg.LLMRetries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		engine:   engine,
		sessions: sessionMgr,
		tools:    tools,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "orchestrator"),
	}
}

// SetGateway attaches the gateway used for proactive delivery (reminders,
// scheduled task results).
func (o *Orchestrator) SetGateway(g *gateway.Gateway) {
	o.mu.Lock()
	o.gateway = g
	o.mu.Unlock()
}

// SetMaster attaches the cluster master. Once set, inbound turns are offered
// to idle workers before running in-process.
func (o *Orchestrator) SetMaster(m *cluster.Master) {
	o.mu.Lock()
	o.master = m
	o.mu.Unlock()
}

// SetSystemPrompt swaps the default system prompt. Running turns keep the
// prompt they started with; the next buildRequest picks up the new one.
func (o *Orchestrator) SetSystemPrompt(prompt string) {
	o.mu.Lock()
	o.cfg.SystemPrompt = prompt
	o.mu.Unlock()
}

func (o *Orchestrator) gatewayRef() *gateway.Gateway {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gateway
}

func (o *Orchestrator) masterRef() *cluster.Master {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.master
}

// HandleRequest is the gateway's agent handler: one inbound message in, the
// final reply out. The gateway has already stored the user turn and holds
// the task state for /stop.
//
// With a cluster master attached and an idle worker visible, the turn goes
// over the bus instead; /stop cannot reach a remote worker, so a cancelled
// remote turn simply has its reply dropped by the state check below.
func (o *Orchestrator) HandleRequest(ctx context.Context, req *gateway.AgentRequest) (string, error) {
	if m := o.masterRef(); m != nil {
		if _, ok := m.Registry().FindIdleAgent(); ok {
			reply, err := m.HandleRequest(ctx, &cluster.RequestPayload{
				SessionKey: req.Session.Key,
				Channel:    string(req.Session.Channel),
				ChatID:     req.Session.ChatID,
				UserID:     req.Session.UserID,
				Text:       req.Message.PlainText,
			})
			if err != nil {
				return "", err
			}
			if req.State != nil && req.State.Cancelled() {
				return "", nil
			}
			return reply, nil
		}
	}
	return o.runTask(ctx, req.Session, req.State)
}

// RunPayload runs one turn described by a cluster request payload: the
// worker's request handler and the master's local fallback. The gateway path
// has already stored the user turn; every other entry point has not, so the
// append is deduplicated against the session tail.
func (o *Orchestrator) RunPayload(ctx context.Context, p *cluster.RequestPayload) (string, error) {
	if p.ChatID == "" || p.UserID == "" {
		return "", fmt.Errorf("orchestrator: request payload missing chat or user id")
	}
	sess := o.sessions.GetSession(models.ChannelType(p.Channel), p.ChatID, p.UserID, true)

	appendUser := true
	if n := len(sess.Context.Messages); n > 0 {
		last := sess.Context.Messages[n-1]
		if last.Role == models.RoleUser && last.Content == p.Text {
			appendUser = false
		}
	}
	if appendUser {
		o.sessions.AddMessage(sess, &models.Message{
			Role:      models.RoleUser,
			Content:   p.Text,
			CreatedAt: time.Now(),
		})
	}

	return o.runTask(ctx, sess, agent.NewTaskState(sess.ID))
}

// StreamTurn runs one turn for the web API, forwarding engine events to
// onEvent. There is no gateway handle on this path: ask_user finishes the
// turn with the question instead of blocking, and the final reply is stored
// here since no gateway will do it.
func (o *Orchestrator) StreamTurn(ctx context.Context, channel models.ChannelType, chatID, userID, text string, onEvent func(agent.Event)) (string, error) {
	sess := o.sessions.GetSession(channel, chatID, userID, true)
	o.sessions.AddMessage(sess, &models.Message{
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})

	req := o.buildRequest(sess, agent.NewTaskState(sess.ID))
	req.Gateway = nil
	req.OnEvent = onEvent

	res, err := o.engine.Run(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Text) != "" {
		o.sessions.AddMessage(sess, &models.Message{
			Role:      models.RoleAssistant,
			Content:   res.Text,
			CreatedAt: time.Now(),
		})
	}
	return res.Text, nil
}

// runTask drives the engine for one session turn. The final reply is
// returned, not stored: the caller owns delivery and the transcript append.
func (o *Orchestrator) runTask(ctx context.Context, sess *models.Session, state *agent.TaskState) (string, error) {
	if state == nil {
		state = agent.NewTaskState(sess.ID)
	}
	req := o.buildRequest(sess, state)

	res, err := o.engine.Run(ctx, req)
	if err != nil {
		return "", err
	}
	o.logger.Debug("task finished",
		"session", sess.Key, "status", res.Status, "model_switched", res.ModelSwitched)
	return res.Text, nil
}

// buildRequest assembles the engine request from the session's current
// state: the message window, the per-session prompt and model overrides, the
// full tool set, and a sink that mirrors engine appends back into the
// session.
func (o *Orchestrator) buildRequest(sess *models.Session, state *agent.TaskState) *agent.Request {
	o.mu.RLock()
	system := o.cfg.SystemPrompt
	o.mu.RUnlock()
	if sess.Config.CustomPrompt != "" {
		system = sess.Config.CustomPrompt
	}

	var gw agent.GatewayHandle
	if h, ok := sess.Metadata[gateway.MetaGateway].(agent.GatewayHandle); ok {
		gw = h
	} else if g := o.gatewayRef(); g != nil {
		gw = g
	}

	return &agent.Request{
		SessionKey:   sess.Key,
		SessionType:  sess.Channel,
		Messages:     models.CloneMessages(sess.Context.Messages),
		SystemPrompt: system,
		Model:        sess.Config.ModelOverride,
		Tools:        o.tools.List(),
		Session:      sess,
		State:        state,
		Gateway:      gw,
		Monitor:      agent.NewTaskMonitor(o.cfg.FallbackModel, o.cfg.LLMRetries),
		Sink:         newSessionSink(o.sessions, sess),
	}
}

// sessionSink mirrors engine-appended messages into the session so the
// persisted transcript stays in step with the task, including across
// checkpoint rollbacks.
type sessionSink struct {
	mgr      *sessions.Manager
	sess     *models.Session
	appended int
}

func newSessionSink(mgr *sessions.Manager, sess *models.Session) *sessionSink {
	return &sessionSink{mgr: mgr, sess: sess}
}

func (s *sessionSink) Append(msg *models.Message) {
	s.mgr.AddMessage(s.sess, msg)
	s.appended++
}

// Rewind drops appended messages beyond the watermark. The session's history
// window may have evicted older messages meanwhile; trimming from the tail
// stays correct regardless.
func (s *sessionSink) Rewind(keep int) {
	if keep < 0 {
		keep = 0
	}
	drop := s.appended - keep
	if drop <= 0 {
		return
	}
	s.mgr.Update(s.sess, func(sess *models.Session) {
		n := len(sess.Context.Messages)
		if drop > n {
			drop = n
		}
		sess.Context.Messages = sess.Context.Messages[:n-drop]
	})
	s.appended = keep
}
