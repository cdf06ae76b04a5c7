package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

// worker serializes processing for one session key.
type worker struct {
	key   string
	inbox chan *models.UnifiedMessage
}

func newWorker(key string, queueSize int) *worker {
	return &worker{
		key:   key,
		inbox: make(chan *models.UnifiedMessage, queueSize),
	}
}

// runWorker drains the worker's inbox until the gateway stops or the session
// goes idle long enough.
func (g *Gateway) runWorker(w *worker) {
	defer g.wg.Done()
	idle := time.NewTimer(g.cfg.WorkerIdleAfter)
	defer idle.Stop()

	for {
		select {
		case <-g.stop:
			g.removeWorker(w)
			return
		case msg := <-w.inbox:
			g.process(msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.cfg.WorkerIdleAfter)
		case <-idle.C:
			if g.retireWorker(w) {
				return
			}
			idle.Reset(g.cfg.WorkerIdleAfter)
		}
	}
}

func (g *Gateway) removeWorker(w *worker) {
	g.mu.Lock()
	if g.workers[w.key] == w {
		delete(g.workers, w.key)
	}
	g.mu.Unlock()
}

// retireWorker removes an idle worker unless a message raced into its inbox.
func (g *Gateway) retireWorker(w *worker) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(w.inbox) > 0 {
		return false
	}
	if g.workers[w.key] == w {
		delete(g.workers, w.key)
	}
	return true
}

// process runs the full pipeline for one inbound message: typing indicator,
// pre-hooks, session fetch, handler, post-hooks, delivery.
func (g *Gateway) process(msg *models.UnifiedMessage) {
	ctx := context.Background()
	key := models.SessionKey(msg.Channel, msg.ChatID, msg.UserID)
	start := time.Now()

	stopTyping := g.startTyping(msg.Channel, msg.ChatID)
	defer stopTyping()

	g.hooksMu.RLock()
	pre := append([]PreHook(nil), g.preHooks...)
	post := append([]PostHook(nil), g.postHooks...)
	g.hooksMu.RUnlock()

	for _, h := range pre {
		msg = h(ctx, msg)
		if msg == nil {
			g.logger.Debug("message dropped by pre-hook", "key", key)
			return
		}
	}

	session := g.sessions.GetSession(msg.Channel, msg.ChatID, msg.UserID, true)
	g.sessions.Update(session, func(s *models.Session) {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata[MetaGateway] = agent.GatewayHandle(g)
		s.Metadata[MetaSessionKey] = key
	})

	g.sessions.AddMessage(session, &models.Message{
		Role:      models.RoleUser,
		Content:   msg.PlainText,
		CreatedAt: msg.ArrivedAt,
	})

	state := agent.NewTaskState(session.ID)
	g.setTask(key, state)
	defer g.clearTask(key)

	reply, err := g.handler(ctx, &AgentRequest{
		Session: session,
		Message: msg,
		State:   state,
	})
	if err != nil {
		g.logger.Error("agent handler failed", "key", key, "error", err)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.RecordError("gateway", "handler")
		}
		reply = handlerFailedReply
	}

	for _, h := range post {
		reply = h(ctx, session, reply)
	}
	if strings.TrimSpace(reply) == "" {
		g.logger.Debug("empty reply, nothing to send", "key", key)
		return
	}

	if err == nil {
		g.sessions.AddMessage(session, &models.Message{
			Role:      models.RoleAssistant,
			Content:   reply,
			CreatedAt: time.Now(),
		})
	}

	g.deliver(ctx, msg, reply)
	g.logger.Info("message processed",
		"key", key,
		"duration", time.Since(start).Round(time.Millisecond),
		"status", state.Status())
}

// startTyping keeps the channel's typing indicator alive until the returned
// stop function runs.
func (g *Gateway) startTyping(channel models.ChannelType, chatID string) func() {
	adapter, ok := g.adapters.Get(channel)
	if !ok {
		return func() {}
	}

	done := make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.TypingInterval)
		defer ticker.Stop()
		if err := adapter.SendTyping(context.Background(), chatID); err != nil {
			g.logger.Debug("typing indicator failed", "channel", channel, "error", err)
		}
		for {
			select {
			case <-done:
				return
			case <-g.stop:
				return
			case <-ticker.C:
				_ = adapter.SendTyping(context.Background(), chatID)
			}
		}
	}()
	return func() { close(done) }
}

// deliver splits the reply at the length limit and sends each part with
// bounded retries. The first part quotes the user's message.
func (g *Gateway) deliver(ctx context.Context, msg *models.UnifiedMessage, reply string) {
	adapter, ok := g.adapters.Get(msg.Channel)
	if !ok {
		g.logger.Error("no adapter for reply channel", "channel", msg.Channel)
		return
	}

	parts := SplitMessage(reply, g.cfg.MaxReplyLength)
	for i, part := range parts {
		replyTo := ""
		if i == 0 {
			replyTo = msg.ChannelMessageID
		}
		if !g.sendWithRetry(ctx, adapter, msg, part, replyTo) {
			// The real content could not be delivered; one plain apology,
			// best effort.
			_ = channels.SendText(ctx, adapter, msg.ChatID, sendFailedApology, "", msg.ThreadID)
			if g.cfg.Metrics != nil {
				g.cfg.Metrics.RecordError("gateway", "delivery")
			}
			return
		}
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.MessageSent(string(msg.Channel))
		}
	}
}

func (g *Gateway) sendWithRetry(ctx context.Context, adapter channels.Adapter, msg *models.UnifiedMessage, text, replyTo string) bool {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.SendRetries; attempt++ {
		lastErr = channels.SendText(ctx, adapter, msg.ChatID, text, replyTo, msg.ThreadID)
		if lastErr == nil {
			return true
		}
		g.logger.Warn("reply send failed",
			"channel", msg.Channel, "attempt", attempt, "error", lastErr)
		if attempt < g.cfg.SendRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(g.cfg.SendRetryDelay):
			}
		}
	}
	return false
}

// SplitMessage breaks text into parts no longer than limit runes, preferring
// newline boundaries and falling back to a hard cut for a single long line.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var parts []string
	remaining := []rune(text)
	for len(remaining) > limit {
		cut := limit
		for i := limit; i > 0; i-- {
			if remaining[i-1] == '\n' {
				cut = i
				break
			}
		}
		part := strings.TrimRight(string(remaining[:cut]), "\n")
		if part != "" {
			parts = append(parts, part)
		}
		remaining = remaining[cut:]
	}
	if tail := strings.TrimRight(string(remaining), "\n"); tail != "" {
		parts = append(parts, tail)
	}
	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}
