package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/internal/sessions"
	"github.com/praxisworks/praxis/pkg/models"
)

// fakeAdapter records sends and lets tests inject inbound messages.
type fakeAdapter struct {
	channels.HandlerRef

	name    models.ChannelType
	mu      sync.Mutex
	running bool
	sent    []*models.OutgoingMessage
	typing  int
	failFor int // fail this many sends before succeeding
}

func newFakeAdapter(name models.ChannelType) *fakeAdapter {
	return &fakeAdapter{name: name}
}

func (f *fakeAdapter) Name() models.ChannelType { return f.name }

func (f *fakeAdapter) OnMessage(h channels.MessageHandler) { f.Set(h) }

func (f *fakeAdapter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) sentMessages() []*models.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.OutgoingMessage(nil), f.sent...)
}

func (f *fakeAdapter) inject(chatID, userID, text string) {
	f.Invoke(context.Background(), &models.UnifiedMessage{
		ID:               "m-" + text,
		Channel:          f.name,
		ChannelMessageID: "cm-" + text,
		ChatID:           chatID,
		UserID:           userID,
		PlainText:        text,
		ArrivedAt:        time.Now(),
	})
}

func newTestGateway(t *testing.T, handler AgentHandler, cfg Config) (*Gateway, *fakeAdapter) {
	t.Helper()
	mgr, err := sessions.NewManager(sessions.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	adapter := newFakeAdapter(models.ChannelTelegram)
	reg := channels.NewRegistry()
	reg.Register(adapter)

	cfg.SendRetryDelay = time.Millisecond
	g := New(reg, mgr, handler, cfg)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Stop(ctx)
	})
	return g, adapter
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestProcessDeliversReplyWithQuote(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "回复: " + req.Message.PlainText, nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "你好")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	sent := adapter.sentMessages()[0]
	if sent.Text != "回复: 你好" {
		t.Fatalf("unexpected reply %q", sent.Text)
	}
	if sent.ReplyTo != "cm-你好" {
		t.Fatalf("first part should quote the inbound message, got %q", sent.ReplyTo)
	}
}

func TestHandlerErrorSendsFallback(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "", fmt.Errorf("boom")
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	if got := adapter.sentMessages()[0].Text; got != handlerFailedReply {
		t.Fatalf("expected fallback reply, got %q", got)
	}
}

func TestPerSessionOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		// Slow first message would expose reordering.
		if req.Message.PlainText == "first" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, req.Message.PlainText)
		mu.Unlock()
		return "ok", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "first")
	adapter.inject("chat1", "u1", "second")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("messages processed out of order: %v", order)
	}
}

func TestCrossSessionParallelism(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		started <- req.Message.PlainText
		<-release
		return "ok", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "a")
	adapter.inject("chat2", "u2", "b")

	// Both handlers must be running at once despite neither finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("sessions did not run in parallel")
		}
	}
	close(release)
}

func TestStopCommandCancelsActiveTask(t *testing.T) {
	release := make(chan struct{})
	var captured *agent.TaskState
	var mu sync.Mutex
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		mu.Lock()
		captured = req.State
		mu.Unlock()
		<-release
		return "done", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "long task")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured != nil
	})

	adapter.inject("chat1", "u1", "/stop")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured.Cancelled()
	})
	close(release)

	// The /stop ack goes out immediately, before the task finishes.
	waitFor(t, func() bool {
		for _, m := range adapter.sentMessages() {
			if m.Text == stopAck {
				return true
			}
		}
		return false
	})
}

func TestStopWithoutTask(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "ok", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "/stop")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	if got := adapter.sentMessages()[0].Text; got != stopNoTask {
		t.Fatalf("expected no-task ack, got %q", got)
	}
}

func TestInterruptQueueWhileWaitingUser(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		st := req.State
		if err := st.Transition(agent.StatusReasoning); err != nil {
			t.Errorf("transition: %v", err)
		}
		if err := st.Transition(agent.StatusWaitingUser); err != nil {
			t.Errorf("transition: %v", err)
		}
		<-release
		return "done", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "ask me something")
	key := models.SessionKey(models.ChannelTelegram, "chat1", "u1")
	waitFor(t, func() bool {
		st, ok := g.ActiveTask(key)
		return ok && st.Status() == agent.StatusWaitingUser
	})

	// Messages arriving while the task waits become interrupts, not new turns.
	adapter.inject("chat1", "u1", "my answer")
	waitFor(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.interrupts[key]) == 1
	})

	got, ok := g.PollInterrupt(key)
	if !ok || got != "my answer" {
		t.Fatalf("PollInterrupt = %q, %v", got, ok)
	}
	if _, ok := g.PollInterrupt(key); ok {
		t.Fatal("interrupt queue should be empty")
	}
	close(release)
}

func TestSendRetrySucceedsAfterFailures(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "reply", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})
	adapter.mu.Lock()
	adapter.failFor = 2
	adapter.mu.Unlock()

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	if got := adapter.sentMessages()[0].Text; got != "reply" {
		t.Fatalf("expected reply after retries, got %q", got)
	}
}

func TestSendFailureSendsApology(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "reply", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})
	adapter.mu.Lock()
	adapter.failFor = 3 // exhausts all retries for the real reply
	adapter.mu.Unlock()

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	if got := adapter.sentMessages()[0].Text; got != sendFailedApology {
		t.Fatalf("expected apology, got %q", got)
	}
}

func TestPreHookSubstituteAndDrop(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		mu.Lock()
		seen = append(seen, req.Message.PlainText)
		mu.Unlock()
		return "ok", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})
	g.AddPreHook(func(ctx context.Context, msg *models.UnifiedMessage) *models.UnifiedMessage {
		if msg.PlainText == "drop me" {
			return nil
		}
		clone := *msg
		clone.PlainText = strings.ToUpper(msg.PlainText)
		return &clone
	})

	adapter.inject("chat1", "u1", "drop me")
	adapter.inject("chat1", "u1", "keep")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "KEEP" {
		t.Fatalf("pre-hook substitution not applied: %v", seen)
	}
}

func TestPostHookRewritesReply(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "raw", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})
	g.AddPostHook(func(ctx context.Context, s *models.Session, reply string) string {
		return reply + "!"
	})

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })

	if got := adapter.sentMessages()[0].Text; got != "raw!" {
		t.Fatalf("post-hook not applied: %q", got)
	}
}

func TestLongReplySplitAcrossParts(t *testing.T) {
	long := strings.Repeat("第一段内容\n", 40) // well past a small limit
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return long, nil
	}
	_, adapter := newTestGateway(t, handler, Config{MaxReplyLength: 50})

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool { return len(adapter.sentMessages()) >= 2 })
	time.Sleep(20 * time.Millisecond)

	sent := adapter.sentMessages()
	for i, m := range sent {
		if n := len([]rune(m.Text)); n > 50 {
			t.Fatalf("part %d exceeds limit: %d runes", i, n)
		}
		if i == 0 && m.ReplyTo == "" {
			t.Fatal("first part should carry the quote")
		}
		if i > 0 && m.ReplyTo != "" {
			t.Fatalf("part %d should not carry the quote", i)
		}
	}
}

func TestNotifyUserAndSendArtifacts(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "ok", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})
	key := models.SessionKey(models.ChannelTelegram, "chat9", "u9")

	if err := g.NotifyUser(context.Background(), key, "进度更新"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Text != "进度更新" || sent[0].ChatID != "chat9" {
		t.Fatalf("unexpected notify send: %+v", sent)
	}

	receipts, err := g.SendArtifacts(context.Background(), key, []models.Artifact{
		{Type: "file", Path: "/tmp/report.pdf"},
		{Type: "image", URL: "https://example.com/x.png"},
	})
	if err != nil {
		t.Fatalf("SendArtifacts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	for _, r := range receipts {
		if r.Status != models.DeliveryDelivered {
			t.Fatalf("unexpected receipt: %+v", r)
		}
	}
}

func TestSendArtifactsPartialFailure(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "ok", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})
	adapter.mu.Lock()
	adapter.failFor = 1
	adapter.mu.Unlock()

	key := models.SessionKey(models.ChannelTelegram, "chat9", "u9")
	receipts, err := g.SendArtifacts(context.Background(), key, []models.Artifact{
		{Type: "file", Path: "/tmp/a.txt"},
		{Type: "file", Path: "/tmp/b.txt"},
	})
	if err != nil {
		t.Fatalf("SendArtifacts: %v", err)
	}
	if receipts[0].Status != models.DeliveryFailed || receipts[0].Error == "" {
		t.Fatalf("first receipt should be failed: %+v", receipts[0])
	}
	if receipts[1].Status != models.DeliveryDelivered {
		t.Fatalf("second receipt should be delivered: %+v", receipts[1])
	}
}

func TestBroadcastFilters(t *testing.T) {
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		return "ok", nil
	}
	g, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "hello")
	adapter.inject("chat2", "u2", "hello")
	waitFor(t, func() bool { return len(adapter.sentMessages()) == 2 })

	before := len(adapter.sentMessages())
	n := g.Broadcast(context.Background(), "系统通知", nil, []string{"u1"})
	if n != 1 {
		t.Fatalf("Broadcast sent to %d sessions, want 1", n)
	}
	sent := adapter.sentMessages()
	if len(sent) != before+1 || sent[before].Text != "系统通知" || sent[before].ChatID != "chat1" {
		t.Fatalf("unexpected broadcast delivery: %+v", sent[before:])
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short passes through", "hello", 10, []string{"hello"}},
		{"split at newline", "aaa\nbbb\nccc", 7, []string{"aaa\nbbb", "ccc"}},
		{"hard cut without newline", "aaaaaaaaaa", 4, []string{"aaaa", "aaaa", "aa"}},
		{"trailing newline trimmed", "aaa\nbbb\n", 7, []string{"aaa", "bbb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("part %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSessionReceivesGatewayMetadata(t *testing.T) {
	var mu sync.Mutex
	var session *models.Session
	handler := func(ctx context.Context, req *AgentRequest) (string, error) {
		mu.Lock()
		session = req.Session
		mu.Unlock()
		return "ok", nil
	}
	_, adapter := newTestGateway(t, handler, Config{})

	adapter.inject("chat1", "u1", "hi")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return session != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if _, ok := session.Metadata[MetaGateway].(agent.GatewayHandle); !ok {
		t.Fatal("session missing gateway handle metadata")
	}
	if session.Metadata[MetaSessionKey] != "telegram:chat1:u1" {
		t.Fatalf("session key metadata = %v", session.Metadata[MetaSessionKey])
	}
}
