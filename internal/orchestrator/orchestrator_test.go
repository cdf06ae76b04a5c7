package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/internal/cluster"
	"github.com/praxisworks/praxis/internal/cron"
	"github.com/praxisworks/praxis/internal/gateway"
	"github.com/praxisworks/praxis/internal/sessions"
	"github.com/praxisworks/praxis/pkg/models"
)

// fakeProvider answers every completion with the next scripted reply.
type fakeProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	reply := "好的"
	if p.calls < len(p.replies) {
		reply = p.replies[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: reply}
	ch <- &agent.CompletionChunk{Done: true, StopReason: "end_turn", InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) SupportsTools() bool { return true }
func (p *fakeProvider) Models() []agent.Model {
	return []agent.Model{{ID: "fake-1", Name: "Fake", ContextSize: 200000}}
}

// fakeAdapter records outbound sends for assertions.
type fakeAdapter struct {
	channels.HandlerRef
	channel models.ChannelType

	mu    sync.Mutex
	sends []*models.OutgoingMessage
}

func (a *fakeAdapter) Name() models.ChannelType                { return a.channel }
func (a *fakeAdapter) Running() bool                           { return true }
func (a *fakeAdapter) Start(ctx context.Context) error         { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error          { return nil }
func (a *fakeAdapter) OnMessage(h channels.MessageHandler)     { a.Set(h) }
func (a *fakeAdapter) SendTyping(ctx context.Context, chatID string) error { return nil }

func (a *fakeAdapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	a.mu.Lock()
	a.sends = append(a.sends, msg)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) sent() []*models.OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.OutgoingMessage(nil), a.sends...)
}

// newTestOrchestrator wires a real engine over the fake provider and a real
// session manager in a temp dir.
func newTestOrchestrator(t *testing.T, replies ...string) (*Orchestrator, *sessions.Manager) {
	t.Helper()

	endpoints := agent.NewEndpointRegistry()
	endpoints.Register(&fakeProvider{replies: replies})
	endpoints.SetDefault("fake-1")
	brain := agent.NewBrain(endpoints)

	registry := agent.NewToolRegistry(nil)
	executor := agent.NewToolExecutor(registry, agent.DefaultExecutorConfig())
	engine := agent.NewEngine(brain, executor)

	mgr, err := sessions.NewManager(sessions.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	o := New(engine, mgr, registry, Config{
		SystemPrompt:  "你是一个助手。",
		FallbackModel: "fake-1",
	})
	return o, mgr
}

// attachGateway builds a gateway over a fake adapter and hooks it to the
// orchestrator.
func attachGateway(t *testing.T, o *Orchestrator, mgr *sessions.Manager, channel models.ChannelType) *fakeAdapter {
	t.Helper()
	adapter := &fakeAdapter{channel: channel}
	registry := channels.NewRegistry()
	gw := gateway.New(registry, mgr, o.HandleRequest, gateway.Config{})
	if err := gw.RegisterAdapter(context.Background(), adapter); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	o.SetGateway(gw)
	return adapter
}

func TestHandleRequestReturnsEngineReply(t *testing.T) {
	o, mgr := newTestOrchestrator(t, "北京今天晴，25 度。")

	sess := mgr.GetSession(models.ChannelTelegram, "c1", "u1", true)
	mgr.AddMessage(sess, &models.Message{
		Role: models.RoleUser, Content: "北京天气如何？", CreatedAt: time.Now(),
	})

	reply, err := o.HandleRequest(context.Background(), &gateway.AgentRequest{
		Session: sess,
		Message: &models.UnifiedMessage{PlainText: "北京天气如何？"},
		State:   agent.NewTaskState(sess.ID),
	})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply != "北京今天晴，25 度。" {
		t.Fatalf("reply = %q", reply)
	}

	// The final reply is the caller's to store; the engine must not have
	// appended it through the sink.
	if n := len(sess.Context.Messages); n != 1 {
		t.Fatalf("session has %d messages, want just the user turn", n)
	}
}

func TestRunPayloadDeduplicatesUserTurn(t *testing.T) {
	o, mgr := newTestOrchestrator(t, "收到", "收到")

	sess := mgr.GetSession(models.ChannelTelegram, "c1", "u1", true)
	mgr.AddMessage(sess, &models.Message{
		Role: models.RoleUser, Content: "帮我查一下", CreatedAt: time.Now(),
	})

	// Same text as the session tail: the gateway already stored it.
	if _, err := o.RunPayload(context.Background(), &cluster.RequestPayload{
		SessionKey: sess.Key,
		Channel:    "telegram",
		ChatID:     "c1",
		UserID:     "u1",
		Text:       "帮我查一下",
	}); err != nil {
		t.Fatalf("RunPayload: %v", err)
	}
	if n := len(sess.Context.Messages); n != 1 {
		t.Fatalf("user turn duplicated: %d messages", n)
	}

	// Fresh text (a scheduled prompt): it must be appended.
	if _, err := o.RunPayload(context.Background(), &cluster.RequestPayload{
		SessionKey: sess.Key,
		Channel:    "telegram",
		ChatID:     "c1",
		UserID:     "u1",
		Text:       "另一个问题",
	}); err != nil {
		t.Fatalf("RunPayload: %v", err)
	}
	if n := len(sess.Context.Messages); n != 2 {
		t.Fatalf("fresh turn not appended: %d messages", n)
	}
}

func TestStreamTurnStoresTranscriptAndEmitsEvents(t *testing.T) {
	o, mgr := newTestOrchestrator(t, "流式回答")

	var mu sync.Mutex
	var events []agent.Event
	reply, err := o.StreamTurn(context.Background(), models.ChannelWeb, "web", "u1", "你好",
		func(ev agent.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if reply != "流式回答" {
		t.Fatalf("reply = %q", reply)
	}

	mu.Lock()
	sawDelta := false
	for _, ev := range events {
		if ev.Type == agent.EventTextDelta {
			sawDelta = true
		}
	}
	mu.Unlock()
	if !sawDelta {
		t.Fatal("no text_delta event streamed")
	}

	// The web path has no gateway, so StreamTurn stores both turns itself.
	sess := mgr.GetSession(models.ChannelWeb, "web", "u1", false)
	if sess == nil {
		t.Fatal("session not created")
	}
	msgs := sess.Context.Messages
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("transcript = %+v", msgs)
	}
	if msgs[1].Content != "流式回答" {
		t.Fatalf("assistant turn = %q", msgs[1].Content)
	}
}

func TestReminderTaskDeliversThroughGateway(t *testing.T) {
	o, mgr := newTestOrchestrator(t)
	adapter := attachGateway(t, o, mgr, models.ChannelTelegram)

	out, err := o.Execute(context.Background(), &cron.Task{
		ID:              "t1",
		TaskType:        cron.TaskReminder,
		ReminderMessage: "该喝水了",
		ChannelID:       "telegram",
		ChatID:          "c1",
		UserID:          "u1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "该喝水了" {
		t.Fatalf("output = %q", out)
	}

	sends := adapter.sent()
	if len(sends) != 1 || sends[0].Text != "该喝水了" || sends[0].ChatID != "c1" {
		t.Fatalf("sends = %+v", sends)
	}

	// The proactive message lands in the transcript too.
	sess := mgr.GetSession(models.ChannelTelegram, "c1", "u1", false)
	if sess == nil || len(sess.Context.Messages) != 1 || sess.Context.Messages[0].Role != models.RoleAssistant {
		t.Fatalf("transcript not recorded: %+v", sess)
	}
}

func TestReminderTaskWithoutMessageFails(t *testing.T) {
	o, mgr := newTestOrchestrator(t)
	attachGateway(t, o, mgr, models.ChannelTelegram)

	_, err := o.Execute(context.Background(), &cron.Task{
		ID:        "t1",
		TaskType:  cron.TaskReminder,
		ChannelID: "telegram",
		ChatID:    "c1",
		UserID:    "u1",
	})
	if err == nil {
		t.Fatal("expected error for empty reminder")
	}
}

func TestAgentTaskRunsPipelineAndDelivers(t *testing.T) {
	o, mgr := newTestOrchestrator(t, "今日新闻摘要：……")
	adapter := attachGateway(t, o, mgr, models.ChannelTelegram)

	out, err := o.Execute(context.Background(), &cron.Task{
		ID:        "t2",
		TaskType:  cron.TaskAgent,
		Prompt:    "总结今天的新闻",
		ChannelID: "telegram",
		ChatID:    "c1",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "今日新闻摘要：……" {
		t.Fatalf("output = %q", out)
	}

	sends := adapter.sent()
	if len(sends) != 1 || sends[0].Text != "今日新闻摘要：……" {
		t.Fatalf("sends = %+v", sends)
	}

	// The prompt and the reply both land in the session.
	sess := mgr.GetSession(models.ChannelTelegram, "c1", "u1", false)
	msgs := sess.Context.Messages
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestUnknownTaskTypeFails(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Execute(context.Background(), &cron.Task{
		ID:       "t3",
		TaskType: cron.TaskType("mystery"),
		ChatID:   "c1",
	})
	if err == nil {
		t.Fatal("expected error for unknown task type")
	}
}

func TestSessionSinkRewind(t *testing.T) {
	mgr, err := sessions.NewManager(sessions.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sess := mgr.GetSession(models.ChannelTelegram, "c1", "u1", true)
	mgr.AddMessage(sess, &models.Message{Role: models.RoleUser, Content: "问题"})

	sink := newSessionSink(mgr, sess)
	for i := 0; i < 3; i++ {
		sink.Append(&models.Message{Role: models.RoleAssistant, Content: fmt.Sprintf("步骤 %d", i)})
	}
	if n := len(sess.Context.Messages); n != 4 {
		t.Fatalf("messages = %d, want 4", n)
	}

	// Roll back to the first appended message.
	sink.Rewind(1)
	msgs := sess.Context.Messages
	if len(msgs) != 2 || msgs[1].Content != "步骤 0" {
		t.Fatalf("after rewind: %+v", msgs)
	}

	// Rewinding past the watermark is a no-op.
	sink.Rewind(5)
	if n := len(sess.Context.Messages); n != 2 {
		t.Fatalf("rewind grew the transcript: %d", n)
	}
}
