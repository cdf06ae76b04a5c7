package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

type mockBot struct {
	mu        sync.Mutex
	messages  []*bot.SendMessageParams
	photos    []*bot.SendPhotoParams
	documents []*bot.SendDocumentParams
	voices    []*bot.SendVoiceParams
	actions   []*bot.SendChatActionParams
	sendErr   error
}

func (m *mockBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.messages = append(m.messages, params)
	return &tgmodels.Message{ID: 1}, nil
}

func (m *mockBot) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos = append(m.photos, params)
	return &tgmodels.Message{ID: 2}, nil
}

func (m *mockBot) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents = append(m.documents, params)
	return &tgmodels.Message{ID: 3}, nil
}

func (m *mockBot) SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices = append(m.voices, params)
	return &tgmodels.Message{ID: 4}, nil
}

func (m *mockBot) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, params)
	return true, nil
}

func (m *mockBot) Start(ctx context.Context) {
	<-ctx.Done()
}

func newTestAdapter(t *testing.T) (*Adapter, *mockBot) {
	t.Helper()
	a, err := New(Config{
		Token:  "test-token",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mock := &mockBot{}
	a.api = mock
	return a, mock
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Error("empty token should fail")
	}

	cfg := Config{Token: "t"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RateLimit != 30 || cfg.RateBurst != 20 {
		t.Errorf("defaults = %v/%v", cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.Logger == nil {
		t.Error("logger default missing")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)

	if a.Running() {
		t.Fatal("should not run before Start")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Running() {
		t.Fatal("should run after Start")
	}
	// idempotent
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Running() {
		t.Fatal("should not run after Stop")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestHandleUpdateConvertsText(t *testing.T) {
	a, _ := newTestAdapter(t)

	var got *models.UnifiedMessage
	a.OnMessage(func(ctx context.Context, msg *models.UnifiedMessage) { got = msg })

	sent := time.Now().Add(-time.Minute).Unix()
	a.handleUpdate(context.Background(), nil, &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   77,
			From: &tgmodels.User{ID: 42, Username: "alice"},
			Chat: tgmodels.Chat{ID: 1001},
			Date: int(sent),
			Text: "你好",
		},
	})

	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.Channel != models.ChannelTelegram {
		t.Errorf("channel = %s", got.Channel)
	}
	if got.ChatID != "1001" || got.UserID != "42" || got.ChannelUserID != "alice" {
		t.Errorf("ids = %s/%s/%s", got.ChatID, got.UserID, got.ChannelUserID)
	}
	if got.ChannelMessageID != "77" || got.PlainText != "你好" {
		t.Errorf("msg = %s %q", got.ChannelMessageID, got.PlainText)
	}
	if got.ArrivedAt.Unix() != sent {
		t.Errorf("arrived_at = %v", got.ArrivedAt)
	}
	if got.ID == "" {
		t.Error("unified id missing")
	}
}

func TestHandleUpdateMediaBlocks(t *testing.T) {
	a, _ := newTestAdapter(t)

	var got *models.UnifiedMessage
	a.OnMessage(func(ctx context.Context, msg *models.UnifiedMessage) { got = msg })

	a.handleUpdate(context.Background(), nil, &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:      78,
			From:    &tgmodels.User{ID: 42},
			Chat:    tgmodels.Chat{ID: 1001},
			Caption: "截图",
			Photo: []tgmodels.PhotoSize{
				{FileID: "small"},
				{FileID: "large"},
			},
			Document: &tgmodels.Document{FileID: "doc1", FileName: "report.pdf", MimeType: "application/pdf"},
		},
	})

	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.PlainText != "截图" {
		t.Errorf("caption should become plain text, got %q", got.PlainText)
	}

	var image, file *models.ContentBlock
	for i := range got.Content {
		switch got.Content[i].Kind {
		case models.BlockImage:
			image = &got.Content[i]
		case models.BlockFile:
			file = &got.Content[i]
		}
	}
	if image == nil || image.URL != "large" {
		t.Errorf("image block = %+v, want largest photo", image)
	}
	if file == nil || file.Filename != "report.pdf" {
		t.Errorf("file block = %+v", file)
	}
}

func TestHandleUpdateAllowedUsers(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.cfg.AllowedUsers = []int64{42}

	calls := 0
	a.OnMessage(func(ctx context.Context, msg *models.UnifiedMessage) { calls++ })

	update := func(userID int64) *tgmodels.Update {
		return &tgmodels.Update{Message: &tgmodels.Message{
			ID: 1, From: &tgmodels.User{ID: userID}, Chat: tgmodels.Chat{ID: 1}, Text: "hi",
		}}
	}
	a.handleUpdate(context.Background(), nil, update(99))
	if calls != 0 {
		t.Error("unlisted user should be dropped")
	}
	a.handleUpdate(context.Background(), nil, update(42))
	if calls != 1 {
		t.Error("listed user should pass")
	}
}

func TestSendTextWithReply(t *testing.T) {
	a, mock := newTestAdapter(t)

	err := a.Send(context.Background(), &models.OutgoingMessage{
		ChatID:  "1001",
		Text:    "已完成",
		ReplyTo: "77",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(mock.messages) != 1 {
		t.Fatalf("sent %d messages", len(mock.messages))
	}
	params := mock.messages[0]
	if params.ChatID != int64(1001) || params.Text != "已完成" {
		t.Errorf("params = %+v", params)
	}
	if params.ReplyParameters == nil || params.ReplyParameters.MessageID != 77 {
		t.Errorf("reply parameters = %+v", params.ReplyParameters)
	}
}

func TestSendInvalidChatID(t *testing.T) {
	a, _ := newTestAdapter(t)

	err := a.Send(context.Background(), &models.OutgoingMessage{ChatID: "not-a-number", Text: "x"})
	if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("code = %s", channels.GetErrorCode(err))
	}
}

func TestSendClassifiesRateLimit(t *testing.T) {
	a, mock := newTestAdapter(t)
	mock.sendErr = errors.New("telegram: Too Many Requests: retry after 5 (429)")

	err := a.Send(context.Background(), &models.OutgoingMessage{ChatID: "1", Text: "x"})
	if channels.GetErrorCode(err) != channels.ErrCodeRateLimit {
		t.Errorf("code = %s", channels.GetErrorCode(err))
	}
	if !channels.IsRetryable(err) {
		t.Error("rate limit should be retryable")
	}
}

func TestSendArtifactFromFile(t *testing.T) {
	a, mock := newTestAdapter(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "output.txt")
	if err := os.WriteFile(path, []byte("结果"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := a.Send(context.Background(), &models.OutgoingMessage{
		ChatID:    "1001",
		Artifacts: []models.Artifact{{Type: "file", Path: path, Caption: "结果文件"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(mock.documents) != 1 {
		t.Fatalf("sent %d documents", len(mock.documents))
	}
	upload, ok := mock.documents[0].Document.(*tgmodels.InputFileUpload)
	if !ok {
		t.Fatalf("document input = %T", mock.documents[0].Document)
	}
	if upload.Filename != "output.txt" {
		t.Errorf("filename = %q", upload.Filename)
	}
	if mock.documents[0].Caption != "结果文件" {
		t.Errorf("caption = %q", mock.documents[0].Caption)
	}
}

func TestSendArtifactFromURL(t *testing.T) {
	a, mock := newTestAdapter(t)

	err := a.Send(context.Background(), &models.OutgoingMessage{
		ChatID:    "1001",
		Artifacts: []models.Artifact{{Type: "image", URL: "https://example.com/x.png"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(mock.photos) != 1 {
		t.Fatalf("sent %d photos", len(mock.photos))
	}
	str, ok := mock.photos[0].Photo.(*tgmodels.InputFileString)
	if !ok || str.Data != "https://example.com/x.png" {
		t.Errorf("photo input = %+v", mock.photos[0].Photo)
	}
}

func TestSendArtifactMissingSource(t *testing.T) {
	a, _ := newTestAdapter(t)

	err := a.Send(context.Background(), &models.OutgoingMessage{
		ChatID:    "1001",
		Artifacts: []models.Artifact{{Type: "file"}},
	})
	if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("code = %s", channels.GetErrorCode(err))
	}
}

func TestSendTyping(t *testing.T) {
	a, mock := newTestAdapter(t)

	if err := a.SendTyping(context.Background(), "1001"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if len(mock.actions) != 1 {
		t.Fatalf("sent %d actions", len(mock.actions))
	}
	if mock.actions[0].Action != tgmodels.ChatActionTyping {
		t.Errorf("action = %v", mock.actions[0].Action)
	}
	if mock.actions[0].ChatID != int64(1001) {
		t.Errorf("chat id = %v", mock.actions[0].ChatID)
	}
}
