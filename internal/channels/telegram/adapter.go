// Package telegram adapts the Telegram Bot API to the channels.Adapter
// contract using long polling.
package telegram

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

// botAPI wraps the bot.Bot methods the adapter uses so tests can inject a
// mock.
type botAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error)
	SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	Start(ctx context.Context)
}

type realBot struct {
	bot *bot.Bot
}

func (r *realBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBot) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBot) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r *realBot) SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tgmodels.Message, error) {
	return r.bot.SendVoice(ctx, params)
}

func (r *realBot) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBot) Start(ctx context.Context) {
	r.bot.Start(ctx)
}

// Config holds Telegram adapter settings.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// AllowedUsers restricts inbound messages to these Telegram user IDs.
	// Empty means everyone.
	AllowedUsers []int64

	// RateLimit is outbound API calls per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Telegram channel adapter.
type Adapter struct {
	cfg     Config
	api     botAPI
	limiter *channels.RateLimiter
	logger  *slog.Logger
	handler channels.HandlerRef

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Telegram adapter. The bot connection is established by
// Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With("adapter", "telegram"),
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelTelegram
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start authenticates the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if a.api == nil {
		b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			return channels.ErrAuthentication("failed to create bot", err)
		}
		a.api = &realBot{bot: b}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		a.api.Start(runCtx)
	}(a.done)

	a.running = true
	a.logger.Info("telegram adapter started", "rate_limit", a.cfg.RateLimit)
	return nil
}

// Stop halts long polling and waits for the receive loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// handleUpdate converts inbound updates and hands them to the gateway.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	if len(a.cfg.AllowedUsers) > 0 && !a.userAllowed(msg.From.ID) {
		a.logger.Debug("dropping message from unlisted user", "user_id", msg.From.ID)
		return
	}

	a.handler.Invoke(ctx, a.convertMessage(msg))
}

func (a *Adapter) userAllowed(userID int64) bool {
	for _, id := range a.cfg.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// convertMessage maps a Telegram message to the unified inbound format.
// Media blocks carry the Telegram file_id in URL; callers resolve it via
// getFile when they need bytes.
func (a *Adapter) convertMessage(msg *tgmodels.Message) *models.UnifiedMessage {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Kind: models.BlockText, Text: text})
	}
	if len(msg.Photo) > 0 {
		// Telegram lists photo sizes ascending; take the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		blocks = append(blocks, models.ContentBlock{
			Kind: models.BlockImage,
			URL:  photo.FileID,
			Size: int64(photo.FileSize),
		})
	}
	if msg.Document != nil {
		blocks = append(blocks, models.ContentBlock{
			Kind:     models.BlockFile,
			URL:      msg.Document.FileID,
			Filename: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		})
	}
	if msg.Voice != nil {
		blocks = append(blocks, models.ContentBlock{
			Kind:     models.BlockVoice,
			URL:      msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
		})
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelTelegram,
		ChannelMessageID: strconv.Itoa(msg.ID),
		ThreadID:         threadID,
		ChatID:           strconv.FormatInt(msg.Chat.ID, 10),
		UserID:           strconv.FormatInt(msg.From.ID, 10),
		ChannelUserID:    msg.From.Username,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        time.Unix(int64(msg.Date), 0),
	}
}

// Send delivers text and artifacts to a Telegram chat.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	if a.api == nil {
		return channels.ErrInternal("adapter not started", nil)
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return channels.ErrInvalidInput("chat id is not a telegram chat id", err).
			WithContext("chat_id", msg.ChatID)
	}

	if msg.Text != "" {
		params := &bot.SendMessageParams{
			ChatID: chatID,
			Text:   msg.Text,
		}
		if msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyID}
			}
		}
		if msg.ThreadID != "" {
			if threadID, err := strconv.Atoi(msg.ThreadID); err == nil {
				params.MessageThreadID = threadID
			}
		}

		if _, err := a.api.SendMessage(ctx, params); err != nil {
			if isRateLimitError(err) {
				return channels.ErrRateLimit("telegram rate limit exceeded", err)
			}
			return channels.ErrInternal("failed to send message", err)
		}
	}

	for _, art := range msg.Artifacts {
		if err := a.limiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		if err := a.sendArtifact(ctx, chatID, art); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendArtifact(ctx context.Context, chatID int64, art models.Artifact) error {
	input, cleanup, err := artifactInput(art)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	switch art.Type {
	case "image":
		_, err = a.api.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  chatID,
			Photo:   input,
			Caption: art.Caption,
		})
	case "voice":
		_, err = a.api.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID:  chatID,
			Voice:   input,
			Caption: art.Caption,
		})
	default:
		_, err = a.api.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   chatID,
			Document: input,
			Caption:  art.Caption,
		})
	}
	if err != nil {
		return channels.ErrInternal("failed to send artifact", err).
			WithContext("artifact_type", art.Type)
	}
	return nil
}

// artifactInput builds the upload payload: remote URLs pass through as
// strings, local paths are streamed from disk.
func artifactInput(art models.Artifact) (tgmodels.InputFile, func(), error) {
	if art.URL != "" {
		return &tgmodels.InputFileString{Data: art.URL}, nil, nil
	}
	if art.Path != "" {
		f, err := os.Open(art.Path)
		if err != nil {
			return nil, nil, channels.ErrNotFound("artifact file missing", err).
				WithContext("path", art.Path)
		}
		upload := &tgmodels.InputFileUpload{
			Filename: filepath.Base(art.Path),
			Data:     f,
		}
		return upload, func() { f.Close() }, nil
	}
	return nil, nil, channels.ErrInvalidInput("artifact has neither url nor path", nil)
}

// SendTyping shows the "typing..." indicator in a chat.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if a.api == nil {
		return channels.ErrInternal("adapter not started", nil)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return channels.ErrInvalidInput("chat id is not a telegram chat id", err)
	}
	_, err = a.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		return channels.ErrInternal("failed to send typing action", err)
	}
	return nil
}

// isRateLimitError reports whether err is a Telegram 429 response.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}
