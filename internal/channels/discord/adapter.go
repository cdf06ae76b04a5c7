// Package discord adapts the Discord gateway to the channels.Adapter
// contract. The adapter answers DMs and guild messages that mention the bot,
// and posts replies through the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

// Config holds Discord adapter settings.
type Config struct {
	// BotToken is the bot token, without the "Bot " prefix.
	BotToken string

	// RateLimit is outbound messages per second. Default 5.
	RateLimit float64

	// RateBurst is the outbound burst capacity. Default 5.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot_token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Discord channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef

	mu      sync.Mutex
	running bool
	session *discordgo.Session

	botMu sync.RWMutex
	botID string
}

// New creates a Discord adapter. The gateway session is opened by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "discord"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelDiscord
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start opens the gateway connection and begins receiving message events.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if a.session == nil {
		session, err := discordgo.New("Bot " + a.cfg.BotToken)
		if err != nil {
			return channels.ErrConfig("invalid discord token", err)
		}
		session.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		session.AddHandler(a.onMessageCreate)
		a.session = session
	}

	if err := a.session.Open(); err != nil {
		return channels.ErrAuthentication("discord gateway connect failed", err)
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.botMu.Lock()
		a.botID = a.session.State.User.ID
		a.botMu.Unlock()
	}

	a.running = true
	a.logger.Info("discord adapter started", "bot_id", a.session.State.User.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	if err := a.session.Close(); err != nil {
		return channels.ErrInternal("discord gateway close failed", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// onMessageCreate filters and forwards one gateway message event.
func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	a.botMu.RLock()
	botID := a.botID
	a.botMu.RUnlock()

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	isDM := m.GuildID == ""
	if !isDM && !mentionsUser(m.Message, botID) {
		return
	}

	a.handler.Invoke(context.Background(), convertMessage(m, botID))
}

// mentionsUser reports whether the message mentions the given user id.
func mentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// convertMessage maps a Discord message to the unified format.
func convertMessage(m *discordgo.MessageCreate, botID string) *models.UnifiedMessage {
	text := stripMention(m.Content, botID)

	arrivedAt := time.Now()
	if !m.Timestamp.IsZero() {
		arrivedAt = m.Timestamp
	}

	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Kind: models.BlockText, Text: text})
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		kind := models.BlockFile
		if strings.HasPrefix(att.ContentType, "image/") {
			kind = models.BlockImage
		} else if strings.HasPrefix(att.ContentType, "audio/") {
			kind = models.BlockVoice
		}
		blocks = append(blocks, models.ContentBlock{
			Kind:     kind,
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelDiscord,
		ChannelMessageID: m.ID,
		ChatID:           m.ChannelID,
		UserID:           m.Author.ID,
		ChannelUserID:    m.Author.ID,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        arrivedAt,
	}
}

// stripMention removes the bot's <@id> / <@!id> mention tokens.
func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(text)
}

// Send posts text and uploads artifacts to a Discord channel. ReplyTo maps
// to a message reference so the reply quotes the user.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return channels.ErrInternal("adapter not started", nil)
	}

	if msg.Text != "" {
		send := &discordgo.MessageSend{Content: msg.Text}
		if msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			}
		}
		if _, err := session.ChannelMessageSendComplex(msg.ChatID, send, discordgo.WithContext(ctx)); err != nil {
			return classifySendError(err)
		}
	}

	for _, art := range msg.Artifacts {
		if err := a.limiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		if err := a.sendArtifact(ctx, session, msg.ChatID, art); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendArtifact(ctx context.Context, session *discordgo.Session, chatID string, art models.Artifact) error {
	if art.Path != "" {
		f, err := os.Open(art.Path)
		if err != nil {
			return channels.ErrNotFound("artifact file missing", err).WithContext("path", art.Path)
		}
		defer f.Close()

		send := &discordgo.MessageSend{
			Content: art.Caption,
			Files: []*discordgo.File{{
				Name:   filepath.Base(art.Path),
				Reader: f,
			}},
		}
		if _, err := session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx)); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	if art.URL != "" {
		text := art.URL
		if art.Caption != "" {
			text = art.Caption + "\n" + art.URL
		}
		if _, err := session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{Content: text}, discordgo.WithContext(ctx)); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	return channels.ErrInvalidInput("artifact has neither url nor path", nil)
}

func classifySendError(err error) error {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return channels.ErrRateLimit("discord rate limit exceeded", err).
			WithContext("retry_after", rle.RetryAfter.String())
	}
	return channels.ErrInternal("failed to send discord message", err)
}

// SendTyping triggers the channel's typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.ChannelTyping(chatID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}
