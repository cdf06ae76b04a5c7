// Package slack adapts Slack Socket Mode to the channels.Adapter contract.
// The adapter consumes Events API payloads over the socket, answers DMs,
// mentions and thread replies, and posts through the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

// apiClient is the slice of the Slack Web API the adapter calls. slack.Client
// satisfies it; tests inject a mock.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

var _ apiClient = (*slack.Client)(nil)

// Config holds Slack adapter settings.
type Config struct {
	// BotToken is the xoxb- bot token.
	BotToken string

	// AppToken is the xapp- app-level token Socket Mode requires.
	AppToken string

	// RateLimit is outbound messages per second. Slack caps
	// chat.postMessage at roughly one per second per channel.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot_token is required", nil)
	}
	if !strings.HasPrefix(c.BotToken, "xoxb-") {
		return channels.ErrConfig("bot_token must start with xoxb-", nil)
	}
	if c.AppToken == "" {
		return channels.ErrConfig("app_token is required", nil)
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return channels.ErrConfig("app_token must start with xapp-", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Slack channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef

	// api and events are created by Start and injected by tests.
	api    apiClient
	socket *socketmode.Client
	events <-chan socketmode.Event
	ack    func(req socketmode.Request, payload ...interface{})

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	botUserMu sync.RWMutex
	botUserID string
}

// New creates a Slack adapter. The Socket Mode client is built by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "slack"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelSlack
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start authenticates, resolves the bot user id and begins consuming
// Socket Mode events.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if a.api == nil {
		client := slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
		a.api = client
		a.socket = socketmode.New(client)
		a.events = a.socket.Events
		a.ack = a.socket.Ack
	}

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return channels.ErrAuthentication("slack auth test failed", err)
	}
	a.botUserMu.Lock()
	a.botUserID = auth.UserID
	a.botUserMu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.handleEvents(runCtx)
	}()
	if a.socket != nil {
		go func() {
			if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("socket mode stopped", "error", err)
			}
		}()
	}

	a.running = true
	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID)
	return nil
}

// Stop cancels the Socket Mode loop and waits for the event handler to
// drain.
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
	case <-ctx.Done():
		return channels.ErrTimeout("slack adapter shutdown", ctx.Err())
	}
	a.logger.Info("slack adapter stopped")
	return nil
}

// handleEvents consumes the Socket Mode event stream.
func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to slack")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("slack connection error", "data", evt.Data)
			case socketmode.EventTypeConnected:
				a.logger.Info("connected to slack")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil && a.ack != nil {
					a.ack(*evt.Request)
				}
				a.handleEventsAPI(&apiEvent)
			}
		}
	}
}

// handleEventsAPI routes callback events to the message handler.
func (a *Adapter) handleEventsAPI(apiEvent *slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		// Skip bot echoes and edits.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.handleMessage(ev)
	}
}

// handleMessage applies the DM/mention/thread filter and forwards the
// message.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	a.botUserMu.RLock()
	botUserID := a.botUserID
	a.botUserMu.RUnlock()

	isDM := strings.HasPrefix(ev.Channel, "D")
	isMention := botUserID != "" && strings.Contains(ev.Text, "<@"+botUserID+">")
	if !isDM && !isMention && ev.ThreadTimeStamp == "" {
		return
	}

	a.handler.Invoke(context.Background(), a.convertMessage(ev))
}

// convertMessage maps a Slack message event to the unified format.
func (a *Adapter) convertMessage(ev *slackevents.MessageEvent) *models.UnifiedMessage {
	text := stripMentions(ev.Text)

	arrivedAt := time.Now()
	if ts, err := parseSlackTimestamp(ev.TimeStamp); err == nil {
		arrivedAt = ts
	}

	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Kind: models.BlockText, Text: text})
	}
	var files []slack.File
	if ev.Message != nil {
		files = ev.Message.Files
	}
	for _, file := range files {
		kind := models.BlockFile
		if strings.HasPrefix(file.Mimetype, "image/") {
			kind = models.BlockImage
		} else if strings.HasPrefix(file.Mimetype, "audio/") {
			kind = models.BlockVoice
		}
		blocks = append(blocks, models.ContentBlock{
			Kind:     kind,
			URL:      file.URLPrivateDownload,
			Filename: file.Name,
			MimeType: file.Mimetype,
			Size:     int64(file.Size),
		})
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelSlack,
		ChannelMessageID: ev.TimeStamp,
		ThreadID:         ev.ThreadTimeStamp,
		ChatID:           ev.Channel,
		UserID:           ev.User,
		ChannelUserID:    ev.User,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        arrivedAt,
	}
}

// stripMentions removes <@USERID> tokens from message text.
func stripMentions(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseSlackTimestamp converts a "1234567890.123456" timestamp to a
// time.Time. The fractional part is microseconds.
func parseSlackTimestamp(ts string) (time.Time, error) {
	secPart, microPart, ok := strings.Cut(ts, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid timestamp format: %s", ts)
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	for len(microPart) < 6 {
		microPart += "0"
	}
	micro, err := strconv.ParseInt(microPart[:6], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, micro*1000), nil
}

// Send posts text and uploads artifacts to a Slack channel. ThreadID keeps
// the reply inside the originating thread.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	if a.api == nil {
		return channels.ErrInternal("adapter not started", nil)
	}

	if msg.Text != "" {
		options := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
		if msg.ThreadID != "" {
			options = append(options, slack.MsgOptionTS(msg.ThreadID))
		}
		if _, _, err := a.api.PostMessageContext(ctx, msg.ChatID, options...); err != nil {
			return classifySendError(err)
		}
	}

	for _, art := range msg.Artifacts {
		if err := a.limiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		if err := a.sendArtifact(ctx, msg.ChatID, msg.ThreadID, art); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendArtifact(ctx context.Context, chatID, threadID string, art models.Artifact) error {
	if art.Path != "" {
		info, err := os.Stat(art.Path)
		if err != nil {
			return channels.ErrNotFound("artifact file missing", err).WithContext("path", art.Path)
		}
		params := slack.UploadFileV2Parameters{
			Channel:         chatID,
			File:            art.Path,
			Filename:        filepath.Base(art.Path),
			FileSize:        int(info.Size()),
			Title:           art.Caption,
			ThreadTimestamp: threadID,
		}
		if _, err := a.api.UploadFileV2Context(ctx, params); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	if art.URL != "" {
		text := art.URL
		if art.Caption != "" {
			text = art.Caption + "\n" + art.URL
		}
		options := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if threadID != "" {
			options = append(options, slack.MsgOptionTS(threadID))
		}
		if _, _, err := a.api.PostMessageContext(ctx, chatID, options...); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	return channels.ErrInvalidInput("artifact has neither url nor path", nil)
}

func classifySendError(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return channels.ErrRateLimit("slack rate limit exceeded", err).
			WithContext("retry_after", rle.RetryAfter.String())
	}
	return channels.ErrInternal("failed to send slack message", err)
}

// SendTyping is a no-op: the Web API has no typing indicator for bots.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}
