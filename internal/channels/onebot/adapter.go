// Package onebot adapts a OneBot v11 endpoint (QQ via go-cqhttp and
// compatible implementations) to the channels.Adapter contract. The adapter
// is a forward WebSocket client: it dials the OneBot server and reconnects
// with a fixed delay when the connection drops.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultActionTimeout  = 10 * time.Second
	handshakeTimeout      = 10 * time.Second
)

// Chat IDs encode the QQ conversation kind: "private:<user_id>" or
// "group:<group_id>".
const (
	chatPrivate = "private"
	chatGroup   = "group"
)

// Config holds OneBot adapter settings.
type Config struct {
	// URL is the OneBot forward WebSocket endpoint, e.g. ws://127.0.0.1:6700.
	URL string

	// AccessToken is sent as a Bearer token when set.
	AccessToken string

	// ReconnectDelay is the pause between dial attempts.
	ReconnectDelay time.Duration

	// ActionTimeout bounds the wait for an action response frame.
	ActionTimeout time.Duration

	// RateLimit is outbound actions per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		return channels.ErrConfig("websocket url is required", nil)
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return channels.ErrConfig("websocket url must use ws:// or wss://", nil)
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = defaultActionTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = 3
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// inboundFrame is the union of OneBot event and action-response frames.
// Response frames carry Echo; event frames carry PostType.
type inboundFrame struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	MessageID   int64  `json:"message_id"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	RawMessage  string `json:"raw_message"`
	Time        int64  `json:"time"`
	Sender      struct {
		UserID   int64  `json:"user_id"`
		Nickname string `json:"nickname"`
	} `json:"sender"`

	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Echo    string          `json:"echo"`
	Data    json.RawMessage `json:"data"`
}

// actionFrame is an outbound OneBot API call.
type actionFrame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// Adapter is the OneBot (QQ) channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan inboundFrame
}

// New creates a OneBot adapter. The connection is dialed by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "onebot"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		pending: make(map[string]chan inboundFrame),
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelQQ
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start launches the dial/read loop. The first connection is attempted in
// the background; Send fails with SERVICE_UNAVAILABLE until it succeeds.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.runLoop(runCtx, a.done)

	a.running = true
	a.logger.Info("onebot adapter started", "url", a.cfg.URL)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
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
	a.closeConn()

	select {
	case <-done:
		a.logger.Info("onebot adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// runLoop dials, pumps frames until the connection drops, and redials.
func (a *Adapter) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("onebot dial failed", "error", err, "retry_in", a.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.ReconnectDelay):
			}
			continue
		}

		a.setConn(conn)
		a.logger.Info("onebot connected", "url", a.cfg.URL)
		a.readPump(ctx, conn)
		a.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("onebot connection lost, reconnecting", "retry_in", a.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if a.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, header)
	return conn, err
}

// readPump dispatches frames until the connection errors out.
func (a *Adapter) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warn("onebot frame not parseable", "error", err)
			continue
		}

		switch {
		case frame.Echo != "":
			a.resolve(frame)
		case frame.PostType == "message":
			a.handler.Invoke(ctx, a.convertEvent(&frame))
		case frame.PostType == "meta_event":
			// heartbeat / lifecycle, nothing to do
		}
	}
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

func (a *Adapter) getConn() *websocket.Conn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

func (a *Adapter) closeConn() {
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
}

// convertEvent maps a message event to the unified inbound format.
func (a *Adapter) convertEvent(ev *inboundFrame) *models.UnifiedMessage {
	chatID := chatPrivate + ":" + strconv.FormatInt(ev.UserID, 10)
	if ev.MessageType == chatGroup {
		chatID = chatGroup + ":" + strconv.FormatInt(ev.GroupID, 10)
	}

	segs := parseCQ(ev.RawMessage)
	text := plainText(segs)

	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Kind: models.BlockText, Text: text})
	}
	for _, seg := range segs {
		switch seg.typ {
		case "image":
			url := seg.params["url"]
			if url == "" {
				url = seg.params["file"]
			}
			blocks = append(blocks, models.ContentBlock{Kind: models.BlockImage, URL: url})
		case "record":
			url := seg.params["url"]
			if url == "" {
				url = seg.params["file"]
			}
			blocks = append(blocks, models.ContentBlock{Kind: models.BlockVoice, URL: url})
		}
	}

	arrivedAt := time.Now()
	if ev.Time > 0 {
		arrivedAt = time.Unix(ev.Time, 0)
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelQQ,
		ChannelMessageID: strconv.FormatInt(ev.MessageID, 10),
		ChatID:           chatID,
		UserID:           strconv.FormatInt(ev.UserID, 10),
		ChannelUserID:    ev.Sender.Nickname,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        arrivedAt,
	}
}

// Send delivers text and artifacts to a QQ private or group chat.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	kind, target, err := splitChatID(msg.ChatID)
	if err != nil {
		return err
	}

	body := buildMessageBody(msg)
	if body != "" {
		if err := a.sendBody(ctx, kind, target, body); err != nil {
			return err
		}
	}

	// Generic files go through the upload actions; CQ codes cover only
	// images and voice.
	for _, art := range msg.Artifacts {
		if art.Type == "file" && art.Path != "" {
			if err := a.uploadFile(ctx, kind, target, art); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildMessageBody renders text plus image/voice artifacts as one CQ
// message string. File artifacts are handled separately.
func buildMessageBody(msg *models.OutgoingMessage) string {
	var b strings.Builder
	if msg.Text != "" {
		if msg.ReplyTo != "" {
			fmt.Fprintf(&b, "[CQ:reply,id=%s]", escapeParam(msg.ReplyTo))
		}
		b.WriteString(escapeText(msg.Text))
	}
	for _, art := range msg.Artifacts {
		src := art.URL
		if src == "" && art.Path != "" {
			src = "file://" + art.Path
		}
		if src == "" {
			continue
		}
		switch art.Type {
		case "image":
			fmt.Fprintf(&b, "[CQ:image,file=%s]", escapeParam(src))
		case "voice":
			fmt.Fprintf(&b, "[CQ:record,file=%s]", escapeParam(src))
		}
	}
	return b.String()
}

func (a *Adapter) sendBody(ctx context.Context, kind string, target int64, body string) error {
	if kind == chatGroup {
		return a.call(ctx, "send_group_msg", map[string]any{
			"group_id": target,
			"message":  body,
		})
	}
	return a.call(ctx, "send_private_msg", map[string]any{
		"user_id": target,
		"message": body,
	})
}

func (a *Adapter) uploadFile(ctx context.Context, kind string, target int64, art models.Artifact) error {
	name := art.Caption
	if name == "" {
		name = filepathBase(art.Path)
	}
	if kind == chatGroup {
		return a.call(ctx, "upload_group_file", map[string]any{
			"group_id": target,
			"file":     art.Path,
			"name":     name,
		})
	}
	return a.call(ctx, "upload_private_file", map[string]any{
		"user_id": target,
		"file":    art.Path,
		"name":    name,
	})
}

func filepathBase(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// SendTyping is a no-op: OneBot v11 has no typing indicator action.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

// call performs one OneBot action and waits for its echo-correlated
// response.
func (a *Adapter) call(ctx context.Context, action string, params any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	conn := a.getConn()
	if conn == nil {
		return channels.ErrUnavailable("onebot not connected", nil)
	}

	echo := uuid.NewString()
	respCh := make(chan inboundFrame, 1)
	a.pendingMu.Lock()
	a.pending[echo] = respCh
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, echo)
		a.pendingMu.Unlock()
	}()

	frame := actionFrame{Action: action, Params: params, Echo: echo}
	data, err := json.Marshal(frame)
	if err != nil {
		return channels.ErrInternal("failed to encode action", err)
	}

	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	a.writeMu.Unlock()
	if err != nil {
		return channels.ErrConnection("failed to write action", err)
	}

	select {
	case resp := <-respCh:
		if resp.Status == "failed" || resp.Retcode != 0 {
			return channels.ErrInternal(
				fmt.Sprintf("onebot action %s failed with retcode %d", action, resp.Retcode), nil)
		}
		return nil
	case <-time.After(a.cfg.ActionTimeout):
		return channels.ErrTimeout("onebot action response timeout", nil).
			WithContext("action", action)
	case <-ctx.Done():
		return channels.ErrTimeout("onebot action cancelled", ctx.Err())
	}
}

// resolve routes an action response to the waiting caller.
func (a *Adapter) resolve(frame inboundFrame) {
	a.pendingMu.Lock()
	ch, ok := a.pending[frame.Echo]
	a.pendingMu.Unlock()
	if ok {
		select {
		case ch <- frame:
		default:
		}
	}
}

// splitChatID parses "private:<id>" / "group:<id>".
func splitChatID(chatID string) (string, int64, error) {
	kind, rest, ok := strings.Cut(chatID, ":")
	if !ok || (kind != chatPrivate && kind != chatGroup) {
		return "", 0, channels.ErrInvalidInput("chat id must be private:<id> or group:<id>", nil).
			WithContext("chat_id", chatID)
	}
	target, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, channels.ErrInvalidInput("chat id target is not numeric", err).
			WithContext("chat_id", chatID)
	}
	return kind, target, nil
}
