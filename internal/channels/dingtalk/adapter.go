// Package dingtalk adapts DingTalk robot callbacks to the channels.Adapter
// contract. Inbound messages arrive on an HTTP callback server owned by the
// adapter and are verified with the robot's HMAC signature. Replies go to
// the per-conversation session webhook when one is known, falling back to
// the robot's fixed signed webhook.
package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	defaultWebhookPath = "/webhook/dingtalk"
	maxWebhookBody     = 1 << 20

	// signWindow bounds the callback timestamp skew DingTalk allows.
	signWindow = time.Hour
)

// Config holds DingTalk adapter settings.
type Config struct {
	// AppSecret verifies inbound callback signatures.
	AppSecret string

	// WebhookURL is the robot's fixed webhook including access_token,
	// used when no session webhook is cached for a conversation.
	WebhookURL string

	// WebhookSecret signs requests to WebhookURL. Optional when the
	// robot uses keyword or IP allowlist security instead.
	WebhookSecret string

	ListenAddr  string
	WebhookPath string

	// RateLimit defaults to the robot cap of 20 messages per minute.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.AppSecret == "" {
		return channels.ErrConfig("app_secret is required", nil)
	}
	if c.ListenAddr == "" {
		return channels.ErrConfig("listen_addr is required", nil)
	}
	if c.WebhookPath == "" {
		c.WebhookPath = defaultWebhookPath
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20.0 / 60.0
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// sessionRoute is a cached per-conversation reply webhook.
type sessionRoute struct {
	url     string
	expires time.Time
}

// Adapter is the DingTalk channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef
	client  *http.Client

	mu      sync.Mutex
	running bool
	server  *http.Server

	routeMu sync.Mutex
	routes  map[string]sessionRoute

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a DingTalk adapter. The callback server is bound by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "dingtalk"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		client:  &http.Client{Timeout: 30 * time.Second},
		routes:  make(map[string]sessionRoute),
		now:     time.Now,
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelDingTalk
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start binds the callback server and serves it in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.WebhookPath, a.handleWebhook)

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return channels.ErrConnection("failed to bind callback listener", err)
	}

	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("callback server failed", "error", err)
		}
	}(a.server)

	a.running = true
	a.logger.Info("dingtalk adapter started", "addr", ln.Addr().String(), "path", a.cfg.WebhookPath)
	return nil
}

// Stop shuts the callback server down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	server := a.server
	a.mu.Unlock()

	if err := server.Shutdown(ctx); err != nil {
		return channels.ErrTimeout("callback server shutdown", err)
	}
	a.logger.Info("dingtalk adapter stopped")
	return nil
}

// hmacSign computes base64(HMAC-SHA256(secret, timestamp + "\n" + secret)),
// the signature DingTalk uses for both callbacks and signed webhooks.
func hmacSign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// inboundEvent is the robot callback body.
type inboundEvent struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	MsgID                     string `json:"msgId"`
	CreateAt                  int64  `json:"createAt"`
	ConversationID            string `json:"conversationId"`
	SenderID                  string `json:"senderId"`
	SenderNick                string `json:"senderNick"`
	SenderStaffID             string `json:"senderStaffId"`
	SessionWebhook            string `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64  `json:"sessionWebhookExpiredTime"`
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := a.verifySignature(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var ev inboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if ev.SessionWebhook != "" && ev.ConversationID != "" {
		a.routeMu.Lock()
		a.routes[ev.ConversationID] = sessionRoute{
			url:     ev.SessionWebhook,
			expires: time.UnixMilli(ev.SessionWebhookExpiredTime),
		}
		a.routeMu.Unlock()
	}

	if um := a.convertEvent(&ev); um != nil {
		// Detach from the request context: DingTalk expects a fast ack.
		a.handler.Invoke(context.Background(), um)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

// verifySignature checks the timestamp and sign headers of a callback.
func (a *Adapter) verifySignature(r *http.Request) error {
	timestamp := r.Header.Get("timestamp")
	sign := r.Header.Get("sign")
	if timestamp == "" || sign == "" {
		return fmt.Errorf("missing signature headers")
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp")
	}
	if delta := a.now().Sub(time.UnixMilli(ms)); delta > signWindow || delta < -signWindow {
		return fmt.Errorf("timestamp outside allowed window")
	}

	want := hmacSign(a.cfg.AppSecret, timestamp)
	if !hmac.Equal([]byte(sign), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// convertEvent maps a robot callback to the unified format. Returns nil
// for message types the assistant does not consume.
func (a *Adapter) convertEvent(ev *inboundEvent) *models.UnifiedMessage {
	if ev.MsgType != "text" || ev.Text.Content == "" {
		return nil
	}

	userID := ev.SenderStaffID
	if userID == "" {
		userID = ev.SenderID
	}

	arrivedAt := a.now()
	if ev.CreateAt > 0 {
		arrivedAt = time.UnixMilli(ev.CreateAt)
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelDingTalk,
		ChannelMessageID: ev.MsgID,
		ChatID:           ev.ConversationID,
		UserID:           userID,
		ChannelUserID:    ev.SenderID,
		PlainText:        ev.Text.Content,
		Content:          []models.ContentBlock{{Kind: models.BlockText, Text: ev.Text.Content}},
		ArrivedAt:        arrivedAt,
	}
}

// Send delivers text to a DingTalk conversation. Robot webhooks cannot
// upload files, so path-only artifacts are rejected and URL artifacts go
// out as markdown links.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if msg.Text != "" {
		payload := map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": msg.Text},
		}
		if err := a.post(ctx, msg.ChatID, payload); err != nil {
			return err
		}
	}

	for _, art := range msg.Artifacts {
		if art.URL == "" {
			return channels.ErrInvalidInput("dingtalk robot cannot upload local files", nil).
				WithContext("path", art.Path)
		}
		title := art.Caption
		if title == "" {
			title = art.URL
		}
		payload := map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": title,
				"text":  fmt.Sprintf("[%s](%s)", title, art.URL),
			},
		}
		if err := a.post(ctx, msg.ChatID, payload); err != nil {
			return err
		}
	}
	return nil
}

// post sends one payload to the conversation's session webhook, or to the
// fixed signed webhook when no live session route exists.
func (a *Adapter) post(ctx context.Context, conversationID string, payload map[string]any) error {
	target := a.routeFor(conversationID)
	if target == "" {
		if a.cfg.WebhookURL == "" {
			return channels.ErrUnavailable("no delivery route for conversation", nil).
				WithContext("conversation_id", conversationID)
		}
		target = a.signedWebhookURL()
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return channels.ErrInternal("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("dingtalk webhook unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return channels.ErrConnection("failed to read dingtalk response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return channels.ErrRateLimit("dingtalk rate limit exceeded", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return channels.ErrInternal(fmt.Sprintf("dingtalk webhook status %d", resp.StatusCode), nil)
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return channels.ErrInternal("dingtalk response not parseable", err)
	}
	if result.ErrCode != 0 {
		return channels.ErrInternal(
			fmt.Sprintf("dingtalk send failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg), nil)
	}
	return nil
}

// routeFor returns the cached session webhook for a conversation, dropping
// it when expired.
func (a *Adapter) routeFor(conversationID string) string {
	a.routeMu.Lock()
	defer a.routeMu.Unlock()

	route, ok := a.routes[conversationID]
	if !ok {
		return ""
	}
	if !route.expires.IsZero() && a.now().After(route.expires) {
		delete(a.routes, conversationID)
		return ""
	}
	return route.url
}

// signedWebhookURL appends timestamp and sign parameters to the fixed
// webhook when a secret is configured.
func (a *Adapter) signedWebhookURL() string {
	if a.cfg.WebhookSecret == "" {
		return a.cfg.WebhookURL
	}
	timestamp := strconv.FormatInt(a.now().UnixMilli(), 10)
	sign := hmacSign(a.cfg.WebhookSecret, timestamp)
	sep := "?"
	if u, err := url.Parse(a.cfg.WebhookURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return a.cfg.WebhookURL + sep + "timestamp=" + timestamp + "&sign=" + url.QueryEscape(sign)
}

// SendTyping is a no-op: DingTalk robots have no typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}
