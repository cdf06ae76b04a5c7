// Package feishu adapts Feishu (Lark) event subscriptions to the
// channels.Adapter contract. The adapter owns an HTTP callback server for
// inbound events and talks to the Open API for outbound messages with a
// cached tenant access token.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	defaultAPIBase     = "https://open.feishu.cn"
	defaultWebhookPath = "/webhook/feishu"
	maxWebhookBody     = 1 << 20
	tokenSlack         = 60 * time.Second
)

// Config holds Feishu adapter settings.
type Config struct {
	AppID     string
	AppSecret string

	// VerificationToken is checked against the token field of every
	// callback.
	VerificationToken string

	// ListenAddr is the callback server bind address, e.g. ":8466".
	ListenAddr string

	// WebhookPath is the callback path. Defaults to /webhook/feishu.
	WebhookPath string

	// APIBase overrides the Open API endpoint, used by tests.
	APIBase string

	// RateLimit is outbound API calls per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.AppID == "" || c.AppSecret == "" {
		return channels.ErrConfig("app_id and app_secret are required", nil)
	}
	if c.ListenAddr == "" {
		return channels.ErrConfig("listen_addr is required", nil)
	}
	if c.WebhookPath == "" {
		c.WebhookPath = defaultWebhookPath
	}
	if c.APIBase == "" {
		c.APIBase = defaultAPIBase
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Feishu channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef
	client  *http.Client

	mu      sync.Mutex
	running bool
	server  *http.Server

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a Feishu adapter. The callback server is bound by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "feishu"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelFeishu
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
	a.logger.Info("feishu adapter started", "addr", ln.Addr().String(), "path", a.cfg.WebhookPath)
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
	a.logger.Info("feishu adapter stopped")
	return nil
}

// callbackEnvelope is the union of url_verification callbacks and v2 event
// callbacks.
type callbackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Encrypt   string `json:"encrypt"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
				UserID string `json:"user_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if env.Encrypt != "" {
		// Encrypted callbacks need an encrypt key configured on the app;
		// this deployment runs in plaintext mode. Acknowledge so Feishu
		// does not retry forever.
		a.logger.Error("encrypted callback received, configure the app for plaintext mode")
		w.WriteHeader(http.StatusOK)
		return
	}

	if env.Type == "url_verification" {
		if a.cfg.VerificationToken != "" && env.Token != a.cfg.VerificationToken {
			http.Error(w, "token mismatch", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if a.cfg.VerificationToken != "" && env.Header.Token != a.cfg.VerificationToken {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return
	}

	if env.Header.EventType == "im.message.receive_v1" {
		// Detach from the request context: the callback returns
		// immediately while the gateway processes the message.
		a.handler.Invoke(context.Background(), a.convertEvent(&env))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"code": 0})
}

// convertEvent maps an im.message.receive_v1 event to the unified format.
func (a *Adapter) convertEvent(env *callbackEnvelope) *models.UnifiedMessage {
	msg := env.Event.Message

	text, blocks := parseContent(msg.MessageType, msg.Content)

	arrivedAt := time.Now()
	if ms, err := strconv.ParseInt(msg.CreateTime, 10, 64); err == nil && ms > 0 {
		arrivedAt = time.UnixMilli(ms)
	}

	userID := env.Event.Sender.SenderID.OpenID
	if userID == "" {
		userID = env.Event.Sender.SenderID.UserID
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelFeishu,
		ChannelMessageID: msg.MessageID,
		ChatID:           msg.ChatID,
		UserID:           userID,
		ChannelUserID:    env.Event.Sender.SenderID.UserID,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        arrivedAt,
	}
}

// parseContent decodes the message_type-specific content JSON.
func parseContent(messageType, content string) (string, []models.ContentBlock) {
	switch messageType {
	case "text":
		var c struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &c); err != nil {
			return "", nil
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return "", nil
		}
		return text, []models.ContentBlock{{Kind: models.BlockText, Text: text}}
	case "image":
		var c struct {
			ImageKey string `json:"image_key"`
		}
		json.Unmarshal([]byte(content), &c)
		return "", []models.ContentBlock{{Kind: models.BlockImage, URL: c.ImageKey}}
	case "file":
		var c struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		json.Unmarshal([]byte(content), &c)
		return "", []models.ContentBlock{{
			Kind:     models.BlockFile,
			URL:      c.FileKey,
			Filename: c.FileName,
		}}
	default:
		return "", nil
	}
}

// Send delivers text and artifacts to a Feishu chat.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if msg.Text != "" {
		content, _ := json.Marshal(map[string]string{"text": msg.Text})
		if err := a.sendContent(ctx, msg.ChatID, "text", string(content)); err != nil {
			return err
		}
	}

	for _, art := range msg.Artifacts {
		if err := a.sendArtifact(ctx, msg.ChatID, art); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendArtifact(ctx context.Context, chatID string, art models.Artifact) error {
	if art.Path != "" {
		if art.Type == "image" {
			key, err := a.uploadImage(ctx, art.Path)
			if err != nil {
				return err
			}
			content, _ := json.Marshal(map[string]string{"image_key": key})
			return a.sendContent(ctx, chatID, "image", string(content))
		}
		key, err := a.uploadFile(ctx, art.Path)
		if err != nil {
			return err
		}
		content, _ := json.Marshal(map[string]string{"file_key": key})
		return a.sendContent(ctx, chatID, "file", string(content))
	}

	if art.URL != "" {
		// No upload source: deliver the link as text.
		text := art.URL
		if art.Caption != "" {
			text = art.Caption + "\n" + art.URL
		}
		content, _ := json.Marshal(map[string]string{"text": text})
		return a.sendContent(ctx, chatID, "text", string(content))
	}

	return channels.ErrInvalidInput("artifact has neither url nor path", nil)
}

// sendContent posts one message through the Open API.
func (a *Adapter) sendContent(ctx context.Context, chatID, msgType, content string) error {
	token, err := a.tenantToken(ctx)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	})

	url := a.cfg.APIBase + "/open-apis/im/v1/messages?receive_id_type=chat_id"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return channels.ErrInternal("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := a.doJSON(req, &result); err != nil {
		return err
	}
	if result.Code != 0 {
		return channels.ErrInternal(
			fmt.Sprintf("feishu send failed: code=%d msg=%s", result.Code, result.Msg), nil)
	}
	return nil
}

// tenantToken returns a cached tenant access token, refreshing when it is
// close to expiry.
func (a *Adapter) tenantToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"app_id":     a.cfg.AppID,
		"app_secret": a.cfg.AppSecret,
	})
	url := a.cfg.APIBase + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", channels.ErrInternal("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := a.doJSON(req, &result); err != nil {
		return "", err
	}
	if result.Code != 0 || result.Token == "" {
		return "", channels.ErrAuthentication(
			fmt.Sprintf("tenant token refused: code=%d msg=%s", result.Code, result.Msg), nil)
	}

	a.token = result.Token
	a.tokenExpiry = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenSlack)
	return a.token, nil
}

// uploadImage pushes a local image and returns its image_key.
func (a *Adapter) uploadImage(ctx context.Context, path string) (string, error) {
	fields := map[string]string{"image_type": "message"}
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ImageKey string `json:"image_key"`
		} `json:"data"`
	}
	err := a.uploadMultipart(ctx, "/open-apis/im/v1/images", "image", path, fields, &result)
	if err != nil {
		return "", err
	}
	if result.Code != 0 || result.Data.ImageKey == "" {
		return "", channels.ErrInternal(
			fmt.Sprintf("image upload failed: code=%d msg=%s", result.Code, result.Msg), nil)
	}
	return result.Data.ImageKey, nil
}

// uploadFile pushes a local file and returns its file_key.
func (a *Adapter) uploadFile(ctx context.Context, path string) (string, error) {
	fields := map[string]string{
		"file_type": "stream",
		"file_name": filepath.Base(path),
	}
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			FileKey string `json:"file_key"`
		} `json:"data"`
	}
	err := a.uploadMultipart(ctx, "/open-apis/im/v1/files", "file", path, fields, &result)
	if err != nil {
		return "", err
	}
	if result.Code != 0 || result.Data.FileKey == "" {
		return "", channels.ErrInternal(
			fmt.Sprintf("file upload failed: code=%d msg=%s", result.Code, result.Msg), nil)
	}
	return result.Data.FileKey, nil
}

func (a *Adapter) uploadMultipart(ctx context.Context, apiPath, fileField, path string, fields map[string]string, out any) error {
	token, err := a.tenantToken(ctx)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return channels.ErrNotFound("artifact file missing", err).WithContext("path", path)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile(fileField, filepath.Base(path))
	if err != nil {
		return channels.ErrInternal("failed to build multipart body", err)
	}
	fw.Write(data)
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+apiPath, &buf)
	if err != nil {
		return channels.ErrInternal("failed to build upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	return a.doJSON(req, out)
}

func (a *Adapter) doJSON(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("feishu api unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return channels.ErrConnection("failed to read feishu response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return channels.ErrRateLimit("feishu rate limit exceeded", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return channels.ErrInternal(
			fmt.Sprintf("feishu api status %d", resp.StatusCode), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return channels.ErrInternal("feishu response not parseable", err)
	}
	return nil
}

// SendTyping is a no-op: Feishu has no typing indicator API.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}
