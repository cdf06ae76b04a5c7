// Package wecom adapts WeCom (WeChat Work) self-built app callbacks to the
// channels.Adapter contract. Inbound events arrive AES-encrypted on an HTTP
// callback server owned by the adapter; outbound messages go through the
// qyapi REST API with a cached access token.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	defaultAPIBase     = "https://qyapi.weixin.qq.com"
	defaultWebhookPath = "/webhook/wecom"
	maxWebhookBody     = 1 << 20
	tokenSlack         = 60 * time.Second

	// errcode 45009 is "api freq out of limit".
	errcodeRateLimit = 45009
)

// Config holds WeCom adapter settings.
type Config struct {
	CorpID     string
	CorpSecret string
	AgentID    int

	// Token and EncodingAESKey come from the app's callback settings.
	Token          string
	EncodingAESKey string

	ListenAddr  string
	WebhookPath string

	// APIBase overrides the qyapi endpoint, used by tests.
	APIBase string

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.CorpID == "" || c.CorpSecret == "" {
		return channels.ErrConfig("corp_id and corp_secret are required", nil)
	}
	if c.AgentID == 0 {
		return channels.ErrConfig("agent_id is required", nil)
	}
	if c.Token == "" || c.EncodingAESKey == "" {
		return channels.ErrConfig("token and encoding_aes_key are required", nil)
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

// Adapter is the WeCom channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	handler channels.HandlerRef
	crypt   *msgCrypt
	client  *http.Client

	mu      sync.Mutex
	running bool
	server  *http.Server

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a WeCom adapter. The callback server is bound by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	crypt, err := newMsgCrypt(cfg.EncodingAESKey, cfg.CorpID)
	if err != nil {
		return nil, channels.ErrConfig("bad encoding_aes_key", err)
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "wecom"),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		crypt:   crypt,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelWeCom
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
	a.logger.Info("wecom adapter started", "addr", ln.Addr().String(), "path", a.cfg.WebhookPath)
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
	a.logger.Info("wecom adapter stopped")
	return nil
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleVerify(w, r)
	case http.MethodPost:
		a.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the callback URL verification: check the signature
// over echostr, decrypt it and echo the plaintext back.
func (a *Adapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echostr := q.Get("echostr")
	if signature(a.cfg.Token, q.Get("timestamp"), q.Get("nonce"), echostr) != q.Get("msg_signature") {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}
	plain, err := a.crypt.decrypt(echostr)
	if err != nil {
		a.logger.Error("echostr decrypt failed", "error", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}
	w.Write(plain)
}

// inboundEvent is the decrypted callback message body.
type inboundEvent struct {
	XMLName      xml.Name `xml:"xml"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
}

func (a *Adapter) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var outer struct {
		XMLName xml.Name `xml:"xml"`
		Encrypt string   `xml:"Encrypt"`
	}
	if err := xml.Unmarshal(body, &outer); err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if signature(a.cfg.Token, q.Get("timestamp"), q.Get("nonce"), outer.Encrypt) != q.Get("msg_signature") {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	plain, err := a.crypt.decrypt(outer.Encrypt)
	if err != nil {
		a.logger.Error("callback decrypt failed", "error", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	var ev inboundEvent
	if err := xml.Unmarshal(plain, &ev); err != nil {
		a.logger.Error("callback body not parseable", "error", err)
		http.Error(w, "bad message xml", http.StatusBadRequest)
		return
	}

	if um := a.convertEvent(&ev); um != nil {
		// Detach from the request context: WeCom retries on slow
		// responses, so acknowledge immediately.
		a.handler.Invoke(context.Background(), um)
	}

	w.WriteHeader(http.StatusOK)
}

// convertEvent maps a decrypted callback message to the unified format.
// Returns nil for event types the assistant does not consume.
func (a *Adapter) convertEvent(ev *inboundEvent) *models.UnifiedMessage {
	var (
		text   string
		blocks []models.ContentBlock
	)
	switch ev.MsgType {
	case "text":
		text = ev.Content
		blocks = []models.ContentBlock{{Kind: models.BlockText, Text: text}}
	case "image":
		// Media blocks carry the media_id in URL; callers resolve it via
		// media/get when they need bytes.
		blocks = []models.ContentBlock{{Kind: models.BlockImage, URL: firstNonEmpty(ev.MediaID, ev.PicURL)}}
	case "voice":
		blocks = []models.ContentBlock{{Kind: models.BlockVoice, URL: ev.MediaID}}
	default:
		return nil
	}

	arrivedAt := time.Now()
	if ev.CreateTime > 0 {
		arrivedAt = time.Unix(ev.CreateTime, 0)
	}

	return &models.UnifiedMessage{
		ID:               uuid.NewString(),
		Channel:          models.ChannelWeCom,
		ChannelMessageID: ev.MsgID,
		ChatID:           ev.FromUserName,
		UserID:           ev.FromUserName,
		ChannelUserID:    ev.FromUserName,
		PlainText:        text,
		Content:          blocks,
		ArrivedAt:        arrivedAt,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Send delivers text and artifacts to a WeCom member. ChatID is the member
// account the app talks to.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if msg.Text != "" {
		payload := map[string]any{
			"touser":  msg.ChatID,
			"msgtype": "text",
			"agentid": a.cfg.AgentID,
			"text":    map[string]string{"content": msg.Text},
		}
		if err := a.sendPayload(ctx, payload); err != nil {
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
		mediaType := "file"
		if art.Type == "image" {
			mediaType = "image"
		} else if art.Type == "voice" {
			mediaType = "voice"
		}
		mediaID, err := a.uploadMedia(ctx, mediaType, art.Path)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"touser":  chatID,
			"msgtype": mediaType,
			"agentid": a.cfg.AgentID,
			mediaType: map[string]string{"media_id": mediaID},
		}
		return a.sendPayload(ctx, payload)
	}

	if art.URL != "" {
		text := art.URL
		if art.Caption != "" {
			text = art.Caption + "\n" + art.URL
		}
		payload := map[string]any{
			"touser":  chatID,
			"msgtype": "text",
			"agentid": a.cfg.AgentID,
			"text":    map[string]string{"content": text},
		}
		return a.sendPayload(ctx, payload)
	}

	return channels.ErrInvalidInput("artifact has neither url nor path", nil)
}

// sendPayload posts one message through message/send.
func (a *Adapter) sendPayload(ctx context.Context, payload map[string]any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(payload)
	sendURL := a.cfg.APIBase + "/cgi-bin/message/send?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return channels.ErrInternal("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := a.doJSON(req, &result); err != nil {
		return err
	}
	switch {
	case result.ErrCode == 0:
		return nil
	case result.ErrCode == errcodeRateLimit:
		return channels.ErrRateLimit("wecom api freq out of limit", nil)
	default:
		return channels.ErrInternal(
			fmt.Sprintf("wecom send failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg), nil)
	}
}

// accessToken returns a cached access token, refreshing when it is close
// to expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	tokenURL := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		a.cfg.APIBase, url.QueryEscape(a.cfg.CorpID), url.QueryEscape(a.cfg.CorpSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", channels.ErrInternal("failed to build token request", err)
	}

	var result struct {
		ErrCode   int    `json:"errcode"`
		ErrMsg    string `json:"errmsg"`
		Token     string `json:"access_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := a.doJSON(req, &result); err != nil {
		return "", err
	}
	if result.ErrCode != 0 || result.Token == "" {
		return "", channels.ErrAuthentication(
			fmt.Sprintf("access token refused: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg), nil)
	}

	a.token = result.Token
	a.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenSlack)
	return a.token, nil
}

// uploadMedia pushes a local file as temporary media and returns its
// media_id.
func (a *Adapter) uploadMedia(ctx context.Context, mediaType, path string) (string, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", channels.ErrNotFound("artifact file missing", err).WithContext("path", path)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", channels.ErrInternal("failed to build multipart body", err)
	}
	fw.Write(data)
	mw.Close()

	uploadURL := fmt.Sprintf("%s/cgi-bin/media/upload?access_token=%s&type=%s",
		a.cfg.APIBase, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", channels.ErrInternal("failed to build upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := a.doJSON(req, &result); err != nil {
		return "", err
	}
	if result.ErrCode != 0 || result.MediaID == "" {
		return "", channels.ErrInternal(
			fmt.Sprintf("media upload failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg), nil)
	}
	return result.MediaID, nil
}

func (a *Adapter) doJSON(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("wecom api unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return channels.ErrConnection("failed to read wecom response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return channels.ErrInternal(fmt.Sprintf("wecom api status %d", resp.StatusCode), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return channels.ErrInternal("wecom response not parseable", err)
	}
	return nil
}

// SendTyping is a no-op: WeCom has no typing indicator API.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}
