// Package web serves the HTTP surface: a streaming chat endpoint that
// mirrors engine events as server-sent events, plus health and metrics.
//
// The web path runs without a gateway handle, so ask_user finishes the turn
// with the question instead of waiting; the client answers by posting a new
// turn into the same session.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

var webJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// TurnRunner runs one reasoning turn and streams its events.
// *orchestrator.Orchestrator satisfies it.
type TurnRunner interface {
	StreamTurn(ctx context.Context, channel models.ChannelType, chatID, userID, text string, onEvent func(agent.Event)) (string, error)
}

// Config holds web server settings.
type Config struct {
	// ListenAddr is the bind address. Default 127.0.0.1:8420.
	ListenAddr string

	// TurnTimeout bounds one chat turn. Default 10m.
	TurnTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP chat surface.
type Server struct {
	cfg    Config
	runner TurnRunner
	logger *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	addr    string
	started bool
}

// NewServer builds the server over a turn runner.
func NewServer(runner TurnRunner, cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		runner: runner,
		logger: cfg.Logger.With("component", "web"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: mux}
	s.started = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server failed", "error", err)
		}
	}()
	s.logger.Info("web server listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, waiting for in-flight requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.started = false
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// chatRequest is the POST /v1/chat body.
type chatRequest struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// handleChat runs one turn and streams engine events as SSE frames. The
// terminal frame is type "done" carrying the final reply, or "error".
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := webJSON.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" {
		req.ChatID = "web"
	}
	if req.UserID == "" {
		req.UserID = "web"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TurnTimeout)
	defer cancel()

	// Engine events arrive on the engine goroutine; serialize writes.
	var writeMu sync.Mutex
	emit := func(ev agent.Event) {
		data, err := webJSON.Marshal(ev)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}

	reply, err := s.runner.StreamTurn(ctx, models.ChannelWeb, req.ChatID, req.UserID, req.Text, emit)
	if err != nil {
		s.logger.Error("chat turn failed", "chat_id", req.ChatID, "error", err)
		emit(agent.Event{Type: agent.EventError, Data: map[string]any{"message": "处理您的消息时出现错误，请稍后再试。"}})
		return
	}
	emit(agent.Event{Type: agent.EventDone, Data: map[string]any{"reply": reply}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
