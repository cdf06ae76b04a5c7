// Package cli adapts the local terminal to the channels.Adapter contract:
// one line in, the agent's reply out. It backs the interactive chat command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/pkg/models"
)

// ChatID is the single conversation the terminal maps to.
const ChatID = "local"

// Config holds CLI adapter settings.
type Config struct {
	// Input and Output default to stdin and stdout.
	Input  io.Reader
	Output io.Writer

	// UserID defaults to the OS user name.
	UserID string

	// Prompt is printed before each read. Default "> ".
	Prompt string

	Logger *slog.Logger
}

// Adapter is the terminal channel adapter.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	handler channels.HandlerRef

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	outMu sync.Mutex
}

// New creates a CLI adapter.
func New(cfg Config) *Adapter {
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.UserID == "" {
		if u, err := user.Current(); err == nil && u.Username != "" {
			cfg.UserID = u.Username
		} else {
			cfg.UserID = "local"
		}
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("adapter", "cli"),
	}
}

func (a *Adapter) Name() models.ChannelType {
	return models.ChannelCLI
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) OnMessage(h channels.MessageHandler) {
	a.handler.Set(h)
}

// Start begins the read loop. It returns once the loop is running; the loop
// itself ends on EOF or Stop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.readLoop(runCtx)
	a.logger.Info("cli adapter started", "user", a.cfg.UserID)
	return nil
}

// Stop ends the read loop. The blocking read on stdin cannot be interrupted
// portably, so Stop returns once the loop has observed cancellation or ctx
// expires.
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
	}
	a.logger.Info("cli adapter stopped")
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.done)

	scanner := bufio.NewScanner(a.cfg.Input)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	a.printPrompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			a.printPrompt()
			continue
		}
		a.handler.Invoke(ctx, &models.UnifiedMessage{
			ID:               uuid.NewString(),
			Channel:          models.ChannelCLI,
			ChannelMessageID: uuid.NewString(),
			ChatID:           ChatID,
			UserID:           a.cfg.UserID,
			ChannelUserID:    a.cfg.UserID,
			PlainText:        text,
			Content:          []models.ContentBlock{{Kind: models.BlockText, Text: text}},
			ArrivedAt:        time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("stdin read failed", "error", err)
	}
}

func (a *Adapter) printPrompt() {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprint(a.cfg.Output, a.cfg.Prompt)
}

// Send prints the reply. Artifacts are listed by path or URL; the terminal
// cannot render them inline.
func (a *Adapter) Send(ctx context.Context, msg *models.OutgoingMessage) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()

	if msg.Text != "" {
		if _, err := fmt.Fprintf(a.cfg.Output, "\n%s\n", msg.Text); err != nil {
			return err
		}
	}
	for _, art := range msg.Artifacts {
		ref := art.Path
		if ref == "" {
			ref = art.URL
		}
		label := art.Caption
		if label == "" {
			label = string(art.Type)
		}
		if _, err := fmt.Fprintf(a.cfg.Output, "[%s] %s\n", label, ref); err != nil {
			return err
		}
	}
	fmt.Fprint(a.cfg.Output, a.cfg.Prompt)
	return nil
}

// SendTyping is a no-op on the terminal.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}
