// Package channels defines the adapter contract every chat surface
// implements and the registry the gateway drives them through.
//
// An adapter turns platform traffic into models.UnifiedMessage values and
// delivers models.OutgoingMessage replies. Adapters never touch sessions or
// the reasoning engine; the gateway owns that side.
package channels

import (
	"context"
	"sync"

	"github.com/praxisworks/praxis/pkg/models"
)

// MessageHandler receives every inbound message an adapter produces.
// Handlers must not block: the gateway enqueues and returns.
type MessageHandler func(ctx context.Context, msg *models.UnifiedMessage)

// Adapter is the contract between a chat platform and the gateway.
//
// Name is globally unique. Start and Stop are idempotent; Start returns
// once the adapter is receiving (or has begun connecting in the
// background), and Stop blocks until in-flight work is drained or ctx
// expires. OnMessage may be called before or after Start.
type Adapter interface {
	Name() models.ChannelType
	Running() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(handler MessageHandler)
	Send(ctx context.Context, msg *models.OutgoingMessage) error
	SendTyping(ctx context.Context, chatID string) error
}

// SendText sends a plain text reply through the adapter. ReplyTo and
// threadID may be empty; they ride on the outgoing envelope so each
// adapter maps them to its platform's quoting/threading primitive.
func SendText(ctx context.Context, a Adapter, chatID, text, replyTo, threadID string) error {
	return a.Send(ctx, &models.OutgoingMessage{
		ChatID:   chatID,
		Text:     text,
		ReplyTo:  replyTo,
		ThreadID: threadID,
	})
}

// HandlerRef is a concurrency-safe slot for the adapter's message handler.
// Adapters embed one so OnMessage can be called at any time, including
// while the receive loop is live.
type HandlerRef struct {
	mu sync.RWMutex
	fn MessageHandler
}

// Set replaces the current handler. A nil handler silences the adapter.
func (h *HandlerRef) Set(fn MessageHandler) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Invoke calls the current handler if one is set.
func (h *HandlerRef) Invoke(ctx context.Context, msg *models.UnifiedMessage) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(ctx, msg)
	}
}
