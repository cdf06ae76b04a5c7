package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// logBufferCap bounds retained lines; logTailLines is how many of them get
// appended to a tool result as the execution log.
const (
	logBufferCap = 100
	logTailLines = 10
)

// LogBuffer captures warning and error log lines emitted while tools run,
// so the model sees what went wrong without reading server logs. One buffer
// exists per session.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
}

// NewLogBuffer creates an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Append records one line, evicting the oldest past capacity.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > logBufferCap {
		b.lines = b.lines[len(b.lines)-logBufferCap:]
	}
}

// Len returns the current line count; used as a mark before execution.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Since returns up to logTailLines lines appended after the mark.
func (b *LogBuffer) Since(mark int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mark < 0 || mark >= len(b.lines) {
		return nil
	}
	out := b.lines[mark:]
	if len(out) > logTailLines {
		out = out[len(out)-logTailLines:]
	}
	return append([]string(nil), out...)
}

// Logger returns a slog.Logger that writes through to next (if non-nil)
// and tees warning-and-above records into the buffer.
func (b *LogBuffer) Logger(next slog.Handler) *slog.Logger {
	return slog.New(&captureHandler{next: next, buf: b})
}

type captureHandler struct {
	next  slog.Handler
	buf   *LogBuffer
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelWarn {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		var sb strings.Builder
		sb.WriteString(r.Level.String())
		sb.WriteString(": ")
		sb.WriteString(r.Message)
		for _, a := range h.attrs {
			fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		}
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
			return true
		})
		h.buf.Append(sb.String())
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
