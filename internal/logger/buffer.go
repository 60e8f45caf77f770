package logger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/carte/internal/ringbuffer"
)

// LogBuffer keeps the last lines written to it. Each Write is one line.
type LogBuffer struct {
	mu    sync.Mutex
	lines *ringbuffer.RingBuffer[string]
}

func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{lines: ringbuffer.New[string](valOr(capacity, DefaultLogLines))}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	b.mu.Lock()
	b.lines.Push(line)
	b.mu.Unlock()
	return len(p), nil
}

// Lines returns the lines from absolute position from on, and the position
// to ask for next time.
func (b *LogBuffer) Lines(from uint64) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines.Since(from)
}

// Text is Lines joined with newlines.
func (b *LogBuffer) Text(from uint64) (string, uint64) {
	lines, next := b.Lines(from)
	if len(lines) == 0 {
		return "", next
	}
	return strings.Join(lines, "\n") + "\n", next
}

// Handler returns a text handler writing into the buffer.
func (b *LogBuffer) Handler(level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(b, &slog.HandlerOptions{Level: level})
}

// Tee fans records out to every handler that is enabled for them.
func Tee(handlers ...slog.Handler) slog.Handler {
	var hs []slog.Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return teeHandler(hs)
}

type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
