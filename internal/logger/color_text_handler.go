package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler writes slog text records prefixed with an ANSI colored
// level. The prefix is written raw; the text handler would quote escape
// codes placed in the message.
type ColorTextHandler struct {
	slog.Handler
	out *colorWriter
}

type colorWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (c *colorWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(c.w, c.prefix); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	out := &colorWriter{w: w}
	return &ColorTextHandler{Handler: slog.NewTextHandler(out, &o), out: out}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + r.Level.String() + "\033[0m  "
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}
