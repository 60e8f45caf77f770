package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

// Recorder delivers events to its sinks on a background goroutine so callers
// never wait on a slow sink. Events that do not fit in the queue are dropped
// and logged.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type RecorderOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

func NewRecorder(sinks []Sink, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, opts.QueueSize),
		timeout: opts.SendTimeout,
		logger:  opts.Logger.With("component", "history"),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Enabled reports whether any sink is configured.
func (r *Recorder) Enabled() bool { return r != nil && len(r.sinks) > 0 }

// Record queues e. It never blocks.
func (r *Recorder) Record(e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, event dropped", "name", e.Record.Name, "id", e.Record.ID, "type", string(e.Type))
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "error", err, "name", e.Record.Name, "id", e.Record.ID)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that hold resources.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("closing history sink", "error", err)
			}
		}
	}
	return nil
}
