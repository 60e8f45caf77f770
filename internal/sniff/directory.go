// Package sniff attaches row observers to step copies of running executions
// and keeps the most recent rows of each in a fixed-size buffer.
package sniff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/metrics"
	"github.com/loykin/carte/internal/registry"
)

var (
	// ErrSessionAbsent is returned by Poll when no session exists for a key.
	ErrSessionAbsent = errors.New("sniff session not attached")
	// ErrExecutionNotFound is returned by Attach for an unknown execution id.
	ErrExecutionNotFound = registry.ErrNotFound
)

const (
	DefaultBuffer    = 50
	DefaultMaxBuffer = 10000
)

// Executions resolves an execution id to its registered handle.
type Executions interface {
	LookupID(id string) (registry.Item[engine.Execution], bool)
}

type Options struct {
	Executions Executions
	// DefaultBuffer is used when Attach is given a capacity < 1.
	DefaultBuffer int
	// MaxBuffer caps requested capacities.
	MaxBuffer int
	// IdleTimeout detaches sessions nobody polled for this long. Zero
	// disables the reaper.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	Logger       *slog.Logger
}

// Directory tracks sniff sessions. The directory lock only guards membership;
// each session has its own lock for its buffer.
type Directory struct {
	execs        Executions
	defBuffer    int
	maxBuffer    int
	idleTimeout  time.Duration
	reapInterval time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	sessions map[Key]*Session
	closed   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) (*Directory, error) {
	if opts.Executions == nil {
		return nil, errors.New("sniff: executions lookup is required")
	}
	d := &Directory{
		execs:        opts.Executions,
		defBuffer:    opts.DefaultBuffer,
		maxBuffer:    opts.MaxBuffer,
		idleTimeout:  opts.IdleTimeout,
		reapInterval: opts.ReapInterval,
		logger:       opts.Logger,
		sessions:     make(map[Key]*Session),
		stop:         make(chan struct{}),
	}
	if d.defBuffer < 1 {
		d.defBuffer = DefaultBuffer
	}
	if d.maxBuffer < 1 {
		d.maxBuffer = DefaultMaxBuffer
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "sniff")
	if d.idleTimeout > 0 {
		if d.reapInterval <= 0 {
			d.reapInterval = d.idleTimeout / 2
		}
		d.wg.Add(1)
		go d.reapLoop()
	}
	return d, nil
}

// Attach returns the session for key, creating it if needed. capacity only
// applies when the session is created. created reports whether this call
// created it.
func (d *Directory) Attach(key Key, capacity int) (s *Session, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false, errors.New("sniff: directory is shut down")
	}
	if s, ok := d.sessions[key]; ok {
		s.touch()
		return s, false, nil
	}

	item, ok := d.execs.LookupID(key.ExecutionID)
	if !ok {
		return nil, false, fmt.Errorf("%w: id %s", ErrExecutionNotFound, key.ExecutionID)
	}
	ex, ok := item.Handle.(engine.Sniffable)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", engine.ErrNotSniffable, item.Entry)
	}
	sc, err := ex.StepCopy(key.Step, key.Copy)
	if err != nil {
		return nil, false, err
	}

	s = newSession(key, item.Entry.Name, d.capacity(capacity))
	s.unsubscribe = sc.Subscribe(key.Direction, s.onRow)
	d.sessions[key] = s
	metrics.AddSniffSessions(1)

	d.wg.Add(1)
	go d.watch(s, ex.Done())
	return s, true, nil
}

func (d *Directory) capacity(requested int) int {
	switch {
	case requested < 1:
		return d.defBuffer
	case requested > d.maxBuffer:
		return d.maxBuffer
	default:
		return requested
	}
}

// watch stops observing once the execution ends. The session and its rows
// stay available until detached or reaped.
func (d *Directory) watch(s *Session, done <-chan struct{}) {
	defer d.wg.Done()
	select {
	case <-done:
		s.release()
		d.logger.Debug("execution ended, sniff released", "session", s.key.String())
	case <-s.closed:
	}
}

// Detach removes the session for key. It reports whether a session existed;
// detaching an absent key is a no-op.
func (d *Directory) Detach(key Key) bool {
	return d.detach(key, "stop")
}

func (d *Directory) detach(key Key, reason string) bool {
	d.mu.Lock()
	s, ok := d.sessions[key]
	if ok {
		s.release()
		delete(d.sessions, key)
		close(s.closed)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	metrics.AddSniffSessions(-1)
	metrics.IncSniffDetach(reason)
	d.logger.Debug("sniff detached", "session", key.String(), "reason", reason)
	return true
}

// DetachExecution removes every session of one execution and returns how
// many were removed.
func (d *Directory) DetachExecution(executionID string) int {
	var n int
	for _, key := range d.keys(func(k Key, _ *Session) bool { return k.ExecutionID == executionID }) {
		if d.detach(key, "removed") {
			n++
		}
	}
	return n
}

// Poll returns the current contents of an attached session.
func (d *Directory) Poll(key Key) (Snapshot, error) {
	d.mu.RLock()
	s, ok := d.sessions[key]
	d.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionAbsent, key)
	}
	return s.Snapshot(), nil
}

// Sniff attaches if needed and polls in one call.
func (d *Directory) Sniff(key Key, capacity int) (Snapshot, error) {
	s, _, err := d.Attach(key, capacity)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List describes every session, ordered by key.
func (d *Directory) List() []Info {
	d.mu.RLock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.RUnlock()
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.info()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ExecutionID != b.ExecutionID {
			return a.ExecutionID < b.ExecutionID
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if a.Copy != b.Copy {
			return a.Copy < b.Copy
		}
		return a.Direction < b.Direction
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Directory) keys(match func(Key, *Session) bool) []Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Key
	for k, s := range d.sessions {
		if match(k, s) {
			out = append(out, k)
		}
	}
	return out
}

func (d *Directory) reapLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.reap(now)
		}
	}
}

func (d *Directory) reap(now time.Time) int {
	cutoff := now.Add(-d.idleTimeout)
	idle := d.keys(func(_ Key, s *Session) bool { return s.idleSince().Before(cutoff) })
	var n int
	for _, key := range idle {
		if d.detach(key, "idle") {
			n++
		}
	}
	if n > 0 {
		d.logger.Info("reaped idle sniff sessions", "count", n)
	}
	return n
}

// Shutdown detaches every session and stops background work. It returns
// when all session goroutines have exited or ctx ends.
func (d *Directory) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stop) })

	for _, key := range d.keys(func(Key, *Session) bool { return true }) {
		d.detach(key, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
