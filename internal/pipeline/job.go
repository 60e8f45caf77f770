package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/env"
)

// Resolver returns the transformation definition registered under name.
type Resolver func(name string) (Definition, bool)

// JobOptions configures a new job execution.
type JobOptions struct {
	Options
	Resolve Resolver
}

// EntryStatus reports the outcome of one job entry.
type EntryStatus struct {
	Name           string `json:"name" xml:"name"`
	Transformation string `json:"transformation" xml:"transformation"`
	ID             string `json:"id,omitempty" xml:"id,omitempty"`
	Status         string `json:"status" xml:"status"`
	Error          string `json:"error,omitempty" xml:"error,omitempty"`
}

// Job runs its entries sequentially; an entry that finishes with errors ends
// the job unless the entry ignores errors.
type Job struct {
	def     JobDefinition
	id      string
	vars    env.Var
	logger  *slog.Logger
	resolve Resolver
	rowSet  int

	mu         sync.Mutex
	status     engine.Status
	started    bool
	stopped    bool
	paused     bool
	err        error
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	current    *Transformation
	entries    []EntryStatus

	done     chan struct{}
	doneOnce sync.Once
}

var _ engine.Execution = (*Job)(nil)

func NewJob(def JobDefinition, opts JobOptions) (*Job, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		return nil, errors.New("job requires an id")
	}
	if opts.Resolve == nil {
		return nil, errors.New("job requires a transformation resolver")
	}
	entries := make([]EntryStatus, len(def.Entries))
	for i, e := range def.Entries {
		name := e.Name
		if name == "" {
			name = e.Transformation
		}
		entries[i] = EntryStatus{Name: name, Transformation: e.Transformation, Status: string(engine.StatusWaiting)}
	}
	return &Job{
		def:     def,
		id:      opts.ID,
		vars:    opts.Variables,
		logger:  opts.logger().With("job", def.Name, "id", opts.ID),
		resolve: opts.Resolve,
		rowSet:  opts.RowSetSize,
		status:  engine.StatusWaiting,
		entries: entries,
		done:    make(chan struct{}),
	}, nil
}

func (j *Job) Name() string              { return j.def.Name }
func (j *Job) ID() string                { return j.id }
func (j *Job) Definition() JobDefinition { return j.def }
func (j *Job) Done() <-chan struct{}     { return j.done }

func (j *Job) Status() engine.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Entries reports per-entry progress.
func (j *Job) Entries() []EntryStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]EntryStatus(nil), j.entries...)
}

func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.started || j.stopped {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, j.def.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.started = true
	j.cancel = cancel
	j.status = engine.StatusRunning
	j.startedAt = time.Now()
	j.mu.Unlock()

	j.logger.Info("job started", "entries", len(j.def.Entries))
	go func() {
		defer cancel()
		j.run(runCtx)
	}()
	return nil
}

func (j *Job) run(ctx context.Context) {
	var jobErr error
	for i, e := range j.def.Entries {
		if ctx.Err() != nil {
			break
		}
		def, ok := j.resolve(e.Transformation)
		if !ok {
			jobErr = fmt.Errorf("entry %s: unknown transformation %q", j.entries[i].Name, e.Transformation)
			j.setEntry(i, nil, string(engine.StatusFinishedKO), jobErr)
			break
		}
		vars := env.Var{}
		for k, v := range j.vars {
			vars[k] = v
		}
		for k, v := range def.Variables {
			if _, set := vars[k]; !set {
				vars[k] = v
			}
		}
		t, err := NewTransformation(def, Options{
			ID:         fmt.Sprintf("%s-%d", j.id, i),
			Variables:  vars,
			Logger:     j.logger.With("entry", j.entries[i].Name),
			RowSetSize: j.rowSet,
		})
		if err == nil {
			j.mu.Lock()
			j.current = t
			paused := j.paused
			j.mu.Unlock()
			j.setEntry(i, t, string(engine.StatusRunning), nil)
			err = t.Start(ctx)
			if err == nil && paused {
				_ = t.Pause()
			}
		}
		if err != nil {
			jobErr = fmt.Errorf("entry %s: %w", j.entries[i].Name, err)
			j.setEntry(i, nil, string(engine.StatusFinishedKO), err)
			break
		}
		<-t.Done()
		st := t.Status()
		j.setEntry(i, t, string(st), t.Err())
		if st == engine.StatusFinishedKO && !e.IgnoreErrors {
			jobErr = fmt.Errorf("entry %s: %w", j.entries[i].Name, t.Err())
			break
		}
		if st == engine.StatusStopped {
			break
		}
	}
	j.finish(jobErr)
}

func (j *Job) setEntry(i int, t *Transformation, status string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if t != nil {
		j.entries[i].ID = t.ID()
	}
	j.entries[i].Status = status
	if err != nil {
		j.entries[i].Error = err.Error()
	}
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.current = nil
	j.finishedAt = time.Now()
	switch {
	case err != nil:
		j.err = err
		j.status = engine.StatusFinishedKO
	case j.stopped:
		j.status = engine.StatusStopped
	default:
		j.status = engine.StatusFinished
	}
	status := j.status
	j.mu.Unlock()
	if err != nil {
		j.logger.Error("job ended", "status", string(status), "error", err)
	} else {
		j.logger.Info("job ended", "status", string(status))
	}
	j.doneOnce.Do(func() { close(j.done) })
}

func (j *Job) Stop() {
	j.mu.Lock()
	if j.stopped || j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	if !j.started {
		j.status = engine.StatusStopped
		j.finishedAt = time.Now()
		j.mu.Unlock()
		j.doneOnce.Do(func() { close(j.done) })
		return
	}
	cancel, cur := j.cancel, j.current
	j.mu.Unlock()
	j.logger.Info("stopping job")
	if cur != nil {
		cur.Stop()
	}
	cancel()
}

func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != engine.StatusRunning {
		return fmt.Errorf("%w: %s is %s", engine.ErrNotRunning, j.def.Name, j.status)
	}
	j.paused = true
	j.status = engine.StatusPaused
	if j.current != nil {
		_ = j.current.Pause()
	}
	return nil
}

func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != engine.StatusPaused {
		return fmt.Errorf("%w: %s is %s", engine.ErrNotRunning, j.def.Name, j.status)
	}
	j.paused = false
	j.status = engine.StatusRunning
	if j.current != nil {
		_ = j.current.Resume()
	}
	return nil
}
