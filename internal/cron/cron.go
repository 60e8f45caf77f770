package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/carte/internal/engine"
)

// Launcher starts a new execution of a registered definition.
type Launcher interface {
	Launch(ctx context.Context, kind, target string) (engine.Execution, error)
}

// Job defines a scheduled run of a transformation or job definition.
// Schedule supports "@every <duration>" or a bare duration.
// With Singleton set, a tick is skipped while the previous execution of the
// same job has not finished.
type Job struct {
	Name      string
	Kind      string
	Target    string
	Schedule  string
	Singleton bool

	running atomic.Bool
	fired   atomic.Int64
	skipped atomic.Int64
}

// Fired is the number of executions launched by this job.
func (j *Job) Fired() int64   { return j.fired.Load() }
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	durStr := expr
	if rest, ok := strings.CutPrefix(expr, "@every"); ok {
		durStr = strings.TrimSpace(rest)
	} else if strings.HasPrefix(expr, "@") || strings.ContainsAny(expr, "* ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("schedule requires a name")
	}
	if j.Target == "" {
		return fmt.Errorf("schedule %s requires a target", j.Name)
	}
	if j.Schedule == "" {
		return fmt.Errorf("schedule %s requires an interval", j.Name)
	}
	if _, err := parseEvery(j.Schedule); err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	return nil
}

// Scheduler fires jobs through a Launcher.
// Use Start to launch the background tickers, and Stop to cancel them.
type Scheduler struct {
	launcher Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	jobs    []*Job
	names   map[string]bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(l Launcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{launcher: l, logger: logger.With("component", "scheduler"), names: map[string]bool{}}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.names[job.Name] {
		return fmt.Errorf("duplicate schedule %q", job.Name)
	}
	s.names[job.Name] = true
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Job(nil), s.jobs...)
}

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, j := range s.jobs {
		d, _ := parseEvery(j.Schedule) // validated by Add
		s.wg.Add(1)
		go s.runJob(ctx, j, d)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if j.Singleton && !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				s.logger.Debug("previous run still active, skipping tick", "schedule", j.Name)
				continue
			}
			exec, err := s.launcher.Launch(ctx, j.Kind, j.Target)
			if err != nil {
				j.running.Store(false)
				s.logger.Warn("scheduled launch failed", "schedule", j.Name, "target", j.Target, "error", err)
				continue
			}
			j.fired.Add(1)
			s.logger.Info("scheduled launch", "schedule", j.Name, "target", j.Target, "id", exec.ID())
			if !j.Singleton {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				select {
				case <-exec.Done():
				case <-ctx.Done():
				}
			}()
		}
	}
}

// Stop cancels all job loops and waits for them to return. Executions
// already launched keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
