package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/carte/internal/cron"
	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/env"
	"github.com/loykin/carte/internal/history"
	"github.com/loykin/carte/internal/logger"
	"github.com/loykin/carte/internal/metrics"
	"github.com/loykin/carte/internal/pipeline"
	"github.com/loykin/carte/internal/registry"
	"github.com/loykin/carte/internal/sniff"
)

var (
	ErrUnknownTransformation = errors.New("unknown transformation")
	ErrUnknownJob            = errors.New("unknown job")
	ErrUnknownKind           = errors.New("unknown execution kind")
	ErrStillActive           = errors.New("execution is still active")
	ErrShutdown              = errors.New("manager is shut down")
)

// Kind of execution.
type Kind string

const (
	KindTransformation Kind = history.KindTransformation
	KindJob            Kind = history.KindJob
)

// ParseKind accepts the short forms used by the HTTP API and the CLI.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "trans", "transformation":
		return KindTransformation, nil
	case "job":
		return KindJob, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Options struct {
	// Variables are server-wide and override definition defaults.
	Variables map[string]string
	Log       logger.Config
	// Sniff configures the sniff directory; Executions is filled in by New.
	Sniff      sniff.Options
	History    *history.Recorder
	RowSetSize int
	Logger     *slog.Logger
}

// Manager owns the transformation and job registries, the definition
// catalog and the sniff directory.
type Manager struct {
	base     *slog.Logger
	logger   *slog.Logger
	log      logger.Config
	env      *env.Env
	rowSet   int
	recorder *history.Recorder

	trans *registry.Registry[engine.Execution]
	jobs  *registry.Registry[engine.Execution]
	sniff *sniff.Directory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// startMu makes the status check, rebuild and start of Start one step.
	startMu sync.Mutex

	mu        sync.RWMutex
	transDefs map[string]pipeline.Definition
	jobDefs   map[string]pipeline.JobDefinition
	meta      map[string]*execMeta
	scheduler *cron.Scheduler
	closed    bool
}

// execMeta is what the manager keeps next to a registered execution.
type execMeta struct {
	kind     Kind
	transDef pipeline.Definition
	jobDef   pipeline.JobDefinition
	logs     *logger.LogBuffer
	file     io.WriteCloser
}

func New(opts Options) (*Manager, error) {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	e := env.New()
	for k, v := range opts.Variables {
		e.Set(k, v)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		base:      lg,
		logger:    lg.With("component", "manager"),
		log:       opts.Log,
		env:       e,
		rowSet:    opts.RowSetSize,
		recorder:  opts.History,
		trans:     registry.New[engine.Execution](),
		jobs:      registry.New[engine.Execution](),
		ctx:       ctx,
		cancel:    cancel,
		transDefs: make(map[string]pipeline.Definition),
		jobDefs:   make(map[string]pipeline.JobDefinition),
		meta:      make(map[string]*execMeta),
	}
	so := opts.Sniff
	so.Executions = m.trans
	if so.Logger == nil {
		so.Logger = lg
	}
	d, err := sniff.New(so)
	if err != nil {
		cancel()
		return nil, err
	}
	m.sniff = d
	return m, nil
}

// Sniff returns the sniff directory bound to the transformation registry.
func (m *Manager) Sniff() *sniff.Directory { return m.sniff }

func (m *Manager) registryFor(kind Kind) (*registry.Registry[engine.Execution], error) {
	switch kind {
	case KindTransformation:
		return m.trans, nil
	case KindJob:
		return m.jobs, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// DefineTransformation adds def to the catalog jobs and schedules resolve
// names against. A later definition with the same name replaces it.
func (m *Manager) DefineTransformation(def pipeline.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.transDefs[def.Name] = def
	m.mu.Unlock()
	return nil
}

func (m *Manager) DefineJob(def pipeline.JobDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.jobDefs[def.Name] = def
	m.mu.Unlock()
	return nil
}

func (m *Manager) TransformationDefinition(name string) (pipeline.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.transDefs[name]
	return d, ok
}

func (m *Manager) JobDefinition(name string) (pipeline.JobDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.jobDefs[name]
	return d, ok
}

// AddTransformation registers a new transformation execution in Waiting
// status and adds its definition to the catalog.
func (m *Manager) AddTransformation(def pipeline.Definition, cfg registry.Config) (registry.Entry, error) {
	if err := m.DefineTransformation(def); err != nil {
		return registry.Entry{}, err
	}
	return m.add(&execMeta{kind: KindTransformation, transDef: def}, def.Name, cfg)
}

// AddJob registers a new job execution in Waiting status.
func (m *Manager) AddJob(def pipeline.JobDefinition, cfg registry.Config) (registry.Entry, error) {
	if err := m.DefineJob(def); err != nil {
		return registry.Entry{}, err
	}
	return m.add(&execMeta{kind: KindJob, jobDef: def}, def.Name, cfg)
}

func (m *Manager) add(meta *execMeta, name string, cfg registry.Config) (registry.Entry, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return registry.Entry{}, ErrShutdown
	}
	reg, err := m.registryFor(meta.kind)
	if err != nil {
		return registry.Entry{}, err
	}
	entry := registry.Entry{Name: name, ID: uuid.NewString()}
	meta.logs = logger.NewLogBuffer(m.logLines())
	meta.file = m.log.File.ExecutionWriter(name)
	exec, err := m.build(meta, entry.ID, cfg)
	if err != nil {
		meta.close()
		return registry.Entry{}, err
	}
	if err := reg.Register(entry, exec, cfg); err != nil {
		meta.close()
		// a uuid collision means id allocation is broken
		return registry.Entry{}, fmt.Errorf("register %s: %w", entry, err)
	}
	m.mu.Lock()
	m.meta[entry.ID] = meta
	m.mu.Unlock()
	metrics.SetRegistered(string(meta.kind), reg.Len())
	m.logger.Info("execution registered", "kind", meta.kind, "name", entry.Name, "id", entry.ID)
	return entry, nil
}

func (m *Manager) logLines() int {
	if m.log.LogLines > 0 {
		return m.log.LogLines
	}
	return logger.DefaultLogLines
}

// build creates a fresh engine execution for meta under id.
func (m *Manager) build(meta *execMeta, id string, cfg registry.Config) (engine.Execution, error) {
	level := m.log.Slog.Level.Slog()
	if cfg.LogLevel != "" {
		level = ParseLogLevel(cfg.LogLevel)
	}
	handlers := []slog.Handler{meta.logs.Handler(level), m.base.Handler()}
	if meta.file != nil {
		handlers = append(handlers, slog.NewJSONHandler(meta.file, &slog.HandlerOptions{Level: level}))
	}
	lg := slog.New(logger.Tee(handlers...))

	switch meta.kind {
	case KindTransformation:
		return pipeline.NewTransformation(meta.transDef, pipeline.Options{
			ID:         id,
			Variables:  m.variables(meta.transDef.Variables, cfg),
			Logger:     lg,
			RowSetSize: m.rowSet,
		})
	case KindJob:
		return pipeline.NewJob(meta.jobDef, pipeline.JobOptions{
			Options: pipeline.Options{
				ID:         id,
				Variables:  m.variables(meta.jobDef.Variables, cfg),
				Logger:     lg,
				RowSetSize: m.rowSet,
			},
			Resolve: m.TransformationDefinition,
		})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, meta.kind)
}

// variables layers definition defaults, server variables, then the
// execution's parameters and variables.
func (m *Manager) variables(defaults map[string]string, cfg registry.Config) env.Var {
	m.mu.RLock()
	base := env.New()
	for k, v := range defaults {
		base.Set(k, v)
	}
	for k, v := range m.env.Var {
		base.Set(k, v)
	}
	m.mu.RUnlock()
	return base.Merge(cfg.Parameters, cfg.Variables)
}

// Resolve finds an execution: exactly when id is given, else the most
// recently registered one with that name.
func (m *Manager) Resolve(kind Kind, name, id string) (registry.Item[engine.Execution], error) {
	reg, err := m.registryFor(kind)
	if err != nil {
		return registry.Item[engine.Execution]{}, err
	}
	if name == "" && id != "" {
		if it, ok := reg.LookupID(id); ok {
			return it, nil
		}
		return registry.Item[engine.Execution]{}, fmt.Errorf("%w: id %s", registry.ErrNotFound, id)
	}
	return reg.Resolve(name, id)
}

// Start starts a registered execution. A finished execution is rebuilt from
// its definition and runs again under the same id.
func (m *Manager) Start(kind Kind, name, id string) (registry.Entry, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return registry.Entry{}, err
	}
	exec := it.Handle
	st := exec.Status()
	switch {
	case st == engine.StatusWaiting:
	case st.Terminal():
		if exec, err = m.rebuild(kind, it); err != nil {
			return it.Entry, err
		}
	default:
		return it.Entry, fmt.Errorf("%w: %s is %s", engine.ErrAlreadyStarted, it.Entry, st)
	}
	if err := m.start(kind, it.Entry, exec); err != nil {
		return it.Entry, err
	}
	return it.Entry, nil
}

func (m *Manager) rebuild(kind Kind, it registry.Item[engine.Execution]) (engine.Execution, error) {
	reg, _ := m.registryFor(kind)
	m.mu.RLock()
	meta := m.meta[it.Entry.ID]
	m.mu.RUnlock()
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, it.Entry)
	}
	exec, err := m.build(meta, it.Entry.ID, it.Config)
	if err != nil {
		return nil, err
	}
	// sessions of the previous run hold its rows and a released subscription
	m.sniff.DetachExecution(it.Entry.ID)
	if err := reg.Replace(it.Entry, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (m *Manager) start(kind Kind, entry registry.Entry, exec engine.Execution) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	if err := exec.Start(m.ctx); err != nil {
		return err
	}
	metrics.IncExecutionStart(string(kind), entry.Name)
	m.record(history.EventStart, kind, entry, exec)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-exec.Done()
		status := exec.Status()
		metrics.ObserveExecutionEnd(string(kind), entry.Name, string(status), exec.FinishedAt().Sub(exec.StartedAt()).Seconds())
		m.record(history.EventEnd, kind, entry, exec)
	}()
	return nil
}

func (m *Manager) record(t history.EventType, kind Kind, entry registry.Entry, exec engine.Execution) {
	if !m.recorder.Enabled() {
		return
	}
	rec := history.Record{
		Kind:       string(kind),
		Name:       entry.Name,
		ID:         entry.ID,
		Status:     string(exec.Status()),
		StartedAt:  exec.StartedAt(),
		FinishedAt: exec.FinishedAt(),
	}
	if err := exec.Err(); err != nil {
		rec.Error = err.Error()
	}
	m.recorder.Record(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// Run adds and starts an execution in one step.
func (m *Manager) RunTransformation(def pipeline.Definition, cfg registry.Config) (registry.Entry, error) {
	entry, err := m.AddTransformation(def, cfg)
	if err != nil {
		return entry, err
	}
	return m.Start(KindTransformation, entry.Name, entry.ID)
}

func (m *Manager) RunJob(def pipeline.JobDefinition, cfg registry.Config) (registry.Entry, error) {
	entry, err := m.AddJob(def, cfg)
	if err != nil {
		return entry, err
	}
	return m.Start(KindJob, entry.Name, entry.ID)
}

// Stop stops an execution; stopping an ended execution is a no-op.
func (m *Manager) Stop(kind Kind, name, id string) (registry.Entry, error) {
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return registry.Entry{}, err
	}
	it.Handle.Stop()
	return it.Entry, nil
}

// Pause toggles between Paused and Running and returns the new status.
func (m *Manager) Pause(kind Kind, name, id string) (registry.Entry, engine.Status, error) {
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return registry.Entry{}, "", err
	}
	exec := it.Handle
	if exec.Status() == engine.StatusPaused {
		err = exec.Resume()
	} else {
		err = exec.Pause()
	}
	return it.Entry, exec.Status(), err
}

// Remove drops an execution that is not running.
func (m *Manager) Remove(kind Kind, name, id string) (registry.Entry, error) {
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return registry.Entry{}, err
	}
	if st := it.Handle.Status(); st.Active() {
		return it.Entry, fmt.Errorf("%w: %s is %s", ErrStillActive, it.Entry, st)
	}
	m.remove(kind, it.Entry)
	return it.Entry, nil
}

func (m *Manager) remove(kind Kind, entry registry.Entry) {
	reg, _ := m.registryFor(kind)
	m.sniff.DetachExecution(entry.ID)
	if !reg.Remove(entry) {
		return
	}
	m.mu.Lock()
	meta := m.meta[entry.ID]
	delete(m.meta, entry.ID)
	m.mu.Unlock()
	meta.close()
	metrics.SetRegistered(string(kind), reg.Len())
	m.logger.Info("execution removed", "kind", kind, "name", entry.Name, "id", entry.ID)
}

// Cleanup stops an execution, detaches its sniff sessions, waits for it to
// end (bounded by ctx) and removes it.
func (m *Manager) Cleanup(ctx context.Context, kind Kind, name, id string) (registry.Entry, error) {
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return registry.Entry{}, err
	}
	it.Handle.Stop()
	m.sniff.DetachExecution(it.Entry.ID)
	select {
	case <-it.Handle.Done():
	case <-ctx.Done():
		return it.Entry, fmt.Errorf("cleanup %s: %w", it.Entry, ctx.Err())
	}
	m.remove(kind, it.Entry)
	return it.Entry, nil
}

// Launch runs a catalog definition by name; schedules use it.
func (m *Manager) Launch(_ context.Context, kind string, target string) (engine.Execution, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	var entry registry.Entry
	switch k {
	case KindTransformation:
		def, ok := m.TransformationDefinition(target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransformation, target)
		}
		entry, err = m.RunTransformation(def, registry.Config{})
	case KindJob:
		def, ok := m.JobDefinition(target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, target)
		}
		entry, err = m.RunJob(def, registry.Config{})
	}
	if err != nil {
		return nil, err
	}
	it, err := m.Resolve(k, entry.Name, entry.ID)
	if err != nil {
		return nil, err
	}
	return it.Handle, nil
}

// StartSchedules launches the given schedules; they stop on Shutdown.
func (m *Manager) StartSchedules(jobs []*cron.Job) error {
	s := cron.NewScheduler(m, m.logger)
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.scheduler != nil {
		m.mu.Unlock()
		return errors.New("schedules already started")
	}
	m.scheduler = s
	m.mu.Unlock()
	return s.Start(m.ctx)
}

// Shutdown stops schedules, detaches every sniff session, stops every
// execution and clears the registries. Pending history events are flushed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sched := m.scheduler
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	var errs []error
	if err := m.sniff.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	items := append(m.trans.Drain(), m.jobs.Drain()...)
	for _, it := range items {
		it.Handle.Stop()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for executions: %w", ctx.Err()))
	}
	m.cancel()

	m.mu.Lock()
	for id, meta := range m.meta {
		meta.close()
		delete(m.meta, id)
	}
	m.mu.Unlock()
	metrics.SetRegistered(string(KindTransformation), 0)
	metrics.SetRegistered(string(KindJob), 0)

	if err := m.recorder.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("manager shut down", "executions", len(items))
	return errors.Join(errs...)
}

func (e *execMeta) close() {
	if e != nil && e.file != nil {
		_ = e.file.Close()
	}
}
