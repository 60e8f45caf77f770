package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/env"
)

// DefaultRowSetSize is the capacity of the channel between two step copies.
const DefaultRowSetSize = 1000

type rowMsg struct {
	meta *engine.RowMeta
	row  engine.Row
}

// Options configures a new execution.
type Options struct {
	ID         string
	Variables  env.Var
	Logger     *slog.Logger
	RowSetSize int
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Transformation runs the steps of a Definition, one goroutine per step copy.
type Transformation struct {
	def        Definition
	id         string
	logger     *slog.Logger
	rowSetSize int

	mu         sync.Mutex
	status     engine.Status
	started    bool
	stopped    bool
	err        error
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc

	gate     *gate
	steps    [][]*stepCopy
	done     chan struct{}
	doneOnce sync.Once
}

var _ engine.Sniffable = (*Transformation)(nil)

// NewTransformation validates def and prepares its step copies.
func NewTransformation(def Definition, opts Options) (*Transformation, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		return nil, errors.New("transformation requires an id")
	}
	vars := opts.Variables
	if vars == nil {
		vars = env.Var{}
	}
	size := opts.RowSetSize
	if size <= 0 {
		size = DefaultRowSetSize
	}
	t := &Transformation{
		def:        def,
		id:         opts.ID,
		logger:     opts.logger().With("transformation", def.Name, "id", opts.ID),
		rowSetSize: size,
		status:     engine.StatusWaiting,
		gate:       &gate{},
		done:       make(chan struct{}),
	}
	for _, sd := range def.Steps {
		copies := sd.Copies
		if copies <= 0 {
			copies = 1
		}
		group := make([]*stepCopy, copies)
		for c := 0; c < copies; c++ {
			runner, err := kinds[sd.Type].build(stepConfig{step: sd.Name, raw: sd.Config, vars: vars})
			if err != nil {
				return nil, err
			}
			group[c] = &stepCopy{
				name:   sd.Name,
				copyNr: c,
				runner: runner,
				gate:   t.gate,
				state:  "Waiting",
				logger: t.logger.With("step", sd.Name, "copy", c),
			}
		}
		t.steps = append(t.steps, group)
	}
	return t, nil
}

func (t *Transformation) Name() string           { return t.def.Name }
func (t *Transformation) ID() string             { return t.id }
func (t *Transformation) Definition() Definition { return t.def }
func (t *Transformation) Done() <-chan struct{}  { return t.done }
func (t *Transformation) Logger() *slog.Logger   { return t.logger }

func (t *Transformation) Status() engine.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transformation) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transformation) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Transformation) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Start launches every step copy. ctx bounds the lifetime of the run.
func (t *Transformation) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, t.def.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.started = true
	t.cancel = cancel
	t.status = engine.StatusRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	// input channels for every copy of steps 1..n
	inputs := make([][]chan rowMsg, len(t.steps))
	for i := 1; i < len(t.steps); i++ {
		inputs[i] = make([]chan rowMsg, len(t.steps[i]))
		for c := range inputs[i] {
			inputs[i][c] = make(chan rowMsg, t.rowSetSize)
		}
	}

	t.logger.Info("transformation started", "steps", len(t.steps))
	groups := make([]*sync.WaitGroup, len(t.steps))
	for i, group := range t.steps {
		wg := &sync.WaitGroup{}
		groups[i] = wg
		for c, sc := range group {
			var in <-chan rowMsg
			if i > 0 {
				in = inputs[i][c]
			}
			if i+1 < len(t.steps) {
				sc.forward = roundRobin(inputs[i+1])
			}
			wg.Add(1)
			go func(sc *stepCopy, in <-chan rowMsg) {
				defer wg.Done()
				t.runCopy(runCtx, sc, in)
			}(sc, in)
		}
		if i+1 < len(t.steps) {
			next := inputs[i+1]
			go func() {
				wg.Wait()
				for _, ch := range next {
					close(ch)
				}
			}()
		}
	}
	go func() {
		for _, wg := range groups {
			wg.Wait()
		}
		cancel()
		t.finish()
	}()
	return nil
}

func (t *Transformation) runCopy(ctx context.Context, sc *stepCopy, in <-chan rowMsg) {
	sc.begin()
	err := sc.runner.run(ctx, sc, in)
	switch {
	case err == nil:
		sc.end("Finished")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		sc.end("Stopped")
	default:
		sc.errors.Add(1)
		sc.end("Error")
		sc.logger.Error("step failed", "error", err)
		t.fail(fmt.Errorf("step %s.%d: %w", sc.name, sc.copyNr, err))
	}
}

func (t *Transformation) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Transformation) finish() {
	t.mu.Lock()
	t.finishedAt = time.Now()
	switch {
	case t.err != nil:
		t.status = engine.StatusFinishedKO
	case t.stopped:
		t.status = engine.StatusStopped
	default:
		t.status = engine.StatusFinished
	}
	status := t.status
	elapsed := t.finishedAt.Sub(t.startedAt)
	t.mu.Unlock()
	t.gate.resume()
	t.logger.Info("transformation ended", "status", string(status), "elapsed", elapsed)
	t.doneOnce.Do(func() { close(t.done) })
}

// Stop cancels every step copy. A transformation that never started moves
// straight to Stopped.
func (t *Transformation) Stop() {
	t.mu.Lock()
	if t.stopped || t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if !t.started {
		t.status = engine.StatusStopped
		t.finishedAt = time.Now()
		t.mu.Unlock()
		t.doneOnce.Do(func() { close(t.done) })
		return
	}
	cancel := t.cancel
	t.mu.Unlock()
	t.logger.Info("stopping transformation")
	cancel()
}

// Pause holds every step copy before its next row.
func (t *Transformation) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != engine.StatusRunning {
		return fmt.Errorf("%w: %s is %s", engine.ErrNotRunning, t.def.Name, t.status)
	}
	t.gate.pause()
	t.status = engine.StatusPaused
	return nil
}

// Resume releases a paused transformation.
func (t *Transformation) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != engine.StatusPaused {
		return fmt.Errorf("%w: %s is %s", engine.ErrNotRunning, t.def.Name, t.status)
	}
	t.gate.resume()
	t.status = engine.StatusRunning
	return nil
}

// StepCopy resolves a step copy by name and copy number.
func (t *Transformation) StepCopy(name string, copyNr int) (engine.StepCopy, error) {
	for _, group := range t.steps {
		if len(group) == 0 || group[0].name != name {
			continue
		}
		if copyNr < 0 || copyNr >= len(group) {
			break
		}
		return group[copyNr], nil
	}
	return nil, fmt.Errorf("%w: %s.%d in %s", engine.ErrStepNotFound, name, copyNr, t.def.Name)
}

// Steps reports the status of every step copy in pipeline order.
func (t *Transformation) Steps() []engine.StepStatus {
	var out []engine.StepStatus
	for _, group := range t.steps {
		for _, sc := range group {
			out = append(out, sc.status())
		}
	}
	return out
}

func roundRobin(targets []chan rowMsg) func(context.Context, rowMsg) error {
	var n int
	return func(ctx context.Context, msg rowMsg) error {
		ch := targets[n%len(targets)]
		n++
		select {
		case ch <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stepCopy is one goroutine's worth of a step.
type stepCopy struct {
	name    string
	copyNr  int
	runner  stepRunner
	gate    *gate
	logger  *slog.Logger
	forward func(context.Context, rowMsg) error

	inHub  engine.Hub
	outHub engine.Hub

	read    atomic.Int64
	written atomic.Int64
	errors  atomic.Int64

	mu       sync.Mutex
	state    string
	started  time.Time
	duration time.Duration
}

var _ engine.StepCopy = (*stepCopy)(nil)

func (sc *stepCopy) StepName() string { return sc.name }
func (sc *stepCopy) CopyNr() int      { return sc.copyNr }

func (sc *stepCopy) Subscribe(dir engine.Direction, fn engine.RowFunc) func() {
	if dir == engine.Input {
		return sc.inHub.Subscribe(fn)
	}
	return sc.outHub.Subscribe(fn)
}

// next reads one row, honoring pause and cancellation. ok is false once the
// input is exhausted.
func (sc *stepCopy) next(ctx context.Context, in <-chan rowMsg) (rowMsg, bool, error) {
	if in == nil {
		return rowMsg{}, false, nil
	}
	if err := sc.gate.wait(ctx); err != nil {
		return rowMsg{}, false, err
	}
	select {
	case <-ctx.Done():
		return rowMsg{}, false, ctx.Err()
	case msg, ok := <-in:
		if !ok {
			return rowMsg{}, false, nil
		}
		sc.read.Add(1)
		sc.inHub.Emit(msg.meta, msg.row)
		return msg, true, nil
	}
}

// emit writes one row to observers and the next step.
func (sc *stepCopy) emit(ctx context.Context, meta *engine.RowMeta, row engine.Row) error {
	if err := sc.gate.wait(ctx); err != nil {
		return err
	}
	sc.written.Add(1)
	sc.outHub.Emit(meta, row)
	if sc.forward == nil {
		return nil
	}
	return sc.forward(ctx, rowMsg{meta: meta, row: row})
}

func (sc *stepCopy) begin() {
	sc.mu.Lock()
	sc.state = "Running"
	sc.started = time.Now()
	sc.mu.Unlock()
}

func (sc *stepCopy) end(state string) {
	sc.mu.Lock()
	sc.state = state
	sc.duration = time.Since(sc.started)
	sc.mu.Unlock()
}

func (sc *stepCopy) status() engine.StepStatus {
	sc.mu.Lock()
	state, d := sc.state, sc.duration
	if state == "Running" {
		d = time.Since(sc.started)
	}
	sc.mu.Unlock()
	return engine.StepStatus{
		Name:         sc.name,
		Copy:         sc.copyNr,
		Status:       state,
		LinesRead:    sc.read.Load(),
		LinesWritten: sc.written.Load(),
		Errors:       sc.errors.Load(),
		Duration:     d,
	}
}

// gate blocks step copies while a transformation is paused.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) pause() {
	g.mu.Lock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *gate) resume() {
	g.mu.Lock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
	g.mu.Unlock()
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
