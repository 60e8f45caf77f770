package sniff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/carte/internal/engine"
)

// fakeExec is a sniffable execution whose rows are pushed by the test.
type fakeExec struct {
	name  string
	id    string
	steps map[string][]*fakeStep

	mu       sync.Mutex
	status   engine.Status
	done     chan struct{}
	doneOnce sync.Once
}

type fakeStep struct {
	name string
	nr   int
	in   engine.Hub
	out  engine.Hub
}

func (s *fakeStep) StepName() string { return s.name }
func (s *fakeStep) CopyNr() int      { return s.nr }

func (s *fakeStep) Subscribe(dir engine.Direction, fn engine.RowFunc) func() {
	if dir == engine.Input {
		return s.in.Subscribe(fn)
	}
	return s.out.Subscribe(fn)
}

func newFakeExec(name, id string, steps ...string) *fakeExec {
	f := &fakeExec{name: name, id: id, steps: map[string][]*fakeStep{}, status: engine.StatusRunning, done: make(chan struct{})}
	for _, s := range steps {
		f.steps[s] = []*fakeStep{{name: s}, {name: s, nr: 1}}
	}
	return f
}

var testMeta = engine.NewRowMeta(engine.ValueMeta{Name: "n", Type: engine.TypeInteger})

func (f *fakeExec) emit(step string, copyNr int, dir engine.Direction, n int) {
	sc := f.steps[step][copyNr]
	if dir == engine.Input {
		sc.in.Emit(testMeta, engine.Row{int64(n)})
		return
	}
	sc.out.Emit(testMeta, engine.Row{int64(n)})
}

func (f *fakeExec) finish() {
	f.mu.Lock()
	f.status = engine.StatusFinished
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeExec) Name() string                  { return f.name }
func (f *fakeExec) ID() string                    { return f.id }
func (f *fakeExec) Start(context.Context) error   { return nil }
func (f *fakeExec) Stop()                         { f.finish() }
func (f *fakeExec) Pause() error                  { return nil }
func (f *fakeExec) Resume() error                 { return nil }
func (f *fakeExec) Done() <-chan struct{}         { return f.done }
func (f *fakeExec) Err() error                    { return nil }
func (f *fakeExec) StartedAt() time.Time          { return time.Time{} }
func (f *fakeExec) FinishedAt() time.Time         { return time.Time{} }
func (f *fakeExec) Steps() []engine.StepStatus    { return nil }

func (f *fakeExec) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeExec) StepCopy(name string, copyNr int) (engine.StepCopy, error) {
	group, ok := f.steps[name]
	if !ok || copyNr < 0 || copyNr >= len(group) {
		return nil, fmt.Errorf("%w: %s.%d", engine.ErrStepNotFound, name, copyNr)
	}
	return group[copyNr], nil
}

// plainExec hides the step lookup so it can't be sniffed.
type plainExec struct{ engine.Execution }
