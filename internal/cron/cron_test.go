package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExec struct {
	engine.Execution
	id   string
	done chan struct{}
}

func (e *stubExec) ID() string            { return e.id }
func (e *stubExec) Done() <-chan struct{} { return e.done }

type stubLauncher struct {
	mu    sync.Mutex
	calls []string
	execs []*stubExec
	fail  bool
}

func (l *stubLauncher) Launch(_ context.Context, kind, target string) (engine.Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, kind+"/"+target)
	if l.fail {
		return nil, errors.New("boom")
	}
	e := &stubExec{id: target, done: make(chan struct{})}
	l.execs = append(l.execs, e)
	return e, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *stubLauncher) finishAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.execs {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
}

func TestParseEvery(t *testing.T) {
	d, err := parseEvery("@every 100ms")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)

	d, err = parseEvery("2s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	for _, bad := range []string{"* * * * *", "@daily", "@every", "@every -1s", "@every 0s", "soon"} {
		_, err := parseEvery(bad)
		assert.Error(t, err, bad)
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(&stubLauncher{}, nil)
	assert.Error(t, s.Add(&Job{Target: "t", Schedule: "1s"}))
	assert.Error(t, s.Add(&Job{Name: "a", Schedule: "1s"}))
	assert.Error(t, s.Add(&Job{Name: "a", Target: "t"}))
	assert.Error(t, s.Add(&Job{Name: "a", Target: "t", Schedule: "@hourly"}))
	require.NoError(t, s.Add(&Job{Name: "a", Target: "t", Schedule: "1s"}))
	assert.Error(t, s.Add(&Job{Name: "a", Target: "t", Schedule: "1s"}), "duplicate name")
	assert.Len(t, s.Jobs(), 1)
}

func TestSchedulerSingletonSkipsWhileActive(t *testing.T) {
	l := &stubLauncher{}
	s := NewScheduler(l, nil)
	job := &Job{Name: "j1", Kind: "transformation", Target: "etl", Schedule: "@every 20ms", Singleton: true}
	require.NoError(t, s.Add(job))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return job.Skipped() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, int64(1), job.Fired())

	l.finishAll()
	require.Eventually(t, func() bool { return l.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, "transformation/etl", l.calls[0])
}

func TestSchedulerOverlapAllowed(t *testing.T) {
	l := &stubLauncher{}
	s := NewScheduler(l, nil)
	job := &Job{Name: "j", Kind: "job", Target: "nightly", Schedule: "20ms"}
	require.NoError(t, s.Add(job))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return l.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Zero(t, job.Skipped())

	n := l.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, l.count(), "no launches after Stop")
}

func TestSchedulerLaunchFailureReleasesSlot(t *testing.T) {
	l := &stubLauncher{fail: true}
	s := NewScheduler(l, nil)
	job := &Job{Name: "j", Target: "missing", Schedule: "10ms", Singleton: true}
	require.NoError(t, s.Add(job))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return l.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, job.Fired())
	assert.Zero(t, job.Skipped())
}

func TestSchedulerStartTwice(t *testing.T) {
	s := NewScheduler(&stubLauncher{}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Add(&Job{Name: "late", Target: "t", Schedule: "1s"}))
	s.Stop()
	s.Stop()
}
