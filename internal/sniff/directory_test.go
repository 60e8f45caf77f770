package sniff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts Options) (*Directory, *fakeExec, *registry.Registry[engine.Execution]) {
	t.Helper()
	reg := registry.New[engine.Execution]()
	ex := newFakeExec("trans1", "A", "gen", "out")
	require.NoError(t, reg.Register(registry.Entry{Name: ex.name, ID: ex.id}, ex, registry.Config{}))
	opts.Executions = reg
	d, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d, ex, reg
}

func rowsOf(s Snapshot) []int64 {
	out := make([]int64, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r[0].(int64)
	}
	return out
}

func TestNewRequiresExecutions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestAttachPollKeepsLastRows(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	s, created, err := d.Attach(key, 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, s.Capacity())
	assert.Equal(t, "trans1", s.ExecutionName())

	for i := 1; i <= 5; i++ {
		ex.emit("out", 0, engine.Output, i)
	}
	assert.Eventually(t, func() bool {
		snap, err := d.Poll(key)
		return err == nil && snap.Pushes == 5
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := d.Poll(key)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, rowsOf(snap))
	assert.Equal(t, testMeta, snap.Meta)
	assert.Equal(t, 3, snap.Capacity)
	assert.False(t, snap.Released)
}

func TestAttachIsIdempotent(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	s1, created, err := d.Attach(key, 10)
	require.NoError(t, err)
	require.True(t, created)
	ex.emit("out", 0, engine.Output, 1)

	s2, created, err := d.Attach(key, 99)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, 10, s2.Capacity())
	assert.Equal(t, 1, d.Len())
	assert.Eventually(t, func() bool { return len(s2.Snapshot().Rows) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDirectionsAndCopiesAreSeparateSessions(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	out := Key{ExecutionID: "A", Step: "out"}
	in := Key{ExecutionID: "A", Step: "out", Direction: engine.Input}
	c1 := Key{ExecutionID: "A", Step: "out", Copy: 1}
	for _, k := range []Key{out, in, c1} {
		_, _, err := d.Attach(k, 5)
		require.NoError(t, err)
	}
	ex.emit("out", 0, engine.Input, 7)
	assert.Eventually(t, func() bool {
		s, _ := d.Poll(in)
		return len(s.Rows) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s, _ := d.Poll(out)
	assert.Empty(t, s.Rows)
	s, _ = d.Poll(c1)
	assert.Empty(t, s.Rows)
	assert.Len(t, d.List(), 3)
}

func TestDetachIsIdempotent(t *testing.T) {
	d, _, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	assert.False(t, d.Detach(key))
	_, _, err := d.Attach(key, 5)
	require.NoError(t, err)
	assert.True(t, d.Detach(key))
	assert.False(t, d.Detach(key))
	_, err = d.Poll(key)
	assert.ErrorIs(t, err, ErrSessionAbsent)
}

func TestDetachUnsubscribes(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	s, _, err := d.Attach(key, 5)
	require.NoError(t, err)
	ex.emit("out", 0, engine.Output, 1)
	require.True(t, d.Detach(key))

	before := s.Snapshot()
	assert.Equal(t, 0, ex.steps["out"][0].out.Len())
	ex.emit("out", 0, engine.Output, 2)
	ex.emit("out", 0, engine.Output, 3)
	after := s.Snapshot()
	assert.Equal(t, before.Rows, after.Rows)
	assert.Equal(t, before.Pushes, after.Pushes)
	assert.True(t, after.Released)
}

func TestAttachNotFound(t *testing.T) {
	d, _, reg := setup(t, Options{})
	_, _, err := d.Attach(Key{ExecutionID: "A", Step: "missing"}, 5)
	assert.ErrorIs(t, err, engine.ErrStepNotFound)
	_, _, err = d.Attach(Key{ExecutionID: "A", Step: "out", Copy: 5}, 5)
	assert.ErrorIs(t, err, engine.ErrStepNotFound)
	_, _, err = d.Attach(Key{ExecutionID: "nope", Step: "out"}, 5)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	plain := plainExec{newFakeExec("job1", "J", "x")}
	require.NoError(t, reg.Register(registry.Entry{Name: "job1", ID: "J"}, plain, registry.Config{}))
	_, _, err = d.Attach(Key{ExecutionID: "J", Step: "x"}, 5)
	assert.ErrorIs(t, err, engine.ErrNotSniffable)
	assert.Equal(t, 0, d.Len())
}

func TestConcurrentAttachCreatesOneSession(t *testing.T) {
	d, _, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "gen"}
	const n = 32
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	createdCount := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created, err := d.Attach(key, 5)
			assert.NoError(t, err)
			sessions[i] = s
			createdCount[i] = created
		}(i)
	}
	wg.Wait()
	var created int
	for i := 0; i < n; i++ {
		assert.Same(t, sessions[0], sessions[i])
		if createdCount[i] {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, d.Len())
}

func TestCapacityDefaults(t *testing.T) {
	d, _, _ := setup(t, Options{DefaultBuffer: 7, MaxBuffer: 20})
	s, _, err := d.Attach(Key{ExecutionID: "A", Step: "out"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, s.Capacity())
	s, _, err = d.Attach(Key{ExecutionID: "A", Step: "gen"}, 500)
	require.NoError(t, err)
	assert.Equal(t, 20, s.Capacity())
}

func TestRowsVisibleAsSoonAsEmitted(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	_, _, err := d.Attach(key, 10)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		ex.emit("out", 0, engine.Output, i)
	}
	snap, err := d.Poll(key)
	require.NoError(t, err)
	assert.Equal(t, []int64{990, 991, 992, 993, 994, 995, 996, 997, 998, 999}, rowsOf(snap))
	assert.Equal(t, uint64(1000), snap.Pushes)
	assert.Equal(t, uint64(990), snap.Dropped)
}

func TestExecutionEndReleasesButKeepsRows(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	_, _, err := d.Attach(key, 5)
	require.NoError(t, err)
	ex.emit("out", 0, engine.Output, 1)
	ex.finish()

	assert.Eventually(t, func() bool {
		snap, err := d.Poll(key)
		return err == nil && snap.Released
	}, 2*time.Second, 5*time.Millisecond)
	snap, err := d.Poll(key)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, rowsOf(snap))
	assert.Equal(t, 0, ex.steps["out"][0].out.Len())
	assert.True(t, d.Detach(key))
}

func TestDetachExecution(t *testing.T) {
	d, _, _ := setup(t, Options{})
	for _, step := range []string{"gen", "out"} {
		_, _, err := d.Attach(Key{ExecutionID: "A", Step: step}, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.DetachExecution("A"))
	assert.Equal(t, 0, d.DetachExecution("A"))
	assert.Equal(t, 0, d.Len())
}

func TestReapIdleSessions(t *testing.T) {
	d, _, _ := setup(t, Options{IdleTimeout: time.Minute, ReapInterval: time.Hour})
	key := Key{ExecutionID: "A", Step: "out"}
	_, _, err := d.Attach(key, 5)
	require.NoError(t, err)

	assert.Equal(t, 0, d.reap(time.Now()))
	assert.Equal(t, 1, d.reap(time.Now().Add(2*time.Minute)))
	_, err = d.Poll(key)
	assert.ErrorIs(t, err, ErrSessionAbsent)
}

func TestReaperLoop(t *testing.T) {
	d, _, _ := setup(t, Options{IdleTimeout: 20 * time.Millisecond, ReapInterval: 5 * time.Millisecond})
	_, _, err := d.Attach(Key{ExecutionID: "A", Step: "out"}, 5)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return d.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownDetachesAll(t *testing.T) {
	d, ex, _ := setup(t, Options{IdleTimeout: time.Minute})
	for _, step := range []string{"gen", "out"} {
		_, _, err := d.Attach(Key{ExecutionID: "A", Step: step}, 5)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, 0, ex.steps["gen"][0].out.Len())
	_, _, err := d.Attach(Key{ExecutionID: "A", Step: "out"}, 5)
	assert.Error(t, err)
	require.NoError(t, d.Shutdown(ctx))
}

func TestConcurrentPushAndPoll(t *testing.T) {
	d, ex, _ := setup(t, Options{})
	key := Key{ExecutionID: "A", Step: "out"}
	_, _, err := d.Attach(key, 10)
	require.NoError(t, err)

	const total = 10000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			ex.emit("out", 0, engine.Output, i)
		}
	}()

	check := func() []int64 {
		snap, err := d.Poll(key)
		require.NoError(t, err)
		rows := rowsOf(snap)
		for i := 1; i < len(rows); i++ {
			require.Equal(t, rows[i-1]+1, rows[i], "snapshot %v is not contiguous", rows)
		}
		if len(rows) > 0 {
			require.Equal(t, int64(snap.Pushes-1), rows[len(rows)-1], "snapshot lags the pushes")
		}
		return rows
	}
	for {
		select {
		case <-done:
			assert.Equal(t, []int64{9990, 9991, 9992, 9993, 9994, 9995, 9996, 9997, 9998, 9999}, check())
			snap, _ := d.Poll(key)
			assert.Equal(t, uint64(total), snap.Pushes)
			assert.Equal(t, uint64(total-10), snap.Dropped)
			return
		default:
			check()
		}
	}
}
