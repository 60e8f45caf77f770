package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverFor(defs ...Definition) Resolver {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return func(name string) (Definition, bool) {
		d, ok := m[name]
		return d, ok
	}
}

func TestJobRunsEntriesInOrder(t *testing.T) {
	a := Definition{Name: "a", Steps: []StepDef{{Name: "g", Type: "generate", Config: map[string]any{"limit": 2}}}}
	b := Definition{Name: "b", Steps: []StepDef{{Name: "g", Type: "generate", Config: map[string]any{"limit": 3}}}}
	def := JobDefinition{Name: "j", Entries: []JobEntry{{Name: "first", Transformation: "a"}, {Transformation: "b"}}}
	j, err := NewJob(def, JobOptions{Options: Options{ID: "job-1"}, Resolve: resolverFor(a, b)})
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	waitDone(t, j)
	assert.Equal(t, engine.StatusFinished, j.Status())
	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)
	assert.Equal(t, string(engine.StatusFinished), entries[1].Status)
	assert.Equal(t, "job-1-1", entries[1].ID)
}

func TestJobUnknownTransformation(t *testing.T) {
	def := JobDefinition{Name: "j", Entries: []JobEntry{{Transformation: "missing"}}}
	j, err := NewJob(def, JobOptions{Options: Options{ID: "1"}, Resolve: resolverFor()})
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	waitDone(t, j)
	assert.Equal(t, engine.StatusFinishedKO, j.Status())
	assert.Error(t, j.Err())
}

func TestJobStopsOnFailureUnlessIgnored(t *testing.T) {
	bad := Definition{Name: "bad", Steps: []StepDef{
		{Name: "g", Type: "generate", Config: map[string]any{"limit": 1}},
		{Name: "f", Type: "filter", Config: map[string]any{"field": "nope"}},
	}}
	good := Definition{Name: "good", Steps: []StepDef{{Name: "g", Type: "generate", Config: map[string]any{"limit": 1}}}}

	def := JobDefinition{Name: "j", Entries: []JobEntry{{Transformation: "bad"}, {Transformation: "good"}}}
	j, err := NewJob(def, JobOptions{Options: Options{ID: "1"}, Resolve: resolverFor(bad, good)})
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	waitDone(t, j)
	assert.Equal(t, engine.StatusFinishedKO, j.Status())
	assert.Equal(t, string(engine.StatusWaiting), j.Entries()[1].Status)

	def.Entries[0].IgnoreErrors = true
	j, err = NewJob(def, JobOptions{Options: Options{ID: "2"}, Resolve: resolverFor(bad, good)})
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	waitDone(t, j)
	assert.Equal(t, engine.StatusFinished, j.Status())
}

func TestJobStop(t *testing.T) {
	forever := Definition{Name: "forever", Steps: []StepDef{
		{Name: "g", Type: "generate", Config: map[string]any{"limit": 0, "interval": "1ms"}},
	}}
	def := JobDefinition{Name: "j", Entries: []JobEntry{{Transformation: "forever"}, {Transformation: "forever"}}}
	j, err := NewJob(def, JobOptions{Options: Options{ID: "1"}, Resolve: resolverFor(forever)})
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, j.Pause())
	assert.Equal(t, engine.StatusPaused, j.Status())
	require.NoError(t, j.Resume())
	j.Stop()
	waitDone(t, j)
	assert.Equal(t, engine.StatusStopped, j.Status())
}

func TestNewJobValidation(t *testing.T) {
	def := JobDefinition{Name: "j", Entries: []JobEntry{{Transformation: "x"}}}
	_, err := NewJob(def, JobOptions{Resolve: resolverFor()})
	assert.Error(t, err)
	_, err = NewJob(def, JobOptions{Options: Options{ID: "1"}})
	assert.Error(t, err)
}
