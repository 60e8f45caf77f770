package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestRecorderDeliversToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	bad := &memSink{fail: true}
	r := NewRecorder([]Sink{a, bad, b}, RecorderOptions{})
	assert.True(t, r.Enabled())

	r.Record(Event{Type: EventStart, Record: Record{Kind: KindTransformation, Name: "t", ID: "1"}})
	r.Record(Event{Type: EventEnd, Record: Record{Kind: KindTransformation, Name: "t", ID: "1", Status: "Finished"}})
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 2, a.len())
	assert.Equal(t, 2, b.len())
	assert.True(t, a.closed)
	assert.True(t, bad.closed)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, EventEnd, b.events[1].Type)

	// after close, Record is a no-op
	r.Record(Event{Type: EventStart})
	assert.Equal(t, 2, a.len())
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := NewRecorder(nil, RecorderOptions{})
	assert.False(t, r.Enabled())
	r.Record(Event{Type: EventStart})
	require.NoError(t, r.Close(context.Background()))

	var nilRec *Recorder
	assert.False(t, nilRec.Enabled())
	nilRec.Record(Event{})
	assert.NoError(t, nilRec.Close(context.Background()))
}

type slowSink struct{ release chan struct{} }

func (s slowSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestRecorderDropsWhenFull(t *testing.T) {
	s := slowSink{release: make(chan struct{})}
	r := NewRecorder([]Sink{s}, RecorderOptions{QueueSize: 1, SendTimeout: time.Second})
	for i := 0; i < 10; i++ {
		r.Record(Event{Type: EventStart})
	}
	close(s.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, r.Close(ctx))
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, NullTime(time.Time{}))
	assert.NotNil(t, NullTime(time.Now()))
	assert.Nil(t, NullString(""))
	assert.Equal(t, "x", NullString("x"))
}
