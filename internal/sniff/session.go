package sniff

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/metrics"
	"github.com/loykin/carte/internal/ringbuffer"
)

// Key identifies one sniff session: a direction of one step copy of one
// execution.
type Key struct {
	ExecutionID string
	Step        string
	Copy        int
	Direction   engine.Direction
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s.%d/%s", k.ExecutionID, k.Step, k.Copy, k.Direction)
}

// Session buffers the most recent rows seen at one step copy. Rows are
// pushed on the engine's goroutine under the session's own lock, which is
// held for one O(1) push and never shared with other sessions.
type Session struct {
	key       Key
	name      string
	createdAt time.Time

	mu       sync.Mutex
	buf      *ringbuffer.RingBuffer[engine.Row]
	meta     *engine.RowMeta
	released bool

	unsubscribe func()
	releaseOnce sync.Once
	closed      chan struct{}

	lastAccess atomic.Int64
}

func newSession(key Key, name string, capacity int) *Session {
	s := &Session{
		key:       key,
		name:      name,
		createdAt: time.Now(),
		buf:       ringbuffer.New[engine.Row](capacity),
		closed:    make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) Key() Key { return s.key }

// ExecutionName is the name of the sniffed execution.
func (s *Session) ExecutionName() string { return s.name }

// Capacity is the size of the row buffer fixed at attach time.
func (s *Session) Capacity() int { return s.buf.Cap() }

// onRow is the subscription callback. It must not block beyond the push or
// panic; the engine hub recovers and logs a panicking observer.
func (s *Session) onRow(meta *engine.RowMeta, row engine.Row) {
	row = row.Clone()
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if s.meta == nil {
		s.meta = meta
	}
	evicted := s.buf.Len() == s.buf.Cap()
	s.buf.Push(row)
	s.mu.Unlock()
	metrics.IncSniffRows()
	if evicted {
		metrics.IncSniffDropped()
	}
}

// release unsubscribes from the step. After it returns the buffer no longer
// changes.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
	})
}

func (s *Session) touch() { s.lastAccess.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastAccess.Load()) }

// Snapshot copies the buffered rows, oldest first.
func (s *Session) Snapshot() Snapshot {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:      s.key,
		Meta:     s.meta,
		Rows:     s.buf.Snapshot(),
		Capacity: s.buf.Cap(),
		Pushes:   s.buf.Pushes(),
		Dropped:  s.buf.Pushes() - uint64(s.buf.Len()),
		Released: s.released,
	}
}

func (s *Session) info() Info {
	s.mu.Lock()
	pushes := s.buf.Pushes()
	size := s.buf.Len()
	released := s.released
	s.mu.Unlock()
	return Info{
		ExecutionID:   s.key.ExecutionID,
		ExecutionName: s.name,
		Step:          s.key.Step,
		Copy:          s.key.Copy,
		Direction:     s.key.Direction.String(),
		Capacity:      s.buf.Cap(),
		Size:          size,
		Pushes:        pushes,
		Dropped:       pushes - uint64(size),
		Released:      released,
		CreatedAt:     s.createdAt,
		LastAccess:    s.idleSince(),
	}
}

// Snapshot is the result of a poll.
type Snapshot struct {
	Key      Key
	Meta     *engine.RowMeta
	Rows     []engine.Row
	Capacity int
	Pushes   uint64
	// Dropped counts rows pushed out of the buffer by newer ones.
	Dropped uint64
	// Released is true once the session stopped observing the step because
	// the execution ended.
	Released bool
}

// Info describes a session for listings.
type Info struct {
	ExecutionID   string    `json:"execution_id"`
	ExecutionName string    `json:"execution_name"`
	Step          string    `json:"step"`
	Copy          int       `json:"copy"`
	Direction     string    `json:"direction"`
	Capacity      int       `json:"capacity"`
	Size          int       `json:"size"`
	Pushes        uint64    `json:"pushes"`
	Dropped       uint64    `json:"dropped"`
	Released      bool      `json:"released"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
}
