package ringbuffer

import (
	"slices"
	"sync"
	"testing"
)

func TestPushWrapsOldestFirst(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	if got := b.Snapshot(); !slices.Equal(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v, want [3 4 5]", got)
	}
	if b.Len() != 3 {
		t.Errorf("len = %d, want 3", b.Len())
	}
	if b.Pushes() != 5 {
		t.Errorf("pushes = %d, want 5", b.Pushes())
	}
}

func TestSnapshotBeforeWrap(t *testing.T) {
	b := New[string](4)
	if got := b.Snapshot(); len(got) != 0 {
		t.Fatalf("empty buffer snapshot = %v", got)
	}
	b.Push("a")
	b.Push("b")
	if got := b.Snapshot(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("snapshot = %v, want [a b]", got)
	}
	if b.Len() != 2 {
		t.Errorf("len = %d, want 2", b.Len())
	}
}

func TestWindowForManyCapacities(t *testing.T) {
	for c := 1; c <= 7; c++ {
		for n := 0; n <= 20; n++ {
			b := New[int](c)
			for i := 0; i < n; i++ {
				b.Push(i)
			}
			want := min(n, c)
			snap := b.Snapshot()
			if len(snap) != want {
				t.Fatalf("c=%d n=%d: len = %d, want %d", c, n, len(snap), want)
			}
			for i, v := range snap {
				if v != n-want+i {
					t.Errorf("c=%d n=%d idx=%d: got %d, want %d", c, n, i, v, n-want+i)
				}
			}
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	snap := b.Snapshot()
	b.Push(3)
	if !slices.Equal(snap, []int{1, 2}) {
		t.Errorf("snapshot changed after push: %v", snap)
	}
}

func TestZeroCapacityRaisedToOne(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	if b.Cap() != 1 {
		t.Errorf("cap = %d, want 1", b.Cap())
	}
	if got := b.Snapshot(); !slices.Equal(got, []int{2}) {
		t.Errorf("snapshot = %v, want [2]", got)
	}
}

func TestSince(t *testing.T) {
	b := New[int](3)
	for i := 0; i < 5; i++ {
		b.Push(i)
	}
	tests := []struct {
		from uint64
		want []int
	}{
		{0, []int{2, 3, 4}},
		{4, []int{4}},
		{9, nil},
	}
	for _, tt := range tests {
		got, next := b.Since(tt.from)
		if len(got) != len(tt.want) || (len(got) > 0 && !slices.Equal(got, tt.want)) {
			t.Errorf("Since(%d) = %v, want %v", tt.from, got, tt.want)
		}
		if next != 5 {
			t.Errorf("Since(%d) next = %d, want 5", tt.from, next)
		}
	}
}

func TestReset(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Reset()
	if b.Len() != 0 || len(b.Snapshot()) != 0 {
		t.Fatalf("buffer not empty after reset: %v", b.Snapshot())
	}
	b.Push(4)
	if got := b.Snapshot(); !slices.Equal(got, []int{4}) {
		t.Errorf("snapshot = %v, want [4]", got)
	}
}

// The buffer has no locking of its own; a caller-held mutex must make every
// snapshot a contiguous window of the push sequence.
func TestConcurrentPushSnapshotUnderMutex(t *testing.T) {
	const total = 10000
	var mu sync.Mutex
	b := New[int](10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			mu.Lock()
			b.Push(i)
			mu.Unlock()
		}
	}()

	for {
		mu.Lock()
		snap := b.Snapshot()
		mu.Unlock()
		for i := 1; i < len(snap); i++ {
			if snap[i] != snap[i-1]+1 {
				t.Fatalf("snapshot not contiguous: %v", snap)
			}
		}
		select {
		case <-done:
			mu.Lock()
			final := b.Snapshot()
			mu.Unlock()
			if len(final) != 10 || final[9] != total-1 {
				t.Fatalf("final snapshot = %v", final)
			}
			return
		default:
		}
	}
}
