package ringbuffer

// RingBuffer is a fixed-capacity sequence that overwrites its oldest element
// once full. It performs no locking; callers must serialize Push and Snapshot.
type RingBuffer[T any] struct {
	items     []T
	insertPos int
	wrapped   bool
	pushes    uint64
}

// New returns a buffer holding at most capacity elements.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest element when the buffer is full.
func (b *RingBuffer[T]) Push(v T) {
	b.items[b.insertPos] = v
	b.insertPos++
	if b.insertPos == len(b.items) {
		b.insertPos = 0
		b.wrapped = true
	}
	b.pushes++
}

// Snapshot returns a copy of the buffered elements, oldest first.
func (b *RingBuffer[T]) Snapshot() []T {
	if !b.wrapped {
		out := make([]T, b.insertPos)
		copy(out, b.items[:b.insertPos])
		return out
	}
	out := make([]T, 0, len(b.items))
	out = append(out, b.items[b.insertPos:]...)
	out = append(out, b.items[:b.insertPos]...)
	return out
}

// Since returns the elements pushed at or after the absolute position from
// (0 = first element ever pushed) that are still buffered, plus the position
// following the last returned element. Positions already overwritten are
// skipped.
func (b *RingBuffer[T]) Since(from uint64) ([]T, uint64) {
	snap := b.Snapshot()
	first := b.pushes - uint64(len(snap))
	if from < first {
		from = first
	}
	if from >= b.pushes {
		return nil, b.pushes
	}
	return snap[from-first:], b.pushes
}

// Len reports min(total pushes, capacity).
func (b *RingBuffer[T]) Len() int {
	if b.wrapped {
		return len(b.items)
	}
	return b.insertPos
}

// Cap reports the fixed capacity.
func (b *RingBuffer[T]) Cap() int { return len(b.items) }

// Pushes reports the total number of elements ever pushed.
func (b *RingBuffer[T]) Pushes() uint64 { return b.pushes }

// Reset drops all elements while keeping the capacity.
func (b *RingBuffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.insertPos = 0
	b.wrapped = false
	b.pushes = 0
}
