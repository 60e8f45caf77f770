package engine

import (
	"log/slog"
	"sync"
)

// Hub fans rows out to subscribers. Emit holds a read lock while calling
// subscribers and unsubscribe takes the write lock, so an unsubscribe that
// has returned can't race a callback.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]RowFunc
}

// Subscribe adds fn and returns its removal function. Calling the removal
// function more than once is harmless.
func (h *Hub) Subscribe(fn RowFunc) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]RowFunc)
	}
	h.next++
	id := h.next
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Emit calls every subscriber with the row. A panicking subscriber is
// logged and skipped; it never reaches the caller.
func (h *Hub) Emit(meta *RowMeta, row Row) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.subs {
		call(fn, meta, row)
	}
}

func call(fn RowFunc, meta *RowMeta, row Row) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("row subscriber panicked", "panic", r)
		}
	}()
	fn(meta, row)
}
