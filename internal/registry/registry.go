package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateExecution means two executions were given the same (name, id).
	ErrDuplicateExecution = errors.New("duplicate execution")
	// ErrNotFound is returned by Resolve when no execution matches.
	ErrNotFound = errors.New("execution not found")
	// ErrInvalidEntry is returned when name or id is empty.
	ErrInvalidEntry = errors.New("execution entry requires name and id")
)

// Item is a registered execution: its entry, handle and captured config.
type Item[H any] struct {
	Entry        Entry
	Handle       H
	Config       Config
	RegisteredAt time.Time

	seq uint64
}

// Registry is a concurrent map from Entry to execution handle with secondary
// indexes by name and by id.
//
// LookupFirstByName resolves to the most recently registered live entry for
// the name. Registration order is tracked with a monotonic sequence, so the
// answer is stable until the registry changes.
type Registry[H any] struct {
	mu     sync.RWMutex
	items  map[Entry]*Item[H]
	byID   map[string]*Item[H]
	byName map[string][]*Item[H]
	seq    uint64
}

func New[H any]() *Registry[H] {
	return &Registry[H]{
		items:  make(map[Entry]*Item[H]),
		byID:   make(map[string]*Item[H]),
		byName: make(map[string][]*Item[H]),
	}
}

// Register inserts a new execution. It fails with ErrDuplicateExecution when
// the entry, or its id under another name, is already present.
func (r *Registry[H]) Register(e Entry, h H, cfg Config) error {
	if !e.Valid() {
		return ErrInvalidEntry
	}
	it := &Item[H]{Entry: e, Handle: h, Config: cfg.Clone(), RegisteredAt: time.Now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[e]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExecution, e)
	}
	if other, ok := r.byID[e.ID]; ok {
		return fmt.Errorf("%w: id %s already used by %s", ErrDuplicateExecution, e.ID, other.Entry)
	}
	r.seq++
	it.seq = r.seq
	r.items[e] = it
	r.byID[e.ID] = it
	r.byName[e.Name] = append(r.byName[e.Name], it)
	return nil
}

// LookupExact returns the execution registered under (name, id).
func (r *Registry[H]) LookupExact(name, id string) (Item[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[Entry{Name: name, ID: id}]
	if !ok {
		return Item[H]{}, false
	}
	return *it, true
}

// LookupID returns the execution with the given id regardless of its name.
func (r *Registry[H]) LookupID(id string) (Item[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.byID[id]
	if !ok {
		return Item[H]{}, false
	}
	return *it, true
}

// LookupFirstByName returns the most recently registered entry with name.
func (r *Registry[H]) LookupFirstByName(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byName[name]
	if len(list) == 0 {
		return Entry{}, false
	}
	return list[len(list)-1].Entry, true
}

// Resolve looks up (name, id) exactly, or by name alone when id is empty.
// A miss returns an error wrapping ErrNotFound.
func (r *Registry[H]) Resolve(name, id string) (Item[H], error) {
	if id == "" {
		e, ok := r.LookupFirstByName(name)
		if !ok {
			return Item[H]{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		id = e.ID
	}
	it, ok := r.LookupExact(name, id)
	if !ok {
		return Item[H]{}, fmt.Errorf("%w: %s", ErrNotFound, Entry{Name: name, ID: id})
	}
	return it, nil
}

// Replace swaps the handle of a registered entry in place, keeping its
// registration order and config. Lookups never observe the entry missing.
func (r *Registry[H]) Replace(e Entry, h H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[e]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e)
	}
	it.Handle = h
	return nil
}

// Remove deletes the entry. Removing an absent entry is a no-op; the return
// value reports whether something was removed.
func (r *Registry[H]) Remove(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[e]
	if !ok {
		return false
	}
	delete(r.items, e)
	if cur := r.byID[e.ID]; cur == it {
		delete(r.byID, e.ID)
	}
	list := r.byName[e.Name]
	for i, x := range list {
		if x == it {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byName, e.Name)
	} else {
		r.byName[e.Name] = list
	}
	return true
}

// List returns a snapshot of all entries in registration order.
func (r *Registry[H]) List() []Entry {
	items := r.Items()
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.Entry
	}
	return out
}

// Items returns a snapshot of all registered items in registration order.
func (r *Registry[H]) Items() []Item[H] {
	r.mu.RLock()
	out := make([]Item[H], 0, len(r.items))
	for _, it := range r.items {
		out = append(out, *it)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of registered executions.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Drain removes every entry and returns what was registered, in registration
// order, so the caller can release the handles outside the lock.
func (r *Registry[H]) Drain() []Item[H] {
	r.mu.Lock()
	out := make([]Item[H], 0, len(r.items))
	for _, it := range r.items {
		out = append(out, *it)
	}
	r.items = make(map[Entry]*Item[H])
	r.byID = make(map[string]*Item[H])
	r.byName = make(map[string][]*Item[H])
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
