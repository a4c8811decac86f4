package registry

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// View is an immutable snapshot of a registry. Iterating it never blocks
// writers and never observes a half-applied change.
type View[T any] struct {
	byID  map[ids.ID]T
	order []ids.ID
}

func (v *View[T]) Len() int {
	if v == nil {
		return 0
	}
	return len(v.order)
}

func (v *View[T]) Get(id ids.ID) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	item, ok := v.byID[id]
	return item, ok
}

// All yields entries in ID order. The sequence can be ranged over any
// number of times.
func (v *View[T]) All() iter.Seq2[ids.ID, T] {
	return func(yield func(ids.ID, T) bool) {
		if v == nil {
			return
		}
		for _, id := range v.order {
			if !yield(id, v.byID[id]) {
				return
			}
		}
	}
}

// Values collects the entries in ID order.
func (v *View[T]) Values() []T {
	out := make([]T, 0, v.Len())
	for _, item := range v.All() {
		out = append(out, item)
	}
	return out
}

// Registry maps object IDs to entries. Readers load the current View
// without locking; writers serialize on mu and publish a fresh copy.
type Registry[T any] struct {
	mu       sync.Mutex
	current  atomic.Pointer[View[T]]
	key      func(T) ids.ID
	counters *ids.Counters
}

// New creates an empty registry. key extracts the ID of an entry; counters
// issue the IDs used by Create.
func New[T any](counters *ids.Counters, key func(T) ids.ID) *Registry[T] {
	r := &Registry[T]{key: key, counters: counters}
	r.current.Store(&View[T]{byID: map[ids.ID]T{}})
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry[T]) Snapshot() *View[T] {
	return r.current.Load()
}

func (r *Registry[T]) ByID(id ids.ID) (T, bool) {
	return r.Snapshot().Get(id)
}

func (r *Registry[T]) Len() int {
	return r.Snapshot().Len()
}

// Create issues a fresh ID, builds the entry and adds it.
func (r *Registry[T]) Create(build func(ids.ID) T) T {
	item := build(r.counters.NewID())
	r.update(func(byID map[ids.ID]T) {
		byID[r.key(item)] = item
	})
	return item
}

// Add inserts an existing entry. Duplicate IDs are rejected.
func (r *Registry[T]) Add(item T) error {
	id := r.key(item)
	var err error
	r.update(func(byID map[ids.ID]T) {
		if _, exists := byID[id]; exists {
			err = fmt.Errorf("object %s already registered", id)
			return
		}
		byID[id] = item
	})
	if err == nil && r.counters != nil {
		r.counters.Advance(ids.Object, uint64(id))
	}
	return err
}

// Remove drops the entry and reports whether it was present.
func (r *Registry[T]) Remove(id ids.ID) bool {
	removed := false
	r.update(func(byID map[ids.ID]T) {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			removed = true
		}
	})
	return removed
}

// RemoveIf drops every entry matching pred and returns their IDs.
func (r *Registry[T]) RemoveIf(pred func(T) bool) []ids.ID {
	var removed []ids.ID
	r.update(func(byID map[ids.ID]T) {
		for id, item := range byID {
			if pred(item) {
				delete(byID, id)
				removed = append(removed, id)
			}
		}
	})
	slices.Sort(removed)
	return removed
}

func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.current.Store(&View[T]{byID: map[ids.ID]T{}})
	r.mu.Unlock()
}

// update copies the current map, applies fn and publishes the result.
func (r *Registry[T]) update(fn func(map[ids.ID]T)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := make(map[ids.ID]T, len(old.byID)+1)
	for id, item := range old.byID {
		next[id] = item
	}
	fn(next)

	order := make([]ids.ID, 0, len(next))
	for id := range next {
		order = append(order, id)
	}
	slices.Sort(order)
	r.current.Store(&View[T]{byID: next, order: order})
}
