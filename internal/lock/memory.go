// internal/lock/memory.go
package lock

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is the in-process registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	held     map[string]uint64
	seq      uint64
	observer Observer
}

// NewMemoryRegistry creates an empty registry. observer may be nil.
func NewMemoryRegistry(observer Observer) *MemoryRegistry {
	if observer == nil {
		observer = nopObserver{}
	}
	return &MemoryRegistry{held: make(map[string]uint64), observer: observer}
}

// TryAcquire implements Registry.
func (r *MemoryRegistry) TryAcquire(ctx context.Context, keys ...string) (*Lock, error) {
	keys, err := normalize(keys)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicts []string
	for _, k := range keys {
		if _, ok := r.held[k]; ok {
			conflicts = append(conflicts, k)
		}
	}
	if len(conflicts) > 0 {
		return nil, &AlreadyLockedError{Keys: conflicts}
	}

	r.seq++
	token := r.seq
	for _, k := range keys {
		r.held[k] = token
	}
	r.observer.AddLocksHeld(len(keys))

	return newLock(keys, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		freed := 0
		for _, k := range keys {
			if r.held[k] == token {
				delete(r.held, k)
				freed++
			}
		}
		r.observer.AddLocksHeld(-freed)
	}), nil
}

// Held implements Registry.
func (r *MemoryRegistry) Held(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.held))
	for k := range r.held {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
