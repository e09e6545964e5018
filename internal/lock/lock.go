// Package lock holds the set of entities currently under orchestration.
// Acquisition is all-or-nothing over a set of keys and every Lock must be
// released on every exit path of the flow that holds it.
package lock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// Key namespaces.
const (
	invoicePrefix  = "invoice:"
	batchPrefix    = "batch:"
	purchasePrefix = "purchase:"
)

// InvoiceKey is the lock key of an invoice.
func InvoiceKey(id string) string { return invoicePrefix + id }

// BatchKey is the lock key of a batch.
func BatchKey(id string) string { return batchPrefix + id }

// PurchaseKey is the lock key of one buyer's purchase in a batch.
func PurchaseKey(batchID, buyer string) string {
	return purchasePrefix + batchID + ":" + strings.ToLower(buyer)
}

// Registry is the process lock registry.
type Registry interface {
	// TryAcquire takes every key or none. It never blocks waiting for a
	// holder; a conflict fails with *AlreadyLockedError.
	TryAcquire(ctx context.Context, keys ...string) (*Lock, error)
	// Held lists the keys currently held.
	Held(ctx context.Context) ([]string, error)
}

// AlreadyLockedError names the requested keys another flow holds.
type AlreadyLockedError struct {
	Keys []string
}

func (e *AlreadyLockedError) Error() string {
	return "already locked: " + strings.Join(e.Keys, ", ")
}

// Is makes errors.Is(err, errors.ErrAlreadyLocked) hold.
func (e *AlreadyLockedError) Is(target error) bool {
	return target == errors.ErrAlreadyLocked
}

// Lock is an acquired key set.
type Lock struct {
	keys    []string
	once    sync.Once
	release func()
}

func newLock(keys []string, release func()) *Lock {
	return &Lock{keys: keys, release: release}
}

// Keys returns the locked keys.
func (l *Lock) Keys() []string {
	out := make([]string, len(l.keys))
	copy(out, l.keys)
	return out
}

// Release frees the keys. It is safe to call any number of times and
// reports whether this call performed the release.
func (l *Lock) Release() bool {
	released := false
	l.once.Do(func() {
		l.release()
		released = true
	})
	return released
}

// normalize dedupes and sorts keys and rejects an empty set.
func normalize(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, errors.Validationf(errors.OpAcquireLock, "no keys to lock")
	}
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			return nil, errors.Validationf(errors.OpAcquireLock, "empty lock key")
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Observer is told how many keys were taken or freed.
type Observer interface {
	AddLocksHeld(delta int)
}

type nopObserver struct{}

func (nopObserver) AddLocksHeld(int) {}
