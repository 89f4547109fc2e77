package lock

import (
	"context"
	"sync"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
)

// Locker serializes work on string keys. Release must be called exactly once
// for every successful Acquire.
type Locker interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

type entry struct {
	// sem holds one token while the key is held.
	sem  chan struct{}
	refs int
}

// Keyed is a table of per-key locks. An entry is created by the first
// Acquire on a key and removed by the Release or cancelled Acquire that drops
// its reference count to zero, so the table only ever contains keys that are
// held or awaited. Locks are not re-entrant.
//
// The zero value is not usable; use NewKeyed.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// NewKeyed returns an empty lock table.
func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{entries: make(map[K]*entry)}
}

// Acquire blocks until key is free or ctx is done. Only the calling goroutine
// waits; other keys are unaffected.
func (l *Keyed[K]) Acquire(ctx context.Context, key K) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
		metrics.LockKeys.Inc()
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}
	metrics.LockWaits.Inc()
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, e)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes key if it is free and reports whether it did.
func (l *Keyed[K]) TryAcquire(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
		metrics.LockKeys.Inc()
	}
	select {
	case e.sem <- struct{}{}:
		e.refs++
		return true
	default:
		if e.refs == 0 {
			delete(l.entries, key)
			metrics.LockKeys.Dec()
		}
		return false
	}
}

// Release frees key for the next waiter. Releasing a key that is not held
// panics with an error wrapping errors.ErrInvariant.
func (l *Keyed[K]) Release(_ context.Context, key K) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		warperrors.Invariant("lock: release of unheld key %v", key)
	}
	select {
	case <-e.sem:
	default:
		warperrors.Invariant("lock: release of unheld key %v", key)
	}
	l.unref(key, e)
	return nil
}

// unref drops one reference and removes the entry at zero. l.mu must be held.
func (l *Keyed[K]) unref(key K, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
		metrics.LockKeys.Dec()
	}
}
