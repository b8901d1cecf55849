// Package reconcile implements two-phase optimistic mutations: apply
// locally, confirm with an authoritative write, and either adopt the
// canonical result or revert to the last known-good value.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/boardsync/internal/domain"
)

type slot[V any] struct {
	value   V
	ok      bool
	deleted bool
}

// Reconciler holds the local view of a keyed collection. The baseline is
// the last value confirmed by the authoritative store; the current value
// is what readers see and may run ahead of it while a write is in flight.
// Keys are never reused: once a key is deleted, later values for it are
// dropped.
type Reconciler[K comparable, V any] struct {
	newer func(incoming, known V) bool

	mu       sync.Mutex
	current  map[K]V
	baseline map[K]slot[V]
	inflight map[K]uint64
	// confirmed is the id of the newest mutation whose write result set
	// the baseline.
	confirmed map[K]uint64
	seq       uint64
}

// Option configures a Reconciler.
type Option[K comparable, V any] func(*Reconciler[K, V])

// WithNewer drops authoritative values that are not newer than the known
// baseline. The comparison must use store-assigned ordering, such as an
// update timestamp written by the server, never a client clock.
func WithNewer[K comparable, V any](newer func(incoming, known V) bool) Option[K, V] {
	return func(r *Reconciler[K, V]) { r.newer = newer }
}

// New returns an empty Reconciler.
func New[K comparable, V any](opts ...Option[K, V]) *Reconciler[K, V] {
	r := &Reconciler[K, V]{
		current:   make(map[K]V),
		baseline:  make(map[K]slot[V]),
		inflight:  make(map[K]uint64),
		confirmed: make(map[K]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the current value of k.
func (r *Reconciler[K, V]) Get(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.current[k]
	return v, ok
}

// Values returns a copy of every current value.
func (r *Reconciler[K, V]) Values() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[K]V, len(r.current))
	for k, v := range r.current {
		out[k] = v
	}
	return out
}

// Pending reports whether a mutation of k awaits its authoritative write.
func (r *Reconciler[K, V]) Pending(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[k]
	return ok
}

// Apply records an authoritative value, from a broadcast or an initial
// load. While a mutation of k is pending only the baseline moves, so the
// optimistic value stays visible until its write resolves.
func (r *Reconciler[K, V]) Apply(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.baseline[k]
	if b.deleted || (b.ok && r.newer != nil && !r.newer(v, b.value)) {
		return false
	}
	r.baseline[k] = slot[V]{value: v, ok: true}
	if _, pending := r.inflight[k]; !pending {
		r.current[k] = v
	}
	return true
}

// Forget records an authoritative deletion of k.
func (r *Reconciler[K, V]) Forget(k K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseline[k] = slot[V]{deleted: true}
	if _, pending := r.inflight[k]; !pending {
		delete(r.current, k)
	}
}

// Update applies change to the current value of k, then confirms it with
// write. On success the canonical value replaces the local one. On failure
// the value reverts to the baseline and a *domain.ReconciliationConflict
// is returned. A mutation superseded by a later one on the same key only
// refreshes the baseline, and only if no later-issued write has already
// confirmed it.
func (r *Reconciler[K, V]) Update(ctx context.Context, k K, change func(V) V, write func(context.Context, V) (V, error)) (V, error) {
	r.mu.Lock()
	prev, ok := r.current[k]
	if !ok {
		r.mu.Unlock()
		var zero V
		return zero, fmt.Errorf("reconcile %v: no such entity", k)
	}
	next := change(prev)
	r.current[k] = next
	id := r.begin(k, prev, ok)
	r.mu.Unlock()

	canonical, err := write(ctx, next)

	r.mu.Lock()
	defer r.mu.Unlock()
	latest := r.inflight[k] == id
	if latest {
		delete(r.inflight, k)
	}
	if err != nil {
		if latest {
			r.revert(k)
		}
		var zero V
		return zero, &domain.ReconciliationConflict{Key: fmt.Sprint(k), Err: err}
	}
	b := r.baseline[k]
	if !b.deleted && id > r.confirmed[k] && (r.newer == nil || !b.ok || r.newer(canonical, b.value)) {
		r.baseline[k] = slot[V]{value: canonical, ok: true}
		r.confirmed[k] = id
	}
	if latest {
		r.revert(k)
	}
	return canonical, nil
}

// Remove deletes k locally, then confirms with write. A failed write
// restores the baseline value.
func (r *Reconciler[K, V]) Remove(ctx context.Context, k K, write func(context.Context) error) error {
	r.mu.Lock()
	prev, ok := r.current[k]
	delete(r.current, k)
	id := r.begin(k, prev, ok)
	r.mu.Unlock()

	err := write(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	latest := r.inflight[k] == id
	if latest {
		delete(r.inflight, k)
	}
	if err != nil {
		if latest {
			r.revert(k)
		}
		return &domain.ReconciliationConflict{Key: fmt.Sprint(k), Err: err}
	}
	r.baseline[k] = slot[V]{deleted: true}
	r.confirmed[k] = id
	if latest {
		delete(r.current, k)
	}
	return nil
}

// begin marks a mutation of k in flight. The first pending mutation of a
// key seeds the baseline from the value it replaced when none is known.
func (r *Reconciler[K, V]) begin(k K, prev V, ok bool) uint64 {
	if _, known := r.baseline[k]; !known {
		r.baseline[k] = slot[V]{value: prev, ok: ok}
	}
	r.seq++
	r.inflight[k] = r.seq
	return r.seq
}

func (r *Reconciler[K, V]) revert(k K) {
	b := r.baseline[k]
	if b.ok {
		r.current[k] = b.value
	} else {
		delete(r.current, k)
	}
}
