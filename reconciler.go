package staylink

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Reconciler change events. The payload is an EntityChange.
const (
	EntityChanged = "entity.changed"
	EntityRemoved = "entity.removed"
)

// EntityChange identifies a changed entity.
type EntityChange struct {
	Kind string
	ID   string
}

// ReconcilerConfig binds a Reconciler to one entity kind.
type ReconcilerConfig[T any] struct {
	// Kind names the entity in errors, logs and metrics.
	Kind string
	ID   func(T) string
	// Transition reports whether an entity may move from one value to
	// another. Nil allows everything.
	Transition func(from, to T) bool
	// Merge combines the held value with an incoming authoritative one.
	// Nil takes the incoming value as is.
	Merge func(local, incoming T) T
	// Refetch loads the authoritative list used by Invalidate.
	Refetch func(ctx context.Context) ([]T, error)
	// Less orders List. Nil orders by id.
	Less func(a, b T) bool
}

type entityEntry[T any] struct {
	value   T
	base    T
	version uint64
}

// Reconciler keeps a map of entities whose local value may run ahead of the
// backend. Authoritative values always replace local ones, subject only to
// the Transition guard applied against the last authoritative value.
type Reconciler[T any] struct {
	emitter

	cfg     ReconcilerConfig[T]
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*entityEntry[T]

	refetchMu  sync.Mutex
	refetching bool
	dirty      bool
}

func NewReconciler[T any](cfg ReconcilerConfig[T], opts ...StoreOption) *Reconciler[T] {
	sc := newStoreConfig(opts)
	r := &Reconciler[T]{
		cfg:     cfg,
		log:     sc.log.With(zap.String("kind", cfg.Kind)),
		metrics: sc.metrics,
		entries: make(map[string]*entityEntry[T]),
	}
	r.emitter.init(sc.log)
	return r
}

// Optimistic tags a local mutation so it can be undone.
type Optimistic[T any] struct {
	r       *Reconciler[T]
	id      string
	prev    T
	version uint64
}

// Rollback restores the value held before the mutation, unless the entity
// has changed since, in which case the newer value stands.
func (o *Optimistic[T]) Rollback() bool {
	r := o.r
	r.mu.Lock()
	e, ok := r.entries[o.id]
	if !ok || e.version != o.version {
		r.mu.Unlock()
		return false
	}
	e.value = o.prev
	e.version++
	r.mu.Unlock()

	r.metrics.rolledBack(r.cfg.Kind)
	r.emit(EntityChanged, EntityChange{Kind: r.cfg.Kind, ID: o.id})
	return true
}

func (r *Reconciler[T]) allowed(from, to T) bool {
	return r.cfg.Transition == nil || r.cfg.Transition(from, to)
}

// ApplyOptimistic applies update to the held value immediately.
func (r *Reconciler[T]) ApplyOptimistic(id string, update func(T) T) (*Optimistic[T], error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownEntity
	}
	next := update(e.value)
	if !r.allowed(e.value, next) {
		r.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	prev := e.value
	e.value = next
	e.version++
	tag := &Optimistic[T]{r: r, id: id, prev: prev, version: e.version}
	r.mu.Unlock()

	r.emit(EntityChanged, EntityChange{Kind: r.cfg.Kind, ID: id})
	return tag, nil
}

// Reconcile installs an authoritative value. It reports false when the
// transition from the last authoritative value is not allowed, in which case
// nothing changes.
func (r *Reconciler[T]) Reconcile(authoritative T) bool {
	id := r.cfg.ID(authoritative)

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.entries[id] = &entityEntry[T]{value: authoritative, base: authoritative, version: 1}
		r.mu.Unlock()
		r.emit(EntityChanged, EntityChange{Kind: r.cfg.Kind, ID: id})
		return true
	}
	if !r.allowed(e.base, authoritative) {
		r.mu.Unlock()
		r.metrics.ignored(r.cfg.Kind)
		r.log.Debug("ignoring authoritative update", zap.String("id", id))
		return false
	}
	next := authoritative
	if r.cfg.Merge != nil {
		next = r.cfg.Merge(e.value, authoritative)
	}
	e.value = next
	e.base = next
	e.version++
	r.mu.Unlock()

	r.emit(EntityChanged, EntityChange{Kind: r.cfg.Kind, ID: id})
	return true
}

// Mutate applies update optimistically, runs call, and reconciles its result.
// If call fails the mutation is rolled back and a *ConflictError returned.
func (r *Reconciler[T]) Mutate(ctx context.Context, id string, update func(T) T, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	tag, err := r.ApplyOptimistic(id, update)
	if err != nil {
		return zero, err
	}

	result, err := call(ctx)
	if err != nil {
		tag.Rollback()
		r.log.Info("optimistic mutation rolled back", zap.String("id", id), zap.Error(err))
		return zero, &ConflictError{Kind: r.cfg.Kind, ID: id, Err: err}
	}
	if !r.Reconcile(result) {
		tag.Rollback()
	}
	v, _ := r.Get(id)
	return v, nil
}

// Invalidate refetches the authoritative list and reconciles every entry.
// Signals arriving while a refetch runs are folded into one follow-up refetch.
func (r *Reconciler[T]) Invalidate(ctx context.Context) error {
	if r.cfg.Refetch == nil {
		return nil
	}

	r.refetchMu.Lock()
	if r.refetching {
		r.dirty = true
		r.refetchMu.Unlock()
		return nil
	}
	r.refetching = true
	r.refetchMu.Unlock()

	for {
		err := r.refetch(ctx)

		r.refetchMu.Lock()
		if !r.dirty || ctx.Err() != nil {
			r.refetching = false
			r.dirty = false
			r.refetchMu.Unlock()
			return err
		}
		r.dirty = false
		r.refetchMu.Unlock()
	}
}

func (r *Reconciler[T]) refetch(ctx context.Context) error {
	items, err := r.cfg.Refetch(ctx)
	r.metrics.refetched(r.cfg.Kind, err)
	if err != nil {
		r.log.Warn("refetch failed", zap.Error(err))
		return err
	}
	for _, item := range items {
		r.Reconcile(item)
	}
	return nil
}

// Remove forgets an entity.
func (r *Reconciler[T]) Remove(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		r.emit(EntityRemoved, EntityChange{Kind: r.cfg.Kind, ID: id})
	}
}

// Get returns the held value, optimistic or not.
func (r *Reconciler[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Authoritative returns the last value confirmed by the backend.
func (r *Reconciler[T]) Authoritative(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.base, true
}

func (r *Reconciler[T]) List() []T {
	r.mu.Lock()
	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.value)
	}
	r.mu.Unlock()

	less := r.cfg.Less
	if less == nil {
		less = func(a, b T) bool { return r.cfg.ID(a) < r.cfg.ID(b) }
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (r *Reconciler[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
