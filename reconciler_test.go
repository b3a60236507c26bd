package staylink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	State string
	Note  string
}

// itemTransitions: a -> b -> c, c is final.
func itemTransitions(from, to item) bool {
	if from.State == to.State {
		return true
	}
	switch from.State {
	case "a":
		return to.State == "b" || to.State == "c"
	case "b":
		return to.State == "c"
	}
	return false
}

func newItemReconciler(refetch func(context.Context) ([]item, error), opts ...StoreOption) *Reconciler[item] {
	return NewReconciler(ReconcilerConfig[item]{
		Kind:       "item",
		ID:         func(i item) string { return i.ID },
		Transition: itemTransitions,
		Refetch:    refetch,
	}, opts...)
}

func TestReconcilerReconcile(t *testing.T) {
	t.Run("new ids are inserted", func(t *testing.T) {
		r := newItemReconciler(nil)
		require.True(t, r.Reconcile(item{ID: "1", State: "c"}))
		v, ok := r.Get("1")
		require.True(t, ok)
		assert.Equal(t, "c", v.State)
	})

	t.Run("disallowed transition is ignored and counted", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		r := newItemReconciler(nil, WithStoreMetrics(m))
		r.Reconcile(item{ID: "1", State: "c"})

		assert.False(t, r.Reconcile(item{ID: "1", State: "a"}))
		v, _ := r.Get("1")
		assert.Equal(t, "c", v.State)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.IgnoredUpdates.WithLabelValues("item")))
	})

	t.Run("authoritative value overrides optimistic one", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1", State: "a"})
		_, err := r.ApplyOptimistic("1", func(i item) item { i.State = "b"; return i })
		require.NoError(t, err)

		// Judged against the last authoritative value, not the optimistic one.
		require.True(t, r.Reconcile(item{ID: "1", State: "c", Note: "server"}))
		v, _ := r.Get("1")
		assert.Equal(t, item{ID: "1", State: "c", Note: "server"}, v)
		base, _ := r.Authoritative("1")
		assert.Equal(t, v, base)
	})

	t.Run("list is ordered by id by default", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "b"})
		r.Reconcile(item{ID: "a"})
		r.Reconcile(item{ID: "c"})
		var got []string
		for _, i := range r.List() {
			got = append(got, i.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
		assert.Equal(t, 3, r.Len())
	})

	t.Run("remove", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1"})
		var removed []EntityChange
		r.On(EntityRemoved, func(_ string, p any) { removed = append(removed, p.(EntityChange)) })
		r.Remove("1")
		r.Remove("1")
		_, ok := r.Get("1")
		assert.False(t, ok)
		assert.Equal(t, []EntityChange{{Kind: "item", ID: "1"}}, removed)
	})
}

func TestReconcilerOptimistic(t *testing.T) {
	t.Run("unknown entity", func(t *testing.T) {
		r := newItemReconciler(nil)
		_, err := r.ApplyOptimistic("missing", func(i item) item { return i })
		require.ErrorIs(t, err, ErrUnknownEntity)
	})

	t.Run("invalid local transition", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1", State: "c"})
		_, err := r.ApplyOptimistic("1", func(i item) item { i.State = "a"; return i })
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rollback restores the previous value", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1", State: "a"})
		tag, err := r.ApplyOptimistic("1", func(i item) item { i.State = "b"; return i })
		require.NoError(t, err)

		require.True(t, tag.Rollback())
		v, _ := r.Get("1")
		assert.Equal(t, "a", v.State)
	})

	t.Run("rollback after a newer value is a no-op", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1", State: "a"})
		tag, _ := r.ApplyOptimistic("1", func(i item) item { i.State = "b"; return i })
		r.Reconcile(item{ID: "1", State: "c"})

		assert.False(t, tag.Rollback())
		v, _ := r.Get("1")
		assert.Equal(t, "c", v.State)
	})

	t.Run("mutate rolls back and wraps a failed call", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		r := newItemReconciler(nil, WithStoreMetrics(m))
		r.Reconcile(item{ID: "1", State: "a"})
		boom := errors.New("boom")

		_, err := r.Mutate(context.Background(), "1",
			func(i item) item { i.State = "b"; return i },
			func(context.Context) (item, error) {
				v, _ := r.Get("1")
				assert.Equal(t, "b", v.State, "optimistic value visible during the call")
				return item{}, boom
			})

		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "1", ce.ID)
		require.ErrorIs(t, err, boom)
		v, _ := r.Get("1")
		assert.Equal(t, "a", v.State)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks.WithLabelValues("item")))
	})

	t.Run("mutate reconciles the call result", func(t *testing.T) {
		r := newItemReconciler(nil)
		r.Reconcile(item{ID: "1", State: "a"})
		got, err := r.Mutate(context.Background(), "1",
			func(i item) item { i.State = "b"; return i },
			func(context.Context) (item, error) { return item{ID: "1", State: "b", Note: "ok"}, nil })
		require.NoError(t, err)
		assert.Equal(t, "ok", got.Note)
		base, _ := r.Authoritative("1")
		assert.Equal(t, "b", base.State)
	})
}

func TestReconcilerInvalidate(t *testing.T) {
	t.Run("refetch reconciles every item", func(t *testing.T) {
		r := newItemReconciler(func(context.Context) ([]item, error) {
			return []item{{ID: "1", State: "b"}, {ID: "2", State: "a"}}, nil
		})
		r.Reconcile(item{ID: "1", State: "a"})
		require.NoError(t, r.Invalidate(context.Background()))
		v, _ := r.Get("1")
		assert.Equal(t, "b", v.State)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("refetch error is returned", func(t *testing.T) {
		r := newItemReconciler(func(context.Context) ([]item, error) { return nil, errors.New("503") })
		require.Error(t, r.Invalidate(context.Background()))
	})

	t.Run("nil refetch is a no-op", func(t *testing.T) {
		require.NoError(t, newItemReconciler(nil).Invalidate(context.Background()))
	})

	t.Run("signals during a refetch fold into one more", func(t *testing.T) {
		var calls atomic.Int32
		started := make(chan struct{})
		release := make(chan struct{})
		r := newItemReconciler(func(context.Context) ([]item, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
			}
			return nil, nil
		})

		done := make(chan error, 1)
		go func() { done <- r.Invalidate(context.Background()) }()
		<-started

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.Invalidate(context.Background()))
			}()
		}
		wg.Wait()
		close(release)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("invalidate did not finish")
		}
		assert.Equal(t, int32(2), calls.Load())
	})
}
