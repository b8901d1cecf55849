package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/boardsync/internal/domain"
)

type card struct {
	Column string
	Pos    int
	Rev    int
}

var errRejected = errors.New("rejected by store")

func moveTo(col string, pos int) func(card) card {
	return func(c card) card {
		c.Column, c.Pos = col, pos
		return c
	}
}

func get(t *testing.T, r *Reconciler[string, card], k string) card {
	t.Helper()
	v, ok := r.Get(k)
	require.True(t, ok, "missing %s", k)
	return v
}

func TestUpdateSuccessAdoptsCanonical(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Pos: 0, Rev: 1})

	got, err := r.Update(context.Background(), "t1", moveTo("done", 2), func(_ context.Context, next card) (card, error) {
		assert.Equal(t, "done", next.Column)
		next.Rev = 2
		next.Pos = 1
		return next, nil
	})
	require.NoError(t, err)
	assert.Equal(t, card{Column: "done", Pos: 1, Rev: 2}, got)
	assert.Equal(t, got, get(t, r, "t1"))
	assert.False(t, r.Pending("t1"))
}

func TestUpdateFailureReverts(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	orig := card{Column: "todo", Pos: 0, Rev: 1}
	r.Apply("t1", orig)

	_, err := r.Update(context.Background(), "t1", moveTo("done", 2), func(context.Context, card) (card, error) {
		return card{}, errRejected
	})

	var conflict *domain.ReconciliationConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "t1", conflict.Key)
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, orig, get(t, r, "t1"))
}

func TestOptimisticValueVisibleWhileWriting(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})

	_, err := r.Update(context.Background(), "t1", moveTo("done", 2), func(_ context.Context, next card) (card, error) {
		assert.Equal(t, next, get(t, r, "t1"))
		assert.True(t, r.Pending("t1"))
		return next, nil
	})
	require.NoError(t, err)
}

func TestEchoDuringPendingRefreshesBaseline(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})

	remote := card{Column: "review", Pos: 4, Rev: 2}
	_, err := r.Update(context.Background(), "t1", moveTo("done", 2), func(context.Context, card) (card, error) {
		r.Apply("t1", remote)
		assert.Equal(t, "done", get(t, r, "t1").Column, "echo must not clobber the optimistic value")
		return card{}, errRejected
	})
	require.Error(t, err)
	assert.Equal(t, remote, get(t, r, "t1"), "revert lands on the refreshed baseline")
}

func TestSupersededUpdateKeepsLaterValue(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})

	_, err := r.Update(context.Background(), "t1", moveTo("doing", 0), func(ctx context.Context, first card) (card, error) {
		_, innerErr := r.Update(ctx, "t1", moveTo("done", 0), func(_ context.Context, second card) (card, error) {
			second.Rev = 3
			return second, nil
		})
		require.NoError(t, innerErr)
		return card{}, errRejected
	})
	require.Error(t, err)
	assert.Equal(t, card{Column: "done", Rev: 3}, get(t, r, "t1"))
}

func TestRemove(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})
	r.Apply("t2", card{Column: "todo", Rev: 1})

	err := r.Remove(context.Background(), "t1", func(context.Context) error {
		_, ok := r.Get("t1")
		assert.False(t, ok)
		return errRejected
	})
	require.Error(t, err)
	assert.Equal(t, card{Column: "todo", Rev: 1}, get(t, r, "t1"))

	require.NoError(t, r.Remove(context.Background(), "t2", func(context.Context) error { return nil }))
	_, ok := r.Get("t2")
	assert.False(t, ok)
	assert.Len(t, r.Values(), 1)
}

func TestForgetDuringPendingApplyWins(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})

	_, err := r.Update(context.Background(), "t1", moveTo("done", 0), func(context.Context, card) (card, error) {
		r.Forget("t1")
		return card{}, errRejected
	})
	require.Error(t, err)
	_, ok := r.Get("t1")
	assert.False(t, ok, "deleted remotely while our write failed")
}

func TestUpdateUnknownKey(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	called := false
	_, err := r.Update(context.Background(), "nope", moveTo("done", 0), func(_ context.Context, c card) (card, error) {
		called = true
		return c, nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestWithNewerDropsStaleValues(t *testing.T) {
	t.Parallel()
	r := New(WithNewer[string, card](func(in, known card) bool { return in.Rev > known.Rev }))
	require.True(t, r.Apply("t1", card{Column: "todo", Rev: 2}))

	assert.False(t, r.Apply("t1", card{Column: "stale", Rev: 1}))
	assert.Equal(t, "todo", get(t, r, "t1").Column)

	assert.True(t, r.Apply("t1", card{Column: "done", Rev: 3}))
	assert.Equal(t, "done", get(t, r, "t1").Column)
}

func TestLateSupersededResultKeepsNewerBaseline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		// Stored first as rev 2, but its response arrives last.
		_, err := r.Update(ctx, "t1", moveTo("doing", 0), func(_ context.Context, next card) (card, error) {
			close(started)
			<-release
			next.Rev = 2
			return next, nil
		})
		done <- err
	}()
	<-started

	_, err := r.Update(ctx, "t1", moveTo("done", 0), func(_ context.Context, next card) (card, error) {
		next.Rev = 3
		return next, nil
	})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, card{Column: "done", Rev: 3}, get(t, r, "t1"))

	_, err = r.Update(ctx, "t1", moveTo("review", 1), func(context.Context, card) (card, error) {
		return card{}, errRejected
	})
	require.Error(t, err)
	assert.Equal(t, card{Column: "done", Rev: 3}, get(t, r, "t1"))
}

func TestStaleCanonicalYieldsToNewerEcho(t *testing.T) {
	t.Parallel()
	r := New(WithNewer[string, card](func(in, known card) bool { return in.Rev > known.Rev }))
	r.Apply("t1", card{Column: "todo", Rev: 1})

	remote := card{Column: "review", Rev: 3}
	got, err := r.Update(context.Background(), "t1", moveTo("done", 0), func(_ context.Context, next card) (card, error) {
		r.Apply("t1", remote)
		next.Rev = 2
		return next, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Rev)
	assert.Equal(t, remote, get(t, r, "t1"))
}

func TestDeletedKeyStaysDeleted(t *testing.T) {
	t.Parallel()
	r := New[string, card]()
	r.Apply("t1", card{Column: "todo", Rev: 1})
	r.Apply("t2", card{Column: "todo", Rev: 1})

	r.Forget("t1")
	assert.False(t, r.Apply("t1", card{Column: "done", Rev: 2}), "update reordered after the delete")
	_, ok := r.Get("t1")
	assert.False(t, ok)

	require.NoError(t, r.Remove(context.Background(), "t2", func(context.Context) error { return nil }))
	assert.False(t, r.Apply("t2", card{Column: "done", Rev: 2}))
	assert.Len(t, r.Values(), 0)
}
