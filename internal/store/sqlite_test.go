package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/presence"
)

var _ presence.Register = (*SQLitePresence)(nil)

func openTestStore(t *testing.T, path, node string) *SQLitePresence {
	t.Helper()
	s, err := NewSQLitePresence(path, node)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLitePresenceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "presence.db"), "node-a")

	seen := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.Upsert(ctx, domain.Presence{
		UserID:    "u1",
		ProjectID: "p1",
		Online:    true,
		Viewing:   "task-7",
		Cursor:    &domain.Cursor{X: 10.5, Y: 20},
		LastSeen:  seen,
	}))
	require.NoError(t, s.Upsert(ctx, domain.Presence{UserID: "u0", ProjectID: "p1", Online: true, LastSeen: seen}))

	got, err := s.GetAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "u0", got[0].UserID)
	assert.Nil(t, got[0].Cursor)
	assert.Empty(t, got[0].Viewing)

	assert.Equal(t, "u1", got[1].UserID)
	assert.Equal(t, "p1", got[1].ProjectID)
	assert.True(t, got[1].Online)
	assert.Equal(t, "task-7", got[1].Viewing)
	require.NotNil(t, got[1].Cursor)
	assert.Equal(t, domain.Cursor{X: 10.5, Y: 20}, *got[1].Cursor)
	assert.True(t, got[1].LastSeen.Equal(seen), "last seen %v != %v", got[1].LastSeen, seen)
}

func TestSQLitePresenceUpsertKeepsOneRecordPerKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "presence.db"), "node-a")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Upsert(ctx, domain.Presence{UserID: "u1", ProjectID: "p1", Online: true, LastSeen: time.Now()}))
	}

	got, err := s.GetAll(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLitePresenceRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "presence.db"), "node-a")

	require.NoError(t, s.Remove(ctx, "p1", "absent"))
	require.NoError(t, s.Upsert(ctx, domain.Presence{UserID: "u1", ProjectID: "p1", Online: true, LastSeen: time.Now()}))
	rec, ok, err := s.Get(ctx, "p1", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", rec.UserID)

	require.NoError(t, s.Remove(ctx, "p1", "u1"))
	_, ok, err = s.Get(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetAll(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLitePresenceSurvivesReopenAndPurgesOwnNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "presence.db")

	a, err := NewSQLitePresence(path, "node-a")
	require.NoError(t, err)
	require.NoError(t, a.Upsert(ctx, domain.Presence{UserID: "u1", ProjectID: "p1", Online: true, LastSeen: time.Now()}))
	require.NoError(t, a.Close())

	b := openTestStore(t, path, "node-b")
	require.NoError(t, b.Upsert(ctx, domain.Presence{UserID: "u2", ProjectID: "p1", Online: true, LastSeen: time.Now()}))

	restarted := openTestStore(t, path, "node-a")
	got, err := restarted.GetAll(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := restarted.PurgeNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = restarted.GetAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)
}

func TestSQLitePresencePing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "nested", "presence.db"), "node-a")
	assert.NoError(t, s.Ping(context.Background()))
}
