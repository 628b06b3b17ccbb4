package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timers.db")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func strp(s string) *string { return &s }

func TestSQLiteInsertAndGet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, err := st.Insert(ctx, NewTimer{
		UserID:    "42",
		ChannelID: strp("-100"),
		Comment:   strp("tea"),
		DueAt:     now.Add(time.Hour),
		CreatedAt: now,
	})
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "42", got.UserID)
	require.NotNil(t, got.ChannelID)
	assert.Equal(t, "-100", *got.ChannelID)
	require.NotNil(t, got.Comment)
	assert.Equal(t, "tea", *got.Comment)
	assert.Equal(t, now.Add(time.Hour).Unix(), got.DueAt.Unix())
	assert.Equal(t, now.Unix(), got.CreatedAt.Unix())
	assert.False(t, got.Handled)
	assert.Nil(t, got.HandledAt)
	assert.Nil(t, got.DeliveryError)

	id2, err := st.Insert(ctx, NewTimer{UserID: "42", DueAt: now.Add(time.Hour), CreatedAt: now})
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	got2, err := st.Get(ctx, id2)
	require.NoError(t, err)
	assert.Nil(t, got2.ChannelID)
	assert.Nil(t, got2.Comment)

	_, err = st.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteInsertRejectsInvalid(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.Insert(ctx, NewTimer{DueAt: now.Add(time.Hour)})
	assert.Error(t, err)

	_, err = st.Insert(ctx, NewTimer{UserID: "1"})
	assert.Error(t, err)

	_, err = st.Insert(ctx, NewTimer{UserID: "1", DueAt: now.Add(-time.Hour), CreatedAt: now})
	assert.Error(t, err)
}

func TestSQLiteFetchDue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	now := base.Add(time.Hour)

	insert := func(due time.Time) int64 {
		id, err := st.Insert(ctx, NewTimer{UserID: "7", DueAt: due, CreatedAt: base})
		require.NoError(t, err)
		return id
	}
	late := insert(base.Add(50 * time.Minute))
	early := insert(base.Add(10 * time.Minute))
	tieA := insert(base.Add(30 * time.Minute))
	tieB := insert(base.Add(30 * time.Minute))
	exact := insert(now)
	future := insert(now.Add(time.Second))
	handled := insert(base.Add(5 * time.Minute))
	require.NoError(t, st.MarkHandled(ctx, handled, Outcome{At: now}))

	due, err := st.FetchDue(ctx, now, 100)
	require.NoError(t, err)
	ids := make([]int64, 0, len(due))
	for _, tm := range due {
		assert.False(t, tm.Handled)
		assert.LessOrEqual(t, tm.DueAt.Unix(), now.Unix())
		ids = append(ids, tm.ID)
	}
	assert.Equal(t, []int64{early, tieA, tieB, late, exact}, ids)
	assert.NotContains(t, ids, future)

	limited, err := st.FetchDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, early, limited[0].ID)
	assert.Equal(t, tieA, limited[1].ID)
}

func TestSQLiteMarkHandledIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	id, err := st.Insert(ctx, NewTimer{UserID: "1", DueAt: base, CreatedAt: base})
	require.NoError(t, err)

	first := base.Add(time.Minute)
	require.NoError(t, st.MarkHandled(ctx, id, Outcome{At: first, Err: errors.New("bot was blocked by the user")}))
	require.NoError(t, st.MarkHandled(ctx, id, Outcome{At: first.Add(time.Hour)}))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Handled)
	require.NotNil(t, got.HandledAt)
	assert.Equal(t, first.Unix(), got.HandledAt.Unix())
	require.NotNil(t, got.DeliveryError)
	assert.Contains(t, *got.DeliveryError, "blocked")

	due, err := st.FetchDue(ctx, base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// unknown ids are a no-op too
	assert.NoError(t, st.MarkHandled(ctx, 12345, Outcome{}))
}

func TestSQLiteListPendingAndStats(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	now := base.Add(time.Hour)

	a, err := st.Insert(ctx, NewTimer{UserID: "1", DueAt: base.Add(2 * time.Hour), CreatedAt: base})
	require.NoError(t, err)
	b, err := st.Insert(ctx, NewTimer{UserID: "1", DueAt: base.Add(30 * time.Minute), CreatedAt: base})
	require.NoError(t, err)
	_, err = st.Insert(ctx, NewTimer{UserID: "2", DueAt: base.Add(3 * time.Hour), CreatedAt: base})
	require.NoError(t, err)
	c, err := st.Insert(ctx, NewTimer{UserID: "1", DueAt: base.Add(10 * time.Minute), CreatedAt: base})
	require.NoError(t, err)
	require.NoError(t, st.MarkHandled(ctx, c, Outcome{At: now, Err: errors.New("forbidden")}))

	pending, err := st.ListPending(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, b, pending[0].ID)
	assert.Equal(t, a, pending[1].ID)

	stats, err := st.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Driver)
	assert.EqualValues(t, 3, stats.Pending)
	assert.EqualValues(t, 1, stats.Overdue)
	assert.EqualValues(t, 1, stats.Handled)
	assert.EqualValues(t, 1, stats.Failed)
	require.NotNil(t, stats.NextDueAt)
	assert.Equal(t, base.Add(30*time.Minute).Unix(), stats.NextDueAt.Unix())

	assert.NoError(t, st.Maintain(ctx))
}

func TestSQLiteMigratesLegacySchema(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "legacy.db")

	// A database created before channel_id and the outcome columns existed.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE timers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		comment TEXT,
		due_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		handled INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO timers(user_id, comment, due_at, created_at) VALUES('5', 'old', 100, 50)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		st, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
		require.NoError(t, err, "open #%d", i+1)

		due, err := st.FetchDue(ctx, time.Unix(200, 0), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "5", due[0].UserID)
		assert.Nil(t, due[0].ChannelID)
		require.NoError(t, st.Close())
	}
}

func TestSQLiteClosed(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err := st.FetchDue(context.Background(), time.Now(), 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}
