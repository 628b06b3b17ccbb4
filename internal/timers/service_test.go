package timers

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/duetime"
	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

type kickCounter struct{ at []time.Time }

func (k *kickCounter) KickAt(at time.Time) { k.at = append(k.at, at) }

func newService(t *testing.T, now time.Time, opts ...Option) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "timers.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(Config{Location: now.Location(), KickWithin: 10 * time.Second}, st, logx.Nop(), opts...), st
}

func TestRequestDuration(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, st := newService(t, now)

	got, err := svc.Request(context.Background(), Request{UserID: "42", ChannelID: "-100", When: "2h30m", Comment: "  laundry "})
	require.NoError(t, err)
	assert.Equal(t, duetime.KindDuration, got.Kind)
	assert.Equal(t, now.Add(9000*time.Second), got.DueAt)

	rec, err := st.Get(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.UserID)
	require.NotNil(t, rec.Comment)
	assert.Equal(t, "laundry", *rec.Comment)
	require.NotNil(t, rec.ChannelID)
	assert.Equal(t, "-100", *rec.ChannelID)
	assert.Equal(t, now.Unix(), rec.CreatedAt.Unix())
	assert.False(t, rec.Handled)
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 20, 29, 30, 0, time.UTC)

	cases := []struct {
		name   string
		req    Request
		reason Reason
	}{
		{"unparseable", Request{UserID: "1", When: "abc"}, ReasonUnparseable},
		{"bad clock", Request{UserID: "1", When: "24:00"}, ReasonUnparseable},
		{"zero", Request{UserID: "1", When: "0"}, ReasonUnparseable},
		{"zero minutes", Request{UserID: "1", When: "0m"}, ReasonTooShort},
		{"zero tokens", Request{UserID: "1", When: "0h0m"}, ReasonTooShort},
		{"no user", Request{When: "5m"}, ReasonMissingUser},
		{"long comment", Request{UserID: "1", When: "5m", Comment: strings.Repeat("x", 513)}, ReasonCommentTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, st := newService(t, now)
			_, err := svc.Request(context.Background(), tc.req)
			ve, ok := IsValidation(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tc.reason, ve.Reason)

			stats, err := st.Stats(context.Background(), now)
			require.NoError(t, err)
			assert.Zero(t, stats.Pending)
		})
	}
}

func TestRequestMinimumAppliesOnlyToDurations(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 20, 29, 30, 0, time.UTC)
	svc, _ := newService(t, now)
	svc.Apply(Config{Location: time.UTC, MinDuration: 5 * time.Minute})

	_, err := svc.Request(context.Background(), Request{UserID: "1", When: "2m"})
	ve, ok := IsValidation(err)
	require.True(t, ok)
	assert.Equal(t, ReasonTooShort, ve.Reason)
	assert.Contains(t, ve.Error(), "5m")

	// 30 seconds away, still accepted.
	got, err := svc.Request(context.Background(), Request{UserID: "1", When: "20:30"})
	require.NoError(t, err)
	assert.Equal(t, duetime.KindClock, got.Kind)
	assert.Equal(t, 30*time.Second, got.Offset)
}

func TestRequestKicksWhenDueBeforeNextTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 20, 29, 55, 0, time.UTC)
	k := &kickCounter{}
	svc, _ := newService(t, now, WithKicker(k))

	got, err := svc.Request(context.Background(), Request{UserID: "1", When: "20:30"})
	require.NoError(t, err)
	require.Len(t, k.at, 1)
	assert.Equal(t, got.DueAt, k.at[0])
	assert.True(t, k.at[0].After(now))

	_, err = svc.Request(context.Background(), Request{UserID: "1", When: "1h"})
	require.NoError(t, err)
	assert.Len(t, k.at, 1)
}

func TestRequestPublishesCreated(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()
	svc, _ := newService(t, now, WithBus(bus))

	got, err := svc.Request(context.Background(), Request{UserID: "1", When: "90"})
	require.NoError(t, err)
	ev := <-ch
	assert.Equal(t, eventbus.TypeTimerCreated, ev.Type)
	assert.Equal(t, got, ev.Data)
	assert.Equal(t, 90*time.Minute, got.Offset)
}

type failingStore struct{ storage.Store }

func (failingStore) Insert(context.Context, storage.NewTimer) (int64, error) {
	return 0, storage.ErrClosed
}

func TestRequestStorageFailure(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, failingStore{}, logx.Nop())
	_, err := svc.Request(context.Background(), Request{UserID: "1", When: "5m"})
	require.Error(t, err)
	_, isVal := IsValidation(err)
	assert.False(t, isVal)
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

func TestListReturnsPendingSoonestFirst(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newService(t, now)
	ctx := context.Background()

	for _, w := range []string{"3h", "1h", "2h"} {
		_, err := svc.Request(ctx, Request{UserID: "9", When: w})
		require.NoError(t, err)
	}
	_, err := svc.Request(ctx, Request{UserID: "other", When: "5m"})
	require.NoError(t, err)

	list, err := svc.List(ctx, "9")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, now.Add(time.Hour).Unix(), list[0].DueAt.Unix())
	assert.Equal(t, now.Add(3*time.Hour).Unix(), list[2].DueAt.Unix())
}
