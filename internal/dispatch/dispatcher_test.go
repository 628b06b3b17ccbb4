package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/eventbus"
	"timerbot/internal/notifier"
	"timerbot/internal/storage"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type sent struct {
	userID string
	text   string
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
	fail map[string]error
}

func (r *recorder) Send(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{userID: userID, text: text})
	if err := r.fail[userID]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "timers.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insert(t *testing.T, st storage.Store, userID string, created, due time.Time) int64 {
	t.Helper()
	id, err := st.Insert(context.Background(), storage.NewTimer{UserID: userID, DueAt: due, CreatedAt: created})
	require.NoError(t, err)
	return id
}

func TestRunOnceDeliversDueTimerExactlyOnce(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	rec := &recorder{}
	d := New(Config{}, st, rec, logx.Nop(), WithClock(clk.Now))
	ctx := context.Background()

	id := insert(t, st, "42", clk.Now(), clk.Now().Add(time.Minute))

	rep, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Zero(t, rec.count())

	clk.Advance(time.Minute)
	rep, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Delivered)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "42", rec.msgs[0].userID)
	assert.True(t, strings.HasPrefix(rec.msgs[0].text, "⏰ Timer expired!"))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Handled)
	assert.Nil(t, got.DeliveryError)

	clk.Advance(time.Hour)
	rep, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, 1, rec.count())
	assert.NotEmpty(t, d.LastCycle().ID)
}

func TestRunOnceDrainsBacklogInBatches(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	start := time.Unix(1_700_000_000, 0)
	clk := &clock{now: start}
	rec := &recorder{}
	d := New(Config{BatchSize: 100}, st, rec, logx.Nop(), WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		insert(t, st, "7", start, start.Add(time.Duration(i+1)*time.Second))
	}
	clk.Advance(time.Hour)

	rep, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Fetched)

	rep, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Fetched)

	rep, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, 150, rec.count())
}

func TestRunOnceMarksFailedDeliveryHandled(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	rec := &recorder{fail: map[string]error{"blocked": errors.New("forbidden: bot was blocked by the user")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	d := New(Config{}, st, rec, logx.Nop(), WithClock(clk.Now), WithBus(bus))
	ctx := context.Background()

	bad := insert(t, st, "blocked", clk.Now(), clk.Now())
	good := insert(t, st, "ok", clk.Now(), clk.Now())

	rep, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fetched)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.Failed)

	got, err := st.Get(ctx, bad)
	require.NoError(t, err)
	assert.True(t, got.Handled)
	require.NotNil(t, got.DeliveryError)
	assert.Contains(t, *got.DeliveryError, "blocked")

	got, err = st.Get(ctx, good)
	require.NoError(t, err)
	assert.True(t, got.Handled)

	rep, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, 2, rec.count())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.TypeTimerFailed)
	assert.Contains(t, types, eventbus.TypeTimerFired)
	assert.Contains(t, types, eventbus.TypeCycleFinished)
}

type flakyStore struct {
	storage.Store
	fetchErr error
	markErr  error
	due      []storage.Timer
	marked   []int64
}

func (f *flakyStore) FetchDue(context.Context, time.Time, int) ([]storage.Timer, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.due, nil
}

func (f *flakyStore) MarkHandled(_ context.Context, id int64, _ storage.Outcome) error {
	f.marked = append(f.marked, id)
	return f.markErr
}

func TestRunOnceAbortsOnScanFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	st := &flakyStore{fetchErr: errors.New("database is locked")}
	d := New(Config{}, st, rec, logx.Nop())

	_, err := d.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Zero(t, rec.count())

	st.fetchErr = nil
	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
}

func TestRunOnceContinuesPastMarkFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	now := time.Unix(1_700_000_000, 0)
	st := &flakyStore{
		markErr: errors.New("disk I/O error"),
		due: []storage.Timer{
			{ID: 1, UserID: "1", DueAt: now},
			{ID: 2, UserID: "2", DueAt: now},
		},
	}
	d := New(Config{}, st, rec, logx.Nop(), WithClock(func() time.Time { return now }))

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 2, rep.MarkErrors)
	assert.Equal(t, []int64{1, 2}, st.marked)
}

func TestStartRunsImmediatelyAndOnKick(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var calls atomic.Int64
	n := notifier.Func(func(context.Context, string, string) error {
		calls.Add(1)
		return nil
	})
	now := time.Now()
	insert(t, st, "1", now.Add(-time.Second), now.Add(-time.Second))

	d := New(Config{Interval: time.Hour}, st, n, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	insert(t, st, "2", time.Now().Add(-time.Second), time.Now().Add(-time.Second))
	d.Kick()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, d.Stop(stopCtx))
	require.NoError(t, d.Stop(stopCtx))
}

func TestKickAtDeliversBeforeNextTick(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var calls atomic.Int64
	n := notifier.Func(func(context.Context, string, string) error {
		calls.Add(1)
		return nil
	})

	d := New(Config{Interval: time.Hour}, st, n, logx.Nop())
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	}()
	require.Eventually(t, func() bool { return d.LastCycle().ID != "" }, 2*time.Second, 10*time.Millisecond)

	due := time.Now().Add(1100 * time.Millisecond)
	insert(t, st, "1", time.Now(), due)
	d.KickAt(due)

	// Too early: the kick has not fired and the timer is not due yet.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, time.Now().Before(due))
}

func TestApplyShortensInterval(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	var calls atomic.Int64
	n := notifier.Func(func(context.Context, string, string) error {
		calls.Add(1)
		return nil
	})

	d := New(Config{Interval: time.Hour}, st, n, logx.Nop())
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return d.LastCycle().ID != "" }, 2*time.Second, 10*time.Millisecond)
	d.Apply(Config{Interval: 20 * time.Millisecond})

	now := time.Now()
	insert(t, st, "1", now.Add(-time.Second), now.Add(-time.Second))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRenderReminder(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CET", 3600)
	due := time.Date(2025, 3, 1, 20, 30, 0, 0, loc)
	comment := "call mom"
	channel := "-100200"

	got := RenderReminder(storage.Timer{UserID: "42", DueAt: due, Comment: &comment, ChannelID: &channel}, due.Add(2*time.Minute), loc)
	assert.Equal(t, "⏰ Timer expired!\nDue: Sat, 01 Mar 2025 20:30 CET (2 minutes ago)\n📝 call mom\n📍 Set in chat -100200", got)

	self := "42"
	got = RenderReminder(storage.Timer{UserID: "42", DueAt: due, ChannelID: &self}, due, loc)
	assert.Equal(t, "⏰ Timer expired!\nDue: Sat, 01 Mar 2025 20:30 CET (now)", got)
}

func TestRunOnceLeavesTimersPendingWhenNotifierStops(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	start := time.Unix(1_700_000_000, 0)
	clk := &clock{now: start}
	var calls atomic.Int64
	n := notifier.Func(func(context.Context, string, string) error {
		if calls.Add(1) > 2 {
			return fmt.Errorf("deliver: %w", notifier.ErrStopped)
		}
		return nil
	})
	d := New(Config{}, st, n, logx.Nop(), WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insert(t, st, "9", start, start.Add(time.Duration(i+1)*time.Second))
	}
	clk.Advance(time.Minute)

	rep, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Fetched)
	assert.Equal(t, 2, rep.Delivered)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 3, rep.Deferred)
	assert.Equal(t, int64(3), calls.Load())

	left, err := st.FetchDue(ctx, clk.Now(), 100)
	require.NoError(t, err)
	require.Len(t, left, 3)
	for _, tm := range left {
		assert.False(t, tm.Handled)
		assert.Nil(t, tm.DeliveryError)
	}
}

type slowSender struct {
	delay time.Duration
	sends atomic.Int64
}

func (s *slowSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	time.Sleep(s.delay)
	n := s.sends.Add(1)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: int(n)}, nil
}

func TestShutdownMidCycleKeepsUnsentTimersPending(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	now := time.Now()
	for i := 0; i < 40; i++ {
		insert(t, st, "5", now.Add(-time.Minute), now.Add(-time.Minute))
	}

	sender := &slowSender{delay: 50 * time.Millisecond}
	n := notifier.NewTelegram(notifier.Config{RatePerSec: 1000}, sender, logx.Nop(), nil)
	d := New(Config{Interval: time.Hour}, st, n, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	require.Eventually(t, func() bool { return sender.sends.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer stopCancel()
	_ = d.Stop(stopCtx)
	n.Stop()

	// Let any send that was in flight at Stop finish and be recorded.
	time.Sleep(150 * time.Millisecond)

	stats, err := st.Stats(context.Background(), time.Now())
	require.NoError(t, err)
	sends := sender.sends.Load()
	assert.Less(t, sends, int64(40))
	assert.Equal(t, sends, stats.Handled)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 40-sends, stats.Pending)
}

func TestLoopGivesUpAfterRepeatedCrashes(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	now := time.Now()
	insert(t, st, "3", now.Add(-time.Minute), now.Add(-time.Minute))

	var calls atomic.Int64
	n := notifier.Func(func(context.Context, string, string) error {
		calls.Add(1)
		panic("transport exploded")
	})
	d := New(Config{Interval: time.Hour}, st, n, logx.Nop())
	d.restartMin, d.restartMax = time.Millisecond, time.Millisecond
	assert.NoError(t, d.Err())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	require.Eventually(t, func() bool { return d.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, d.Err().Error(), "transport exploded")
	assert.EqualValues(t, maxLoopRestarts+1, calls.Load())

	got, err := st.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, got.Handled)
}
