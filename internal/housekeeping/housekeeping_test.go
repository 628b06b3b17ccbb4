package housekeeping

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/observability/metrics"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

func TestRunOnceReportsStats(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := st.Insert(context.Background(), storage.NewTimer{UserID: "1", DueAt: now.Add(time.Hour), CreatedAt: now})
		require.NoError(t, err)
	}

	m := metrics.New()
	svc := New(Config{}, st, m, logx.Nop())
	rep := svc.RunOnce(context.Background())

	assert.Empty(t, rep.StatsErr)
	assert.Empty(t, rep.Maintain)
	assert.Equal(t, int64(3), rep.Stats.Pending)
	assert.Equal(t, "sqlite", rep.Stats.Driver)
	assert.Equal(t, rep, svc.Last())

	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "timerbot_timers_pending" {
			found = true
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

type countingStore struct {
	storage.Store
	stats    atomic.Int64
	maintain atomic.Int64
}

func (c *countingStore) Stats(context.Context, time.Time) (storage.Stats, error) {
	c.stats.Add(1)
	return storage.Stats{}, errors.New("stats unavailable")
}

func (c *countingStore) Maintain(context.Context) error {
	c.maintain.Add(1)
	return nil
}

func TestRunOnceMaintainsEvenWhenStatsFail(t *testing.T) {
	t.Parallel()
	st := &countingStore{}
	rep := New(Config{}, st, nil, logx.Nop()).RunOnce(context.Background())
	assert.Equal(t, "stats unavailable", rep.StatsErr)
	assert.Equal(t, int64(1), st.maintain.Load())
}

func TestScheduledRuns(t *testing.T) {
	t.Parallel()
	st := &countingStore{}
	svc := New(Config{Schedule: "@every 1s"}, st, nil, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return st.maintain.Load() >= 1 }, 4*time.Second, 20*time.Millisecond)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("0 */5 * * * *"))
	assert.Error(t, ValidateSchedule("every now and then"))

	svc := New(Config{}, &countingStore{}, nil, logx.Nop())
	assert.Error(t, svc.Apply(context.Background(), Config{Schedule: "nope"}))
	assert.NoError(t, svc.Apply(context.Background(), Config{Schedule: "@daily"}))
}
