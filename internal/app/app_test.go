package app

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/config"
	"timerbot/internal/dispatch"
	logx "timerbot/pkg/logx"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.ApplyDefaults()
	return cfg
}

func TestMapConfigDefaults(t *testing.T) {
	t.Parallel()
	comp, err := mapConfig(baseConfig())
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPollTimeout, comp.PollTimeout)
	assert.Equal(t, "sqlite", comp.Storage.Driver)
	assert.Equal(t, config.DefaultStoragePath, comp.Storage.Path)
	assert.Equal(t, dispatch.DefaultInterval, comp.Dispatch.Interval)
	assert.Equal(t, comp.Dispatch.Interval, comp.Timers.KickWithin)
	assert.Equal(t, time.Local, comp.Timers.Location)
	assert.True(t, comp.HousekeepingOn)
	assert.False(t, comp.HTTPOn)
}

func TestMapConfigOverrides(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Timers.Timezone = "Europe/Berlin"
	cfg.Timers.MinDuration = "2m"
	cfg.Dispatch.Interval = "30s"
	cfg.Notifier.SendTimeout = "5s"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Pprof = true

	comp, err := mapConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", comp.Timers.Location.String())
	assert.Equal(t, comp.Timers.Location, comp.Dispatch.Location)
	assert.Equal(t, 2*time.Minute, comp.Timers.MinDuration)
	assert.Equal(t, 30*time.Second, comp.Timers.KickWithin)
	assert.Equal(t, 5*time.Second, comp.Notifier.SendTimeout)
	assert.True(t, comp.HTTPOn)
	assert.Equal(t, config.DefaultHTTPAddr, comp.HTTP.Addr)
	assert.True(t, comp.HTTP.Pprof)
}

func TestMapConfigRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Housekeeping.Schedule = "whenever"
	_, err := mapConfig(cfg)
	require.Error(t, err)

	off := false
	cfg.Housekeeping.Enabled = &off
	_, err = mapConfig(cfg)
	assert.NoError(t, err)
}

func TestReasonForSignal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}

func TestStopStepBoundsSlowSteps(t *testing.T) {
	t.Parallel()
	var ran atomic.Int32
	start := time.Now()
	stopStep(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(context.Context) error {
		ran.Add(1)
		time.Sleep(time.Second)
		return nil
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	stopStep(context.Background(), logx.Nop(), "failing", time.Second, func(context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	stopStep(context.Background(), logx.Nop(), "panicking", time.Second, func(context.Context) error {
		ran.Add(1)
		panic("nope")
	})
	assert.Equal(t, int32(3), ran.Load())
}

func TestStopStepSkipsWhenDeadlinePassed(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	called := false
	stopStep(ctx, logx.Nop(), "late", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
}
