package app

import (
	"strings"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/dispatch"
	"timerbot/internal/housekeeping"
	"timerbot/internal/notifier"
	"timerbot/internal/observability/httpapi"
	"timerbot/internal/storage"
	"timerbot/internal/timers"
)

// components is the config fanned out into each service's own settings.
type components struct {
	PollTimeout time.Duration

	Storage      storage.Config
	Timers       timers.Config
	Dispatch     dispatch.Config
	Notifier     notifier.Config
	Housekeeping housekeeping.Config
	HTTP         httpapi.Config

	HousekeepingOn bool
	HTTPOn         bool
}

// mapConfig parses durations and zones once. It also serves as the reload
// validator, so a config that maps cleanly is safe to apply live.
func mapConfig(cfg *config.Config) (components, error) {
	var c components
	var err error

	if c.PollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout); err != nil {
		return c, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return c, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	c.Storage = storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}

	loc, err := cfg.Location()
	if err != nil {
		return c, err
	}
	minDur, err := config.ParseDurationField("timers.min_duration", cfg.Timers.MinDuration)
	if err != nil {
		return c, err
	}
	interval, err := config.ParseDurationOrDefault("dispatch.interval", cfg.Dispatch.Interval, dispatch.DefaultInterval)
	if err != nil {
		return c, err
	}
	c.Dispatch = dispatch.Config{
		Interval:  interval,
		BatchSize: cfg.Dispatch.BatchSize,
		Location:  loc,
	}
	c.Timers = timers.Config{
		Location:    loc,
		MinDuration: minDur,
		MaxComment:  cfg.Timers.MaxComment,
		ListLimit:   cfg.Timers.ListLimit,
		KickWithin:  interval,
	}

	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if err != nil {
		return c, err
	}
	c.Notifier = notifier.Config{RatePerSec: cfg.Notifier.RatePerSec, SendTimeout: sendTimeout}

	c.HousekeepingOn = cfg.HousekeepingEnabled()
	c.Housekeeping = housekeeping.Config{Schedule: cfg.Housekeeping.Schedule, Location: loc}
	if c.HousekeepingOn {
		if err := housekeeping.ValidateSchedule(cfg.Housekeeping.Schedule); err != nil {
			return c, err
		}
	}

	c.HTTPOn = cfg.HTTP.Enabled
	c.HTTP = httpapi.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr), Pprof: cfg.HTTP.Pprof}
	return c, nil
}
