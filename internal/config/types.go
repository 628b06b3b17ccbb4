package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "timerbot/pkg/logx"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "1m") and are parsed where they are used.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Timers       TimersConfig       `json:"timers"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Notifier     NotifierConfig     `json:"notifier"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	HTTP         HTTPConfig         `json:"http"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChatID receives operator log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Console defaults to true when omitted.
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the timer store.
//
//	storage: { driver: sqlite, path: ./data/timers.db }
//	storage: { driver: postgres, dsn: "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TimersConfig struct {
	// Timezone is an IANA name for HH:MM requests and displayed times.
	// Empty means the host's local zone.
	Timezone    string `json:"timezone,omitempty"`
	MinDuration string `json:"min_duration,omitempty"`
	MaxComment  int    `json:"max_comment,omitempty"`
	ListLimit   int    `json:"list_limit,omitempty"`
}

type DispatchConfig struct {
	Interval  string `json:"interval,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type HousekeepingConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// HTTPConfig controls the ops server (/healthz, /stats, /metrics).
// Prefer a loopback address; pprof exposes process internals.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

const (
	DefaultStoragePath     = "./data/timers.db"
	DefaultHousekeeping    = "@every 1h"
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultPollTimeout     = 10 * time.Second
	DefaultNotifierRate    = 20
	DefaultLogTelegramRate = 1
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
	if c.Logging.Telegram.MinLevel == "" {
		c.Logging.Telegram.MinLevel = "warn"
	}
	if c.Logging.Telegram.RatePerSec <= 0 {
		c.Logging.Telegram.RatePerSec = DefaultLogTelegramRate
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.isSQLite() && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = DefaultNotifierRate
	}
	if c.Housekeeping.Enabled == nil {
		on := true
		c.Housekeeping.Enabled = &on
	}
	if strings.TrimSpace(c.Housekeeping.Schedule) == "" {
		c.Housekeeping.Schedule = DefaultHousekeeping
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

func (s StorageConfig) isSQLite() bool {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	return d == "" || d == "sqlite" || d == "sqlite3"
}

func (s StorageConfig) isPostgres() bool {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "postgres", "postgresql", "pgx":
		return true
	}
	return false
}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)

	if c.Logging.Level != "" && !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Telegram.MinLevel != "" && !logx.ValidLevel(c.Logging.Telegram.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.LogChatID == 0 {
		errs = append(errs, errors.New("telegram.log_chat_id is required when logging.telegram.enabled"))
	}

	switch {
	case c.Storage.isSQLite():
	case c.Storage.isPostgres():
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	_, err = ParseDurationField("timers.min_duration", c.Timers.MinDuration)
	add(err)
	if c.Timers.MaxComment < 0 {
		errs = append(errs, errors.New("timers.max_comment must be >= 0"))
	}
	if c.Timers.ListLimit < 0 {
		errs = append(errs, errors.New("timers.list_limit must be >= 0"))
	}

	iv, err := ParseDurationField("dispatch.interval", c.Dispatch.Interval)
	add(err)
	if err == nil && iv > 0 && iv < time.Second {
		errs = append(errs, errors.New("dispatch.interval must be at least 1s"))
	}
	if c.Dispatch.BatchSize < 0 {
		errs = append(errs, errors.New("dispatch.batch_size must be >= 0"))
	}

	_, err = ParseDurationField("notifier.send_timeout", c.Notifier.SendTimeout)
	add(err)
	if c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
	}

	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required when http.enabled"))
	}
	return errors.Join(errs...)
}

// Location resolves timers.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timers.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timers.timezone: %w", err)
	}
	return loc, nil
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	console := c.Logging.Console == nil || *c.Logging.Console
	return logx.Config{
		Level:   c.Logging.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			ChatID:     c.Telegram.LogChatID,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

func (c *Config) HousekeepingEnabled() bool {
	return c.Housekeeping.Enabled == nil || *c.Housekeeping.Enabled
}
