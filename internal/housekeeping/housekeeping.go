// Package housekeeping runs periodic store maintenance on a cron schedule:
// it samples timer counts for logs and metrics and lets the storage driver
// compact itself.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timerbot/internal/observability/metrics"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

const DefaultSchedule = "@every 1h"

type Config struct {
	// Schedule is a cron spec (5 or 6 fields) or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule string
	Location *time.Location
	// Timeout bounds one run; 0 means one minute.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", spec, err)
	}
	return nil
}

type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	last Report
}

// Report is the outcome of one run.
type Report struct {
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
	Stats    storage.Stats `json:"stats"`
	StatsErr string        `json:"stats_error,omitempty"`
	Maintain string        `json:"maintain_error,omitempty"`
}

func New(cfg Config, store storage.Store, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, metrics: m, log: log, now: time.Now, cfg: cfg.withDefaults()}
}

// RunOnce samples store stats, updates the pending gauge, and runs driver
// maintenance. A stats failure does not skip maintenance.
func (s *Service) RunOnce(ctx context.Context) Report {
	start := s.now()
	rep := Report{At: start}

	st, err := s.store.Stats(ctx, start)
	if err != nil {
		rep.StatsErr = err.Error()
		s.log.Warn("timer stats failed", logx.Err(err))
	} else {
		rep.Stats = st
		s.metrics.SetPending(st.Pending)
		fields := []logx.Field{
			logx.String("driver", st.Driver),
			logx.Int64("pending", st.Pending),
			logx.Int64("overdue", st.Overdue),
			logx.Int64("handled", st.Handled),
			logx.Int64("failed", st.Failed),
		}
		if st.NextDueAt != nil {
			fields = append(fields, logx.Time("next_due_at", *st.NextDueAt))
		}
		s.log.Info("timer stats", fields...)
	}

	if err := s.store.Maintain(ctx); err != nil {
		rep.Maintain = err.Error()
		s.log.Warn("store maintenance failed", logx.Err(err))
	}

	rep.Took = s.now().Sub(start)
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep
}

func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins scheduled runs. Overlapping runs are skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	cfg := s.cfg
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	// Runs must finish even when shutdown begins mid-run.
	base := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(strings.TrimSpace(cfg.Schedule), func() {
		rctx, cancel := context.WithTimeout(base, cfg.Timeout)
		defer cancel()
		s.RunOnce(rctx)
	}); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping scheduled", logx.String("schedule", cfg.Schedule), logx.String("tz", cfg.Location.String()))
	return nil
}

// Apply swaps the config and reschedules a running service.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil || (old.Schedule == cfg.Schedule && old.Location.String() == cfg.Location.String()) {
		return nil
	}
	s.c.Stop()
	s.c = nil
	return s.startLocked(ctx)
}

// Stop stops scheduling and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
