// Package timers turns a user's request into a persisted timer.
package timers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"timerbot/internal/duetime"
	"timerbot/internal/eventbus"
	"timerbot/internal/observability/metrics"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

const (
	DefaultMinDuration = 60 * time.Second
	DefaultMaxComment  = 512
	DefaultListLimit   = 20
)

type Config struct {
	// Location resolves HH:MM requests; nil means time.Local.
	Location    *time.Location
	MinDuration time.Duration
	MaxComment  int
	ListLimit   int
	// KickWithin asks the dispatcher for an extra cycle at the due time of
	// a new timer due sooner than this. Usually the dispatch interval.
	KickWithin time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MinDuration <= 0 {
		c.MinDuration = DefaultMinDuration
	}
	if c.MaxComment <= 0 {
		c.MaxComment = DefaultMaxComment
	}
	if c.ListLimit <= 0 {
		c.ListLimit = DefaultListLimit
	}
	return c
}

type Reason string

const (
	ReasonUnparseable    Reason = "unparseable"
	ReasonTooShort       Reason = "too_short"
	ReasonCommentTooLong Reason = "comment_too_long"
	ReasonMissingUser    Reason = "missing_user"
)

// ValidationError rejects a request before anything is stored.
type ValidationError struct {
	Reason Reason
	Input  string
	// Limit is the bound that was violated, when there is one.
	Limit string
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonTooShort:
		return fmt.Sprintf("timer %q is shorter than %s", e.Input, e.Limit)
	case ReasonCommentTooLong:
		return fmt.Sprintf("comment longer than %s characters", e.Limit)
	case ReasonMissingUser:
		return "user id is required"
	default:
		return fmt.Sprintf("cannot parse %q as a duration or HH:MM", e.Input)
	}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

type Request struct {
	UserID string
	// ChannelID is where the command was issued; empty for private chats.
	ChannelID string
	When      string
	Comment   string
}

type Created struct {
	ID     int64
	DueAt  time.Time
	Kind   duetime.Kind
	Offset time.Duration
}

// Kicker is satisfied by the dispatcher.
type Kicker interface {
	KickAt(at time.Time)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithBus(bus eventbus.Bus) Option       { return func(s *Service) { s.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithKicker(k Kicker) Option            { return func(s *Service) { s.kicker = k } }

type Service struct {
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	kicker  Kicker
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, log: log, now: time.Now, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Request validates and stores a new timer.
//
// The minimum length applies only to relative durations; an HH:MM time may
// be any distance in the future.
func (s *Service) Request(ctx context.Context, req Request) (Created, error) {
	cfg := s.Config()
	if strings.TrimSpace(req.UserID) == "" {
		return Created{}, &ValidationError{Reason: ReasonMissingUser}
	}
	comment := strings.TrimSpace(req.Comment)
	if utf8.RuneCountInString(comment) > cfg.MaxComment {
		return Created{}, &ValidationError{Reason: ReasonCommentTooLong, Input: req.When, Limit: fmt.Sprint(cfg.MaxComment)}
	}

	now := s.now().In(cfg.Location)
	res, err := duetime.Resolve(req.When, now)
	if err != nil {
		return Created{}, &ValidationError{Reason: ReasonUnparseable, Input: req.When}
	}
	if res.Kind == duetime.KindDuration && res.Offset < cfg.MinDuration {
		return Created{}, &ValidationError{
			Reason: ReasonTooShort,
			Input:  req.When,
			Limit:  duetime.FormatDuration(int64(cfg.MinDuration / time.Second)),
		}
	}

	nt := storage.NewTimer{UserID: req.UserID, DueAt: res.DueAt, CreatedAt: now}
	if ch := strings.TrimSpace(req.ChannelID); ch != "" {
		nt.ChannelID = &ch
	}
	if comment != "" {
		nt.Comment = &comment
	}
	id, err := s.store.Insert(ctx, nt)
	if err != nil {
		s.log.Error("storing timer failed", logx.String("user_id", req.UserID), logx.Err(err))
		return Created{}, fmt.Errorf("store timer: %w", err)
	}

	out := Created{ID: id, DueAt: res.DueAt, Kind: res.Kind, Offset: res.DueAt.Sub(now)}
	s.metrics.TimerCreated()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerCreated, Data: out})
	}
	s.log.Info("timer created",
		logx.Int64("timer_id", id),
		logx.String("user_id", req.UserID),
		logx.String("kind", string(res.Kind)),
		logx.Time("due_at", res.DueAt),
	)
	if s.kicker != nil && cfg.KickWithin > 0 && out.Offset < cfg.KickWithin {
		s.kicker.KickAt(out.DueAt)
	}
	return out, nil
}

// List returns the caller's pending timers, soonest first.
func (s *Service) List(ctx context.Context, userID string) ([]storage.Timer, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Reason: ReasonMissingUser}
	}
	list, err := s.store.ListPending(ctx, userID, s.Config().ListLimit)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	return list, nil
}
