// Package dispatch runs the periodic scan that delivers due timers.
//
// Each cycle fetches a bounded batch of due, unhandled timers in due order,
// attempts one delivery per timer, and records the attempt as handled whether
// or not it succeeded. A timer is therefore delivered at most once, including
// across restarts: anything not yet recorded is found again by the next scan.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"timerbot/internal/eventbus"
	"timerbot/internal/notifier"
	"timerbot/internal/observability/metrics"
	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100

	// maxLoopRestarts bounds back-to-back crashes of the loop before the
	// dispatcher reports itself failed through Err.
	maxLoopRestarts = 5
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	// Location renders absolute due times; nil means time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// CycleReport summarizes one RunOnce.
type CycleReport struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Fetched    int           `json:"fetched"`
	Delivered  int           `json:"delivered"`
	Failed     int           `json:"failed"`
	MarkErrors int           `json:"mark_errors"`
	// Deferred counts fetched timers left pending because shutdown began
	// before they were attempted.
	Deferred int `json:"deferred"`
}

// FiredEvent is published once per attempted timer.
type FiredEvent struct {
	TimerID int64  `json:"timer_id"`
	UserID  string `json:"user_id"`
	Error   string `json:"error,omitempty"`
}

type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

type Dispatcher struct {
	store    storage.Store
	notifier notifier.Notifier
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	last CycleReport

	// cycleMu keeps RunOnce calls from overlapping.
	cycleMu sync.Mutex

	kick    chan struct{}
	retimed chan struct{}

	restartMin, restartMax time.Duration
}

func New(cfg Config, store storage.Store, n notifier.Notifier, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:    store,
		notifier: n,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
		retimed:  make(chan struct{}, 1),

		restartMin: time.Second,
		restartMax: 30 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Apply swaps interval, batch size, and location. A running loop picks up
// a new interval immediately.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	changed := cfg.Interval != d.cfg.Interval
	d.cfg = cfg
	d.mu.Unlock()
	if changed {
		select {
		case d.retimed <- struct{}{}:
		default:
		}
	}
}

// Kick requests a cycle as soon as the loop is free. Repeated kicks before
// the loop wakes collapse into one.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// KickAt requests a cycle once at has passed, so a timer due before the
// next tick is not held back a full interval. Times already past kick now.
func (d *Dispatcher) KickAt(at time.Time) {
	wait := at.Sub(d.now())
	if wait <= 0 {
		d.Kick()
		return
	}
	time.AfterFunc(wait, d.Kick)
}

// LastCycle returns the report of the most recent finished cycle.
func (d *Dispatcher) LastCycle() CycleReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Supervisor returns the loop's supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Err reports a loop that crashed too often and is no longer running.
func (d *Dispatcher) Err() error {
	if sup := d.Supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

// Start runs one cycle right away and then one per interval until ctx is
// canceled or Stop is called. Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	d.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(d.log))
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("dispatch.loop", d.loop,
		rtsup.WithRestartBackoff(d.restartMin, d.restartMax),
		rtsup.WithMaxRestarts(maxLoopRestarts),
	)
}

// Stop cancels the loop and waits for an in-flight cycle to finish, bounded
// by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) error {
	// Shutdown never interrupts a send midway; it stops the cycle before
	// the next timer instead.
	cycleCtx := context.WithoutCancel(ctx)
	stop := ctx.Done()

	d.runLogged(cycleCtx, stop)

	ticker := time.NewTicker(d.config().Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.retimed:
			iv := d.config().Interval
			ticker.Reset(iv)
			d.log.Info("dispatch interval changed", logx.Duration("interval", iv))
		case <-d.kick:
			d.runLogged(cycleCtx, stop)
		case <-ticker.C:
			d.runLogged(cycleCtx, stop)
		}
	}
}

func (d *Dispatcher) runLogged(ctx context.Context, stop <-chan struct{}) {
	// Errors are already logged and counted inside the cycle.
	_, _ = d.cycle(ctx, stop)
}

// RunOnce performs a single cycle: fetch due timers, deliver each once, and
// record every attempt. Only a failed scan returns an error; delivery and
// bookkeeping failures are reported in the CycleReport.
//
// A send rejected with notifier.ErrStopped was never attempted: that timer
// and the rest of the batch stay pending for the next run.
func (d *Dispatcher) RunOnce(ctx context.Context) (CycleReport, error) {
	return d.cycle(ctx, nil)
}

func (d *Dispatcher) cycle(ctx context.Context, stop <-chan struct{}) (CycleReport, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	cfg := d.config()
	now := d.now()
	rep := CycleReport{ID: uuid.NewString(), Started: now}
	log := d.log.With(logx.String("cycle", rep.ID))

	due, err := d.store.FetchDue(ctx, now, cfg.BatchSize)
	if err != nil {
		d.metrics.CycleAborted()
		d.publish(eventbus.TypeCycleAborted, rep)
		log.Warn("due scan failed; retrying next cycle", logx.Err(err))
		return rep, fmt.Errorf("fetch due: %w", err)
	}
	rep.Fetched = len(due)

	for i, t := range due {
		select {
		case <-stop:
			rep.Deferred = len(due) - i
		default:
		}
		if rep.Deferred > 0 {
			break
		}

		sendErr := d.notifier.Send(ctx, t.UserID, RenderReminder(t, now, cfg.Location))
		if errors.Is(sendErr, notifier.ErrStopped) {
			rep.Deferred = len(due) - i
			break
		}
		if sendErr != nil {
			rep.Failed++
			d.metrics.Delivery(metrics.OutcomeFailed)
			log.Warn("delivery failed; not retrying",
				logx.Int64("timer_id", t.ID),
				logx.String("user_id", t.UserID),
				logx.Err(sendErr),
			)
		} else {
			rep.Delivered++
			d.metrics.Delivery(metrics.OutcomeDelivered)
		}

		// Recorded regardless of sendErr: one attempt per timer.
		if err := d.store.MarkHandled(ctx, t.ID, storage.Outcome{At: d.now(), Err: sendErr}); err != nil {
			rep.MarkErrors++
			d.metrics.MarkError()
			lvl := log.Error
			if errors.Is(err, storage.ErrClosed) {
				lvl = log.Warn
			}
			lvl("recording delivery failed", logx.Int64("timer_id", t.ID), logx.Err(err))
		}

		ev := FiredEvent{TimerID: t.ID, UserID: t.UserID}
		typ := eventbus.TypeTimerFired
		if sendErr != nil {
			ev.Error = sendErr.Error()
			typ = eventbus.TypeTimerFailed
		}
		d.publish(typ, ev)
	}

	rep.Took = d.now().Sub(rep.Started)
	d.metrics.CycleDone(rep.Took)
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()
	d.publish(eventbus.TypeCycleFinished, rep)

	if rep.Fetched > 0 {
		log.Info("dispatch cycle done",
			logx.Int("fetched", rep.Fetched),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("mark_errors", rep.MarkErrors),
			logx.Int("deferred", rep.Deferred),
			logx.Duration("took", rep.Took),
		)
	} else {
		log.Debug("dispatch cycle idle")
	}
	return rep, nil
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
