// Package app wires the timer bot together: config, logging, storage,
// Telegram transport, the command router, the dispatch loop, housekeeping,
// and the ops HTTP server.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/dispatch"
	"timerbot/internal/eventbus"
	"timerbot/internal/housekeeping"
	"timerbot/internal/notifier"
	"timerbot/internal/observability/httpapi"
	"timerbot/internal/observability/metrics"
	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
	"timerbot/internal/timers"
	kit "timerbot/internal/transport"
	telegram "timerbot/internal/transport/telegram/adapter"
	"timerbot/internal/transport/telegram/router"
	logx "timerbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Telegram
	disp    *dispatch.Dispatcher
	timers  *timers.Service
	cmdm    *router.Manager
	http    *httpapi.Server

	houseMu sync.Mutex
	house   *housekeeping.Service
	houseOn bool

	startedAt time.Time
	updates   chan kit.Update
}

// NewApp loads the config (after any .env next to it), opens the store, and
// builds every service. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	comp, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The chat log sink needs the adapter, which needs a logger; attach
	// the sender once both exist.
	logSvc, root := logx.New(cfg.LogConfig(), nil)
	log := root.Component("app")

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: comp.PollTimeout,
	}, root.Component("telegram"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(ad)

	store, err := storage.Open(ctx, comp.Storage, root.Component("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	bus := eventbus.New()
	m := metrics.New()

	notif := notifier.NewTelegram(comp.Notifier, ad, root.Component("notifier"), bus)
	disp := dispatch.New(comp.Dispatch, store, notif, root.Component("dispatch"),
		dispatch.WithBus(bus),
		dispatch.WithMetrics(m),
	)
	timerSvc := timers.New(comp.Timers, store, root.Component("timers"),
		timers.WithBus(bus),
		timers.WithMetrics(m),
		timers.WithKicker(disp),
	)

	cmdm := router.NewManager(root.Component("commands"), ad)
	cmdm.SetCommands(router.TimerCommands(timerSvc, time.Now))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		store:   store,
		adapter: ad,
		notif:   notif,
		disp:    disp,
		timers:  timerSvc,
		cmdm:    cmdm,
		house:   housekeeping.New(comp.Housekeeping, store, m, root.Component("housekeeping")),
		houseOn: comp.HousekeepingOn,
		updates: make(chan kit.Update, 256),
	}
	if comp.HTTPOn {
		a.http = httpapi.New(comp.HTTP, httpapi.Sources{
			Health:  a.health,
			Stats:   a.status,
			Metrics: m,
		}, root.Component("http"))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	menuCtx, cancel := context.WithTimeout(run, 10*time.Second)
	if err := a.cmdm.PublishMenu(menuCtx); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
	cancel()

	a.disp.Start(run)

	a.houseMu.Lock()
	if a.houseOn {
		if err := a.house.Start(run); err != nil {
			a.houseMu.Unlock()
			return err
		}
	}
	a.houseMu.Unlock()

	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("start ops http: %w", err)
		}
	}

	a.sup.Go("commands", func(c context.Context) error {
		return a.cmdm.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, a.health)
	})
	sdNotify(a.log, "READY=1")

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.String("driver", a.store.Driver()),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

// applyConfig pushes a reloaded config into the running services. Sections
// that cannot change live are reported, not applied.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.LogConfig())

	comp, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(comp.Notifier)
	a.disp.Apply(comp.Dispatch)
	a.timers.Apply(comp.Timers)
	a.applyHousekeeping(ctx, comp)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyHousekeeping(ctx context.Context, comp components) {
	a.houseMu.Lock()
	defer a.houseMu.Unlock()

	switch {
	case a.houseOn && !comp.HousekeepingOn:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.house.Stop(stopCtx)
		cancel()
		a.log.Info("housekeeping disabled via config")
	case comp.HousekeepingOn:
		if err := a.house.Apply(ctx, comp.Housekeeping); err != nil {
			a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
			return
		}
		if !a.houseOn {
			if err := a.house.Start(ctx); err != nil {
				a.log.Warn("housekeeping start failed", logx.Err(err))
				return
			}
			a.log.Info("housekeeping enabled via config")
		}
	}
	a.houseOn = comp.HousekeepingOn
}

// Stop shuts services down in dependency order: intake first, then the
// dispatch loop, then delivery and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stopStep(ctx, a.log, name, max, fn)
	}

	step("http", time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("dispatch", 5*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("housekeeping", 2*time.Second, func(c context.Context) error {
		a.houseMu.Lock()
		defer a.houseMu.Unlock()
		a.house.Stop(c)
		return nil
	})
	step("notifier", time.Second, func(context.Context) error { a.notif.Stop(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}
