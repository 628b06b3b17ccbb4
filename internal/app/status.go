package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"timerbot/internal/dispatch"
	"timerbot/internal/housekeeping"
	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
)

// Status is the /stats document.
type Status struct {
	StartedAt    time.Time                 `json:"started_at"`
	Uptime       string                    `json:"uptime"`
	Driver       string                    `json:"driver"`
	Store        *storage.Stats            `json:"store,omitempty"`
	StoreErr     string                    `json:"store_error,omitempty"`
	LastCycle    dispatch.CycleReport      `json:"last_cycle"`
	Housekeeping *housekeeping.Report      `json:"housekeeping,omitempty"`
	Supervisors  map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) status(ctx context.Context) (any, error) {
	now := time.Now()
	st := Status{
		StartedAt:   a.startedAt,
		Uptime:      strings.TrimSpace(humanize.RelTime(a.startedAt, now, "", "")),
		Driver:      a.store.Driver(),
		LastCycle:   a.disp.LastCycle(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if s, err := a.store.Stats(ctx, now); err != nil {
		st.StoreErr = err.Error()
	} else {
		st.Store = &s
	}
	if a.house != nil {
		rep := a.house.Last()
		st.Housekeeping = &rep
	}
	for name, sup := range a.supervisors() {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}
	return st, nil
}

func (a *App) supervisors() map[string]*rtsup.Supervisor {
	return map[string]*rtsup.Supervisor{
		"app":              a.sup,
		"telegram.adapter": a.adapter.Supervisor(),
		"dispatch":         a.disp.Supervisor(),
		"commands":         a.cmdm.Supervisor(),
	}
}

// health backs /healthz and the systemd watchdog ping.
func (a *App) health(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	if err := a.disp.Err(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if _, err := a.store.Stats(ctx, time.Now()); err != nil {
		return errors.Join(errors.New("store unavailable"), err)
	}
	return nil
}
