package app

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/dispatch"
	"outreach/internal/notifier"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/internal/retry"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/scheduler"
	"outreach/internal/window"
)

// Status is the operator view served on /status and printed by the CLI.
type Status struct {
	At         time.Time              `json:"at"`
	Queue      map[queue.Status]int   `json:"queue"`
	Drivers    []platform.Platform    `json:"drivers"`
	WindowOpen bool                   `json:"window_open"`
	NextOpen   time.Time              `json:"next_open,omitempty"`
	LastTick   *dispatch.TickOutcome  `json:"last_tick,omitempty"`
	LastPoll   []dispatch.PollOutcome `json:"last_poll,omitempty"`
	Jobs       []scheduler.Status     `json:"jobs,omitempty"`
	Backoff    []retry.Entry          `json:"backoff,omitempty"`
	Notifier   bool                   `json:"notifier"`
	Alerts     []notifier.HistoryItem `json:"alerts,omitempty"`
	AMQP       bool                   `json:"amqp_connected"`
	Supervisor *rtsup.Snapshot        `json:"supervisor,omitempty"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	now := a.now()
	stats, err := a.stores.queue.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue stats: %w", err)
	}
	pol := a.engine.Config().Window
	st := Status{
		At:       now,
		Queue:    stats,
		Drivers:  a.drivers.Platforms(),
		Jobs:     a.sched.Snapshot(),
		Backoff:  a.tracker.Snapshot(),
		Notifier: a.notif.Enabled(),
		Alerts:   a.notif.Snapshot(),
	}
	st.WindowOpen = pol.CanPerform(window.Send, now)
	if !st.WindowOpen {
		st.NextOpen = pol.NextOpen(now)
	}

	a.lastMu.Lock()
	st.LastTick = a.lastTick
	st.LastPoll = a.lastPoll
	st.AMQP = a.amqp != nil
	a.lastMu.Unlock()

	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st, nil
}
