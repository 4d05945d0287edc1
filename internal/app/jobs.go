package app

import (
	"context"
	"time"

	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/scheduler"
	logx "outreach/pkg/logx"
	"outreach/pkg/systemd"
)

const (
	JobTick    = "dispatch.tick"
	JobPoll    = "inbox.poll"
	JobSweep   = "retry.sweep"
	JobRecover = "claims.recover"
)

// registerJobs adds the periodic work. Schedules are read once; changing
// them needs a restart.
func (a *App) registerJobs(st *config.Settings) error {
	staleAfter := st.StaleClaimAfter
	jobs := []scheduler.Job{
		{Name: JobTick, Schedule: st.Intervals.Tick, Run: func(ctx context.Context) error {
			_, err := a.RunTick(ctx)
			return err
		}},
		{Name: JobPoll, Schedule: st.Intervals.Poll, Timeout: 2 * time.Minute, Run: func(ctx context.Context) error {
			_, err := a.RunPoll(ctx)
			return err
		}},
		{Name: JobSweep, Schedule: st.Intervals.Sweep, Timeout: 10 * time.Second, Run: func(ctx context.Context) error {
			a.engine.Sweep()
			if a.stores.db == nil {
				return nil
			}
			n, err := a.stores.db.PruneDedup(ctx, a.now())
			if n > 0 {
				a.log.Debug("expired alert dedup pruned", logx.Int64("rows", n))
			}
			return err
		}},
		{Name: JobRecover, Schedule: st.Intervals.Recover, Timeout: 30 * time.Second, Run: func(ctx context.Context) error {
			_, err := a.engine.Recover(ctx, staleAfter)
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// RunTick runs one dispatch tick and records its outcome for /status.
func (a *App) RunTick(ctx context.Context) (dispatch.TickOutcome, error) {
	out, err := a.engine.Tick(ctx)
	if err != nil {
		return out, err
	}
	a.lastMu.Lock()
	a.lastTick = &out
	a.lastMu.Unlock()
	if !out.Gated {
		tot := out.Totals()
		_, _ = systemd.Status("last tick %s: sent %d of quota %d", out.At.Format(time.RFC3339), tot.Sent, out.Allocation.Quota)
	}
	return out, nil
}

// RunPoll polls every inbox once.
func (a *App) RunPoll(ctx context.Context) ([]dispatch.PollOutcome, error) {
	outs, err := a.engine.PollAll(ctx, a.machine)
	a.lastMu.Lock()
	a.lastPoll = outs
	a.lastMu.Unlock()
	return outs, err
}
