// Package dispatch runs the outreach tick: it reads usage from the queue
// store, asks the allocator for this tick's budget and drives one sender
// worker per platform. Inbox polling and stale-claim recovery live here too.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/allocator"
	"outreach/internal/conversation"
	"outreach/internal/driver"
	"outreach/internal/eventbus"
	"outreach/internal/pacing"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/internal/retry"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
)

const DefaultAnalyticsWindow = 28 * 24 * time.Hour

// Config is the tick-time view of the configuration. The engine swaps it
// only between ticks.
type Config struct {
	Allocator     allocator.Settings
	Window        window.Policy
	DriverTimeout time.Duration
	// AnalyticsWindow is how much reply history feeds the hot-hour and
	// booking-rate signals.
	AnalyticsWindow time.Duration
	PollLimit       int
}

// AnalyticsSource summarizes conversation history for the allocator.
type AnalyticsSource interface {
	Analytics(ctx context.Context, since time.Time, loc *time.Location) (conversation.Analytics, error)
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Store     queue.Store
	Drivers   *driver.Registry
	Tracker   *retry.Tracker
	Alerter   *retry.Alerter
	Pacer     *pacing.Pacer
	Resolver  ContactResolver
	Outbound  OutboundRecorder
	Analytics AnalyticsSource
	Bus       eventbus.Bus
	Log       logx.Logger
	Clock     func() time.Time
}

// TickOutcome is the structured result of one tick.
type TickOutcome struct {
	At         time.Time                           `json:"at"`
	Gated      bool                                `json:"gated,omitempty"`
	Allocation allocator.Allocation                `json:"allocation"`
	Snapshot   allocator.Snapshot                  `json:"snapshot"`
	Workers    map[platform.Platform]WorkerOutcome `json:"workers"`
}

// Totals sums the worker counters.
func (t TickOutcome) Totals() WorkerOutcome {
	var sum WorkerOutcome
	for _, w := range t.Workers {
		sum.Quota += w.Quota
		sum.Fetched += w.Fetched
		sum.LostClaims += w.LostClaims
		sum.Attempted += w.Attempted
		sum.Sent += w.Sent
		sum.Errored += w.Errored
		sum.Deferred += w.Deferred
		sum.Failed += w.Failed
	}
	return sum
}

type Engine struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config

	// tickMu keeps ticks from overlapping when called outside the scheduler.
	tickMu sync.Mutex
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Drivers == nil || deps.Tracker == nil {
		return nil, errors.New("dispatch: store, drivers and tracker are required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Resolver == nil {
		deps.Resolver = ItemResolver{}
	}
	return &Engine{deps: deps, cfg: cfg, log: deps.Log.Component("dispatch")}, nil
}

// Apply replaces the configuration. A tick in flight keeps the old one.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Tracker() *retry.Tracker { return e.deps.Tracker }

// Tick runs one dispatch round. It returns an error, and sends nothing, when
// the allocator inputs cannot be read.
func (e *Engine) Tick(ctx context.Context) (TickOutcome, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	cfg := e.Config()
	now := e.deps.Clock()
	out := TickOutcome{At: now, Workers: map[platform.Platform]WorkerOutcome{}}

	if !cfg.Window.CanPerform(window.Send, now) {
		out.Gated = true
		e.log.Debug("tick gated by window", logx.Time("next_open", cfg.Window.NextOpen(now)))
		return out, nil
	}

	snap, settings, err := e.snapshot(ctx, cfg, now)
	if err != nil {
		e.log.Warn("tick skipped, allocator inputs unavailable", logx.Err(err))
		return out, err
	}
	out.Snapshot = snap
	out.Allocation = allocator.Allocate(settings, snap)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, p := range e.order(settings) {
		quota := out.Allocation.PerPlatform[p]
		if quota <= 0 {
			continue
		}
		d, err := e.deps.Drivers.Get(p)
		if err != nil {
			e.log.Warn("allocation for platform without driver", logx.String("platform", string(p)), logx.Int("quota", quota))
			continue
		}
		w := e.worker(cfg, p, d)
		g.Go(func() error {
			res := w.Run(ctx, quota, now)
			mu.Lock()
			out.Workers[p] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	tot := out.Totals()
	e.log.Info("tick done",
		logx.Int("quota", out.Allocation.Quota),
		logx.Int("shortfall", out.Allocation.Shortfall),
		logx.Float64("hot_hour", snap.HotHour),
		logx.Int("attempted", tot.Attempted),
		logx.Int("sent", tot.Sent),
		logx.Int("errored", tot.Errored),
		logx.Int("deferred", tot.Deferred),
	)
	e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeTickCompleted, Data: tickEvent{
		Quota:       out.Allocation.Quota,
		PerPlatform: out.Allocation.PerPlatform,
		Attempted:   tot.Attempted,
		Sent:        tot.Sent,
		Errored:     tot.Errored,
		Deferred:    tot.Deferred,
		Failed:      tot.Failed,
	}})
	return out, nil
}

type tickEvent struct {
	Quota       int                       `json:"quota"`
	PerPlatform map[platform.Platform]int `json:"per_platform"`
	Attempted   int                       `json:"attempted"`
	Sent        int                       `json:"sent"`
	Errored     int                       `json:"errored"`
	Deferred    int                       `json:"deferred"`
	Failed      int                       `json:"failed"`
}

func (e *Engine) worker(cfg Config, p platform.Platform, d driver.Driver) *Worker {
	return &Worker{
		Platform:      p,
		Store:         e.deps.Store,
		Driver:        d,
		Window:        cfg.Window,
		Pacer:         e.deps.Pacer,
		Tracker:       e.deps.Tracker,
		Alerter:       e.deps.Alerter,
		Resolver:      e.deps.Resolver,
		Outbound:      e.deps.Outbound,
		Bus:           e.deps.Bus,
		Log:           e.log,
		DriverTimeout: cfg.DriverTimeout,
		Clock:         e.deps.Clock,
	}
}

// order is the configured platform order, or the registered drivers when
// none is configured.
func (e *Engine) order(s allocator.Settings) []platform.Platform {
	if len(s.Order) > 0 {
		return s.Order
	}
	return e.deps.Drivers.Platforms()
}

// Bounds returns the start of the local day and of the local week (Monday)
// containing now, and the 1-based day of the week.
func Bounds(now time.Time, loc *time.Location) (dayStart, weekStart time.Time, daysElapsed int) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	dayStart = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	daysElapsed = (int(t.Weekday())+6)%7 + 1
	weekStart = dayStart.AddDate(0, 0, -(daysElapsed - 1))
	return dayStart, weekStart, daysElapsed
}

// snapshot reads usage fresh from the store and folds in reply analytics.
func (e *Engine) snapshot(ctx context.Context, cfg Config, now time.Time) (allocator.Snapshot, allocator.Settings, error) {
	settings := cfg.Allocator
	if len(settings.Order) == 0 {
		settings.Order = e.deps.Drivers.Platforms()
	}
	dayStart, weekStart, days := Bounds(now, cfg.Window.Location)

	snap := allocator.Snapshot{Usage: map[platform.Platform]allocator.Usage{}, DaysElapsed: days, HotHour: 1}
	for _, p := range settings.Order {
		var u allocator.Usage
		var err error
		if u.SentToday, err = e.deps.Store.CountSentSince(ctx, p, "", dayStart); err != nil {
			return snap, settings, fmt.Errorf("count sent today %s: %w", p, err)
		}
		if u.SentThisWeek, err = e.deps.Store.CountSentSince(ctx, p, "", weekStart); err != nil {
			return snap, settings, fmt.Errorf("count sent this week %s: %w", p, err)
		}
		if u.ConnectsThisWeek, err = e.deps.Store.CountSentSince(ctx, p, platform.KindConnect, weekStart); err != nil {
			return snap, settings, fmt.Errorf("count connects %s: %w", p, err)
		}
		pending, err := e.deps.Store.CountPending(ctx, p, platform.KindConnect)
		if err != nil {
			return snap, settings, fmt.Errorf("count pending connects %s: %w", p, err)
		}
		u.PendingConnects = pending > 0
		snap.Usage[p] = u
		snap.SentToday += u.SentToday
		snap.SentThisWeek += u.SentThisWeek
	}

	if e.deps.Analytics != nil {
		win := cfg.AnalyticsWindow
		if win <= 0 {
			win = DefaultAnalyticsWindow
		}
		loc := cfg.Window.Location
		if loc == nil {
			loc = time.UTC
		}
		a, err := e.deps.Analytics.Analytics(ctx, now.Add(-win), loc)
		if err != nil {
			return snap, settings, fmt.Errorf("reply analytics: %w", err)
		}
		snap.HotHour = conversation.HotHourMultiplier(a.Hours, now.In(loc).Hour())
		if a.BookingRate > 0 {
			settings.BookingRate = a.BookingRate
		}
	}
	return snap, settings, nil
}

// Recover returns claims older than staleAfter to ready.
func (e *Engine) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := e.deps.Clock()
	n, err := e.deps.Store.ReleaseStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		e.log.Warn("stale claims released", logx.Int("count", n), logx.Duration("stale_after", staleAfter))
		e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeClaimsRelease, Data: map[string]int{"count": n}})
	}
	return n, nil
}

// Sweep drops idle retry state and expired alert throttles.
func (e *Engine) Sweep() int {
	now := e.deps.Clock()
	n := e.deps.Tracker.Sweep(now)
	n += e.deps.Alerter.Sweep(now)
	if n > 0 {
		e.log.Debug("retry state swept", logx.Int("removed", n))
	}
	return n
}
