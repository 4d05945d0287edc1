// Package app wires the outreach process together: configuration, storage,
// drivers, the dispatch engine and its schedule, ops notifications and the
// ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach/internal/config"
	"outreach/internal/conversation"
	"outreach/internal/dispatch"
	"outreach/internal/driver"
	"outreach/internal/eventbus"
	"outreach/internal/eventbus/amqp"
	"outreach/internal/notifier"
	"outreach/internal/observability/opshttp"
	"outreach/internal/pacing"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/internal/retry"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/scheduler"
	kit "outreach/internal/transport"
	"outreach/internal/transport/telegram"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
	"outreach/pkg/systemd"
)

// Options tune how the process is assembled.
type Options struct {
	ConfigPath string
	// Clock overrides time.Now for the dispatch engine.
	Clock func() time.Time
	// NoPacing skips typing delays between sends.
	NoPacing bool
	// LogOverride replaces the configured logger, e.g. for one-shot commands.
	LogOverride *logx.Logger
}

type App struct {
	opts Options
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	stores  stores
	machine *conversation.Machine
	tg      *telegram.Adapter // nil without a bot token
	drivers *driver.Registry
	tracker *retry.Tracker
	alerter *retry.Alerter
	engine  *dispatch.Engine
	sched   *scheduler.Scheduler
	notif   *notifier.Service
	ops     *opshttp.Server
	amqp    *amqp.Publisher

	lastMu   sync.Mutex
	lastTick *dispatch.TickOutcome
	lastPoll []dispatch.PollOutcome
}

// New loads the configuration and builds every component. Nothing runs
// until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	loaded, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	st := loaded.Settings

	logSvc, log := logx.New(st.Logging)
	if opts.LogOverride != nil {
		log = *opts.LogOverride
	}
	log = log.Component("app")
	cfgm.SetLogger(log)

	a := &App{opts: opts, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(st); err != nil {
		_ = a.stores.close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(st *config.Settings) error {
	var err error
	if a.stores, err = openStores(st.Storage, a.log); err != nil {
		return err
	}
	a.machine = conversation.NewMachine(a.stores.threads, a.log)

	if st.Telegram.Token != "" {
		if a.tg, err = telegram.New(st.Telegram, a.log); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	var adapter kit.Adapter
	if a.tg != nil {
		adapter = a.tg
	}
	a.notif = notifier.New(st.Notifier, adapter, a.log, a.bus, a.stores.dedup())

	a.tracker = retry.NewTracker(st.Retry)
	a.alerter = retry.NewAlerter(a.notif, st.AlertThrottle)

	if a.drivers, err = a.buildDrivers(st); err != nil {
		return err
	}

	var pacer *pacing.Pacer
	if !a.opts.NoPacing {
		pacer = pacing.New(st.Pacing, 0)
	}
	a.engine, err = dispatch.NewEngine(dispatchConfig(st), dispatch.Deps{
		Store:     a.stores.queue,
		Drivers:   a.drivers,
		Tracker:   a.tracker,
		Alerter:   a.alerter,
		Pacer:     pacer,
		Resolver:  dispatch.AliasResolver{Aliases: st.Aliases},
		Outbound:  a.machine,
		Analytics: a.machine,
		Bus:       a.bus,
		Log:       a.log,
		Clock:     a.opts.Clock,
	})
	if err != nil {
		return err
	}

	a.sched = scheduler.New(st.Window.Location, a.log)
	if err := a.registerJobs(st); err != nil {
		return err
	}
	a.ops = opshttp.New(st.OpsHTTP, func(ctx context.Context) (any, error) { return a.Status(ctx) }, a.log)
	return nil
}

func (a *App) buildDrivers(st *config.Settings) (*driver.Registry, error) {
	reg := driver.NewRegistry()
	for _, p := range sortedPlatforms(st.Drivers) {
		dc := st.Drivers[p]
		var d driver.Driver
		switch dc.Kind {
		case config.DriverTelegram:
			if a.tg == nil {
				return nil, fmt.Errorf("drivers.%s: telegram driver needs telegram.token", p)
			}
			d = driver.NewTelegram(a.tg, dc.Owner, a.log)
		default:
			d = driver.NewDryRun(p, a.log)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func dispatchConfig(st *config.Settings) dispatch.Config {
	return dispatch.Config{
		Allocator:       st.Allocator,
		Window:          st.Window,
		DriverTimeout:   st.DriverTimeout,
		AnalyticsWindow: st.AnalyticsWindow,
		PollLimit:       st.PollLimit,
	}
}

// Engine exposes the dispatch engine for one-shot commands.
func (a *App) Engine() *dispatch.Engine { return a.engine }

// InitDrivers opens driver sessions without starting the schedule. Start
// does this itself.
func (a *App) InitDrivers(ctx context.Context) error { return a.drivers.InitAll(ctx) }

// ErrOutsideWindow is returned by Enqueue when the work window forbids it.
var ErrOutsideWindow = errors.New("outside the work window")

// Enqueue adds an item to the store of record. Unless force is set it
// honors the window policy for the enqueue action.
func (a *App) Enqueue(ctx context.Context, it queue.Item, force bool) (queue.Item, error) {
	if !force {
		pol := a.engine.Config().Window
		if now := a.now(); !pol.CanPerform(window.Enqueue, now) {
			return queue.Item{}, fmt.Errorf("%w: next open %s", ErrOutsideWindow, pol.NextOpen(now).Format(time.RFC3339))
		}
	}
	return a.stores.queue.Enqueue(ctx, it)
}

func (a *App) now() time.Time {
	if a.opts.Clock != nil {
		return a.opts.Clock()
	}
	return time.Now()
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.drivers.InitAll(a.sup.Context()); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if cur := a.cfgm.Get(); cur != nil && cur.Settings.AMQP != nil {
		a.startForwarder(*cur.Settings.AMQP)
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

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
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	a.log.Info("app started",
		logx.Int("drivers", len(a.drivers.Platforms())),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("ops_http", a.ops.Enabled()),
	)
	return nil
}

// startForwarder dials the broker in the background so an unreachable
// broker never blocks startup.
func (a *App) startForwarder(cfg amqp.Config) {
	a.sup.GoRestart("amqp.forward", func(c context.Context) error {
		pub, err := amqp.Dial(c, cfg, a.log)
		if err != nil {
			return err
		}
		a.lastMu.Lock()
		a.amqp = pub
		a.lastMu.Unlock()
		defer func() {
			a.lastMu.Lock()
			a.amqp = nil
			a.lastMu.Unlock()
			_ = pub.Close()
		}()
		if err := pub.Forward(c, a.bus, 512); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, rtsup.WithRestartBackoff(2*time.Second, time.Minute))
}

// validateReload rejects reloads the running process cannot honor.
func (a *App) validateReload(_ context.Context, l *config.Loaded) error {
	for p, dc := range l.Settings.Drivers {
		if dc.Kind == config.DriverTelegram && a.tg == nil {
			return fmt.Errorf("drivers.%s: telegram needs a bot token at startup", p)
		}
	}
	if l.Settings.Notifier.Enabled && a.tg == nil {
		return errors.New("notifier: enabling needs a bot token at startup")
	}
	return nil
}

// restartOnly lists sections whose changes apply only after a restart.
var restartOnly = map[string]bool{
	"storage":   true,
	"intervals": true,
	"drivers":   true,
	"retry":     true,
	"pacing":    true,
	"telegram":  true,
	"amqp":      true,
}

func (a *App) applyReload(ctx context.Context, last, next *config.Loaded) {
	var prev *config.Config
	if last != nil {
		prev = last.Config
	}
	sections, _ := config.SummarizeChange(prev, next.Config)
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	var pending []string
	for _, s := range sections {
		if restartOnly[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", pending))
	}

	st := next.Settings
	if err := a.logs.Apply(st.Logging); err != nil {
		a.log.Warn("log sink reload failed", logx.Err(err))
	}
	a.engine.Apply(dispatchConfig(st))

	wasOn := a.notif.Enabled()
	a.notif.Apply(st.Notifier)
	switch {
	case wasOn && !st.Notifier.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notifier disabled via config")
	case !wasOn && st.Notifier.Enabled:
		a.notif.Start(ctx)
		a.log.Info("notifier enabled via config")
	}

	a.ops.Reconfigure(ctx, st.OpsHTTP)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops_http", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("drivers", 3*time.Second, func(context.Context) error { return a.drivers.CloseAll() })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.stores.close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases resources of an App that was never started.
func (a *App) Close() error {
	return errors.Join(a.drivers.CloseAll(), a.stores.close(), a.logs.Close())
}

func sortedPlatforms(m map[platform.Platform]config.DriverConfig) []platform.Platform {
	out := make([]platform.Platform, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
