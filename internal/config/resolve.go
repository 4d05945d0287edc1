package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"outreach/internal/allocator"
	"outreach/internal/eventbus/amqp"
	"outreach/internal/notifier"
	"outreach/internal/observability/opshttp"
	"outreach/internal/pacing"
	"outreach/internal/platform"
	"outreach/internal/retry"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	kit "outreach/internal/transport"
	"outreach/internal/transport/telegram"
	"outreach/internal/window"
	logx "outreach/pkg/logx"
)

const (
	DefaultTickInterval    = "5m"
	DefaultPollInterval    = "2m"
	DefaultSweepInterval   = "15m"
	DefaultRecoverInterval = "5m"

	DefaultDriverTimeout   = 45 * time.Second
	DefaultStaleClaimAfter = 15 * time.Minute
	DefaultAnalyticsWindow = 28 * 24 * time.Hour
	DefaultPollTimeout     = 30 * time.Second
)

// Settings is the typed form of Config that the rest of the process consumes.
type Settings struct {
	Window    window.Policy
	Allocator allocator.Settings
	Retry     retry.Config
	Pacing    pacing.Config

	AlertThrottle   time.Duration
	DriverTimeout   time.Duration
	StaleClaimAfter time.Duration
	AnalyticsWindow time.Duration
	PollLimit       int

	Intervals IntervalsConfig
	Drivers   map[platform.Platform]DriverConfig
	Aliases   map[string]string

	Logging  logx.Config
	Storage  storage.Config
	Telegram telegram.Config
	Notifier notifier.Config
	// AMQP is nil when forwarding is off.
	AMQP    *amqp.Config
	OpsHTTP opshttp.Config
}

// Resolve validates cfg and converts it. Every problem found is reported,
// joined into one error.
func (c *Config) Resolve() (*Settings, error) {
	if c == nil {
		return nil, errors.New("config: nil")
	}
	var errs []error
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationOr(path, raw, def)
		fail(err)
		return d
	}

	s := &Settings{}

	// window
	pol := window.Default()
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			fail(fmt.Errorf("timezone: %w", err))
		} else {
			pol.Location = loc
		}
	}
	if len(c.Workdays) > 0 {
		days, err := window.ParseWorkdays(c.Workdays)
		if err != nil {
			fail(fmt.Errorf("workdays: %w", err))
		}
		pol.Workdays = days
	}
	if strings.TrimSpace(c.WorkStart) != "" {
		v, err := window.ParseClock(c.WorkStart)
		fail(err)
		pol.Start = v
	}
	if strings.TrimSpace(c.WorkEnd) != "" {
		v, err := window.ParseClock(c.WorkEnd)
		fail(err)
		pol.End = v
	}
	if c.AllowOutside != nil {
		pol.AllowOutside = map[window.Action]bool{}
		for k, v := range c.AllowOutside {
			a := window.Action(strings.ToLower(strings.TrimSpace(k)))
			if !knownAction(a) {
				fail(fmt.Errorf("allow_outside: unknown action %q", k))
				continue
			}
			pol.AllowOutside[a] = v
		}
	}
	s.Window = pol

	// allocator
	if c.DailyCap < 0 || c.PerTick < 0 || c.TicksPerDay < 0 || c.BoostStep < 0 || c.WeeklyTargetAppointments < 0 {
		fail(errors.New("daily_cap, per_tick, ticks_per_day, boost_step and weekly_target_appointments must be >= 0"))
	}
	if c.BookingRate < 0 || c.BookingRate > 1 || c.BookingRateFloor < 0 || c.BookingRateFloor > 1 {
		fail(errors.New("booking_rate and booking_rate_floor must be within [0, 1]"))
	}
	order, err := c.platformOrder()
	fail(err)
	alloc := allocator.Settings{
		Order:                    order,
		Mix:                      map[platform.Platform]float64{},
		Caps:                     map[platform.Platform]allocator.Caps{},
		DailyCap:                 c.DailyCap,
		PerTick:                  c.PerTick,
		TicksPerDay:              c.TicksPerDay,
		BoostStep:                c.BoostStep,
		WeeklyTargetAppointments: c.WeeklyTargetAppointments,
		BookingRate:              c.BookingRate,
		BookingRateFloor:         c.BookingRateFloor,
	}
	for k, v := range c.PlatformMix {
		p, err := platform.Parse(k)
		if err != nil {
			fail(fmt.Errorf("platform_mix: %w", err))
			continue
		}
		if v < 0 {
			fail(fmt.Errorf("platform_mix.%s: must be >= 0", k))
		}
		alloc.Mix[p] = v
	}
	for k, v := range c.Caps {
		p, err := platform.Parse(k)
		if err != nil {
			fail(fmt.Errorf("caps: %w", err))
			continue
		}
		if v.DailyMessages < 0 || v.WeeklyMessages < 0 || v.WeeklyConnects < 0 {
			fail(fmt.Errorf("caps.%s: values must be >= 0", k))
		}
		alloc.Caps[p] = allocator.Caps(v)
	}
	s.Allocator = alloc

	// retry and timing
	s.Retry = retry.Config{
		Base:        dur("backoff.base", c.Backoff.Base, retry.DefaultBase),
		Max:         dur("backoff.max", c.Backoff.Max, retry.DefaultMax),
		MaxFailures: c.Backoff.MaxFailures,
	}
	if s.Retry.MaxFailures <= 0 {
		s.Retry.MaxFailures = retry.DefaultMaxFailures
	}
	if s.Retry.Max < s.Retry.Base {
		fail(errors.New("backoff.max must be >= backoff.base"))
	}
	s.AlertThrottle = dur("alert_throttle", c.AlertThrottle, retry.DefaultAlertThrottle)
	s.DriverTimeout = dur("driver_timeout", c.DriverTimeout, DefaultDriverTimeout)
	s.StaleClaimAfter = dur("stale_claim_after", c.StaleClaimAfter, DefaultStaleClaimAfter)
	s.AnalyticsWindow = dur("analytics_window", c.AnalyticsWindow, DefaultAnalyticsWindow)
	s.PollLimit = c.PollLimit

	s.Intervals = IntervalsConfig{
		Tick:    orDefault(c.Intervals.Tick, DefaultTickInterval),
		Poll:    orDefault(c.Intervals.Poll, DefaultPollInterval),
		Sweep:   orDefault(c.Intervals.Sweep, DefaultSweepInterval),
		Recover: orDefault(c.Intervals.Recover, DefaultRecoverInterval),
	}
	for name, raw := range map[string]string{
		"intervals.tick":    s.Intervals.Tick,
		"intervals.poll":    s.Intervals.Poll,
		"intervals.sweep":   s.Intervals.Sweep,
		"intervals.recover": s.Intervals.Recover,
	} {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			fail(fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Pacing.WordsMS < 0 || c.Pacing.Jitter < 0 || c.Pacing.Jitter > 1 {
		fail(errors.New("pacing: words_ms must be >= 0 and jitter within [0, 1]"))
	}
	s.Pacing = pacing.Config{
		PerWord:   time.Duration(c.Pacing.WordsMS) * time.Millisecond,
		TypingCap: dur("pacing.typing_cap", c.Pacing.TypingCap, 0),
		Spread:    c.Pacing.Jitter,
		Think:     dur("pacing.think", c.Pacing.Think, 0),
	}

	// drivers
	s.Drivers = map[platform.Platform]DriverConfig{}
	for k, v := range c.Drivers {
		p, err := platform.Parse(k)
		if err != nil {
			fail(fmt.Errorf("drivers: %w", err))
			continue
		}
		v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
		switch v.Kind {
		case "", DriverDryRun:
			v.Kind = DriverDryRun
		case DriverTelegram:
			if p != platform.Telegram {
				fail(fmt.Errorf("drivers.%s: telegram driver only serves the telegram platform", k))
			}
			if strings.TrimSpace(c.Telegram.Token) == "" {
				fail(fmt.Errorf("drivers.%s: telegram driver needs telegram.token", k))
			}
		default:
			fail(fmt.Errorf("drivers.%s: unknown kind %q", k, v.Kind))
		}
		s.Drivers[p] = v
	}
	for _, p := range order {
		if _, ok := s.Drivers[p]; !ok {
			s.Drivers[p] = DriverConfig{Kind: DriverDryRun}
		}
	}
	s.Aliases = c.Aliases

	// ambient
	s.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
	s.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: dur("storage.busy_timeout", c.Storage.BusyTimeout, 0),
	}
	switch s.Storage.Driver {
	case "":
		s.Storage.Driver = storage.DriverMemory
	case storage.DriverMemory:
	case storage.DriverSQLite:
		if s.Storage.Path == "" {
			fail(errors.New("storage.path is required for sqlite"))
		}
	default:
		fail(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	s.Telegram = telegram.Config{
		Token:       strings.TrimSpace(c.Telegram.Token),
		PollTimeout: dur("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout),
	}
	s.Notifier = c.notifierSettings(dur)
	if c.AMQP != nil && strings.TrimSpace(c.AMQP.URL) != "" {
		s.AMQP = &amqp.Config{
			URL:        strings.TrimSpace(c.AMQP.URL),
			Exchange:   strings.TrimSpace(c.AMQP.Exchange),
			RoutingKey: strings.TrimSpace(c.AMQP.RoutingKey),
		}
	}

	s.OpsHTTP = opshttp.Config(c.OpsHTTP)
	s.OpsHTTP.Addr = strings.TrimSpace(s.OpsHTTP.Addr)
	s.OpsHTTP.Token = strings.TrimSpace(s.OpsHTTP.Token)
	if s.OpsHTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(s.OpsHTTP.Addr); err != nil {
			fail(fmt.Errorf("ops_http.addr: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return s, nil
}

func (c *Config) notifierSettings(dur func(path, raw string, def time.Duration) time.Duration) notifier.Config {
	target := kit.ChatTarget{ChatID: c.Telegram.OpsChatID, ThreadID: c.Telegram.OpsThreadID}
	if c.Notifier == nil {
		return notifier.Config{
			Enabled:     target.ChatID != 0 && strings.TrimSpace(c.Telegram.Token) != "",
			Target:      target,
			DedupWindow: retry.DefaultAlertThrottle,
		}
	}
	n := c.Notifier
	return notifier.Config{
		Enabled:         n.Enabled && target.ChatID != 0,
		Target:          target,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       dur("notifier.retry_base", n.RetryBase, 0),
		RetryMaxDelay:   dur("notifier.retry_max_delay", n.RetryMaxDelay, 0),
		DedupWindow:     dur("notifier.dedup_window", n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		SendTimeout:     dur("notifier.send_timeout", n.SendTimeout, 0),
	}
}

// platformOrder is the configured order, or known platforms first and then
// the remaining mix keys by name.
func (c *Config) platformOrder() ([]platform.Platform, error) {
	seen := map[platform.Platform]bool{}
	var out []platform.Platform
	if len(c.Platforms) > 0 {
		for _, raw := range c.Platforms {
			p, err := platform.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("platforms: %w", err)
			}
			if seen[p] {
				return nil, fmt.Errorf("platforms: %s listed twice", p)
			}
			seen[p] = true
			out = append(out, p)
		}
		return out, nil
	}

	inMix := map[platform.Platform]bool{}
	for k := range c.PlatformMix {
		if p, err := platform.Parse(k); err == nil {
			inMix[p] = true
		}
	}
	for _, p := range platform.Known {
		if inMix[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	var rest []platform.Platform
	for p := range inMix {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...), nil
}

func knownAction(a window.Action) bool {
	for _, k := range window.Actions {
		if k == a {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
