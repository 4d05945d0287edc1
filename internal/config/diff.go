package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"strings"

	logx "outreach/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func sectionHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (tokens, AMQP URL)
// are reported only as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Timezone != newCfg.Timezone || !reflect.DeepEqual(oldCfg.Workdays, newCfg.Workdays) ||
		oldCfg.WorkStart != newCfg.WorkStart || oldCfg.WorkEnd != newCfg.WorkEnd ||
		!reflect.DeepEqual(oldCfg.AllowOutside, newCfg.AllowOutside) {
		changed = append(changed, "window")
		fields = append(fields,
			logx.String("window.timezone", newCfg.Timezone),
			logx.String("window.hours", newCfg.WorkStart+"-"+newCfg.WorkEnd),
			logx.String("window.workdays", strings.Join(newCfg.Workdays, ",")),
		)
	}

	if oldCfg.DailyCap != newCfg.DailyCap || oldCfg.PerTick != newCfg.PerTick ||
		oldCfg.TicksPerDay != newCfg.TicksPerDay || oldCfg.BoostStep != newCfg.BoostStep ||
		oldCfg.WeeklyTargetAppointments != newCfg.WeeklyTargetAppointments ||
		oldCfg.BookingRate != newCfg.BookingRate || oldCfg.BookingRateFloor != newCfg.BookingRateFloor {
		changed = append(changed, "volume")
		fields = append(fields,
			logx.Int("volume.daily_cap", newCfg.DailyCap),
			logx.Int("volume.per_tick", newCfg.PerTick),
			logx.Int("volume.weekly_target", newCfg.WeeklyTargetAppointments),
			logx.Float64("volume.booking_rate", newCfg.BookingRate),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) ||
		sectionHash(oldCfg.PlatformMix) != sectionHash(newCfg.PlatformMix) ||
		sectionHash(oldCfg.Caps) != sectionHash(newCfg.Caps) {
		changed = append(changed, "platforms")
		fields = append(fields,
			logx.Int("platforms.mix_entries", len(newCfg.PlatformMix)),
			logx.Int("platforms.caps_entries", len(newCfg.Caps)),
		)
	}

	if oldCfg.Backoff != newCfg.Backoff || oldCfg.AlertThrottle != newCfg.AlertThrottle ||
		oldCfg.DriverTimeout != newCfg.DriverTimeout || oldCfg.StaleClaimAfter != newCfg.StaleClaimAfter {
		changed = append(changed, "retry")
		fields = append(fields,
			logx.String("retry.base", newCfg.Backoff.Base),
			logx.String("retry.max", newCfg.Backoff.Max),
			logx.Int("retry.max_failures", newCfg.Backoff.MaxFailures),
		)
	}

	if oldCfg.Intervals != newCfg.Intervals {
		changed = append(changed, "intervals")
		fields = append(fields, logx.String("intervals.tick", newCfg.Intervals.Tick))
	}
	if oldCfg.Pacing != newCfg.Pacing {
		changed = append(changed, "pacing")
	}
	if sectionHash(oldCfg.Drivers) != sectionHash(newCfg.Drivers) ||
		sectionHash(oldCfg.Aliases) != sectionHash(newCfg.Aliases) {
		changed = append(changed, "drivers")
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID ||
		oldCfg.Telegram.OpsThreadID != newCfg.Telegram.OpsThreadID ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}
	if sectionHash(oldCfg.Notifier) != sectionHash(newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if amqpURL(oldCfg) != amqpURL(newCfg) || sectionHash(oldCfg.AMQP) != sectionHash(newCfg.AMQP) {
		changed = append(changed, "amqp")
		fields = append(fields, logx.Bool("amqp.enabled", amqpURL(newCfg) != ""))
	}
	if oldCfg.OpsHTTP != newCfg.OpsHTTP {
		changed = append(changed, "ops_http")
		fields = append(fields,
			logx.Bool("ops_http.enabled", newCfg.OpsHTTP.Enabled),
			logx.String("ops_http.addr", newCfg.OpsHTTP.Addr),
			logx.Bool("ops_http.token_set", newCfg.OpsHTTP.Token != ""),
		)
	}

	return changed, fields
}

func amqpURL(c *Config) string {
	if c.AMQP == nil {
		return ""
	}
	return strings.TrimSpace(c.AMQP.URL)
}
