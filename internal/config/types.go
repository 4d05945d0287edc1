package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "5m"); schedules accept anything the scheduler parses ("5m",
// "*/10 * * * *", "@hourly").
//
// Decoding is strict: unknown keys are rejected so typos surface on reload.
type Config struct {
	// Work window.
	Timezone     string          `json:"timezone"`
	Workdays     []string        `json:"workdays"`
	WorkStart    string          `json:"work_start"`
	WorkEnd      string          `json:"work_end"`
	AllowOutside map[string]bool `json:"allow_outside,omitempty"`

	// Volume.
	DailyCap                 int     `json:"daily_cap"`
	PerTick                  int     `json:"per_tick"`
	TicksPerDay              int     `json:"ticks_per_day"`
	BoostStep                int     `json:"boost_step,omitempty"`
	WeeklyTargetAppointments int     `json:"weekly_target_appointments"`
	BookingRate              float64 `json:"booking_rate"`
	BookingRateFloor         float64 `json:"booking_rate_floor,omitempty"`

	// Platforms is the allocation order and tie-break. When omitted the
	// known platforms come first, then any other mix key sorted by name.
	Platforms   []string              `json:"platforms,omitempty"`
	PlatformMix map[string]float64    `json:"platform_mix"`
	Caps        map[string]CapsConfig `json:"caps"`

	Backoff         BackoffConfig `json:"backoff"`
	AlertThrottle   string        `json:"alert_throttle,omitempty"`
	DriverTimeout   string        `json:"driver_timeout,omitempty"`
	StaleClaimAfter string        `json:"stale_claim_after,omitempty"`
	AnalyticsWindow string        `json:"analytics_window,omitempty"`
	PollLimit       int           `json:"poll_limit,omitempty"`

	Intervals IntervalsConfig `json:"intervals"`
	Pacing    PacingConfig    `json:"pacing"`

	// Drivers selects the driver per platform. Platforms in the mix without
	// an entry get the dry-run driver.
	Drivers map[string]DriverConfig `json:"drivers,omitempty"`
	// Aliases rewrites recipients before they reach a driver.
	Aliases map[string]string `json:"aliases,omitempty"`

	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Telegram TelegramConfig  `json:"telegram"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	AMQP     *AMQPConfig     `json:"amqp,omitempty"`
	OpsHTTP  OpsHTTPConfig   `json:"ops_http"`
}

type CapsConfig struct {
	DailyMessages  int `json:"daily_messages"`
	WeeklyMessages int `json:"weekly_messages"`
	WeeklyConnects int `json:"weekly_connects"`
}

type BackoffConfig struct {
	Base        string `json:"base,omitempty"`
	Max         string `json:"max,omitempty"`
	MaxFailures int    `json:"max_failures,omitempty"`
}

type IntervalsConfig struct {
	Tick    string `json:"tick,omitempty"`
	Poll    string `json:"poll,omitempty"`
	Sweep   string `json:"sweep,omitempty"`
	Recover string `json:"recover,omitempty"`
}

type PacingConfig struct {
	WordsMS   int     `json:"words_ms,omitempty"`
	TypingCap string  `json:"typing_cap,omitempty"`
	Jitter    float64 `json:"jitter,omitempty"`
	Think     string  `json:"think,omitempty"`
}

const (
	DriverDryRun   = "dryrun"
	DriverTelegram = "telegram"
)

type DriverConfig struct {
	Kind string `json:"kind"`
	// Owner is the account label recorded on inbound replies.
	Owner string `json:"owner,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the store of record.
//
//	"storage": { "driver": "sqlite", "path": "./data/outreach.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	OpsChatID   int64  `json:"ops_chat_id"`
	OpsThreadID int    `json:"ops_thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// NotifierConfig controls the ops notification pipeline. When the section is
// omitted the notifier is enabled with defaults whenever an ops chat is set.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// AMQPConfig enables forwarding outcome events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// OpsHTTPConfig exposes /healthz, /status and optionally /debug/pprof.
//
//	"ops_http": { "enabled": true, "addr": "127.0.0.1:6060", "pprof": true }
type OpsHTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
