package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Secrets may be
// left empty here and supplied through the environment (see ApplyEnv).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Redis      *RedisConfig     `json:"redis,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Retry      RetryConfig      `json:"retry"`
	Health     HealthConfig     `json:"health"`
	Duplicate  DuplicateConfig  `json:"duplicate"`
	// Quota holds per-platform daily budgets; platforms without an entry are unlimited.
	Quota map[string]QuotaBudget `json:"quota,omitempty" validate:"dive,keys,required,endkeys"`
	// Platforms wires adapters and rate limits by platform name.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty" validate:"dive,keys,required,endkeys"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	HTTP      HTTPConfig                `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled off"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./crosspost.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3 postgres postgresql"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// RedisConfig moves quota counters into Redis so several daemons share one budget.
type RedisConfig struct {
	Addr     string `json:"addr" validate:"required,hostname_port"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
}

type DispatcherConfig struct {
	Workers         int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	AttemptTimeout  string `json:"attempt_timeout,omitempty"`
	BlockOnConflict bool   `json:"block_on_conflict,omitempty"`
}

// RetryConfig defaults: 1s initial, x2, 10s cap, 3 attempts, no jitter.
type RetryConfig struct {
	InitialDelay string  `json:"initial_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty" validate:"gte=0"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	MaxAttempts  int     `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Jitter       float64 `json:"jitter,omitempty" validate:"gte=0,lte=1"`
}

type HealthConfig struct {
	ExpiringWithinDays int `json:"expiring_within_days,omitempty" validate:"gte=0"`
}

type DuplicateConfig struct {
	Lookback   string `json:"lookback,omitempty"`
	MaxMatches int    `json:"max_matches,omitempty" validate:"gte=0"`
}

type QuotaBudget struct {
	DailyLimit int64 `json:"daily_limit" validate:"gte=0"`
	ActionCost int64 `json:"action_cost,omitempty" validate:"gte=0"`
	// Timezone is where the daily window resets ("America/Los_Angeles", "UTC-08:00").
	Timezone string `json:"timezone,omitempty"`
}

// PlatformConfig binds a platform name to an adapter.
//
//	"platforms": {
//	  "mastodon": { "adapter": "webhook", "rate_per_sec": 2 },
//	  "telegram": { "adapter": "telegram" }
//	}
type PlatformConfig struct {
	Adapter    string            `json:"adapter" validate:"required,oneof=webhook telegram"`
	RatePerSec float64           `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Timeout    string            `json:"timeout,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// Telegram only.
	Token          string `json:"token,omitempty"`
	APIURL         string `json:"api_url,omitempty" validate:"omitempty,url"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty" validate:"required_if=Enabled true"`
	Timezone   string `json:"timezone,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
	// JWTSecret enables bearer auth; empty trusts X-User-ID (development only).
	JWTSecret    string `json:"jwt_secret,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty"`
}
