package config

import (
	"reflect"
	"sort"
	"strings"

	"crosspost/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log fields
// describing the new values. Secrets (jwt secret, tokens, DSN, redis password)
// are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
		if newCfg.Redis != nil {
			attrs = append(attrs,
				logx.String("redis.addr", newCfg.Redis.Addr),
				logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
			)
		}
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.String("dispatcher.attempt_timeout", newCfg.Dispatcher.AttemptTimeout),
			logx.Bool("dispatcher.block_on_conflict", newCfg.Dispatcher.BlockOnConflict),
		)
	}

	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.String("retry.initial_delay", newCfg.Retry.InitialDelay),
			logx.String("retry.max_delay", newCfg.Retry.MaxDelay),
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Int("health.expiring_within_days", newCfg.Health.ExpiringWithinDays))
	}

	if oldCfg.Duplicate != newCfg.Duplicate {
		changed = append(changed, "duplicate")
		attrs = append(attrs,
			logx.String("duplicate.lookback", newCfg.Duplicate.Lookback),
			logx.Int("duplicate.max_matches", newCfg.Duplicate.MaxMatches),
		)
	}

	if qs := diffKeys(oldCfg.Quota, newCfg.Quota); len(qs) > 0 {
		changed = append(changed, "quota")
		attrs = append(attrs, logx.Strings("quota.platforms_changed", qs))
	}

	if ps := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(ps) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Strings("platforms.changed", ps))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	o, n := oldCfg.HTTP, newCfg.HTTP
	if o != n {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", n.Addr),
			logx.Bool("http.auth", n.JWTSecret != ""),
			logx.Bool("http.pprof", n.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffKeys[V comparable](a, b map[string]V) []string {
	out := make([]string, 0)
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func diffPlatforms(a, b map[string]PlatformConfig) []string {
	out := make([]string, 0)
	for k, v := range a {
		if w, ok := b[k]; !ok || !reflect.DeepEqual(v, w) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
