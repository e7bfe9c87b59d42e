package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/httpapi"
	"crosspost/internal/publish"
	"crosspost/internal/publish/adapters"
	"crosspost/internal/publish/adapters/telegram"
	"crosspost/internal/publish/adapters/webhook"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/quota"
	"crosspost/internal/publish/retry"
	"crosspost/internal/publisher"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", DSN: dsn, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapBudgets(cfg *config.Config) (map[string]quota.Budget, error) {
	out := make(map[string]quota.Budget, len(cfg.Quota))
	for name, b := range cfg.Quota {
		loc, err := quota.ParseLocation(b.Timezone)
		if err != nil {
			return nil, fmt.Errorf("quota.%s.timezone: %w", name, err)
		}
		out[publish.NormalizePlatform(name)] = quota.Budget{
			DailyLimit: b.DailyLimit,
			ActionCost: b.ActionCost,
			Location:   loc,
		}
	}
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	rc := cfg.Retry
	initial, err := config.ParseDurationField("retry.initial_delay", rc.InitialDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := config.ParseDurationField("retry.max_delay", rc.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		InitialDelay: initial,
		Multiplier:   rc.Multiplier,
		MaxDelay:     maxDelay,
		MaxAttempts:  rc.MaxAttempts,
		Jitter:       rc.Jitter,
	}.WithDefaults(), nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	pol, err := mapRetryPolicy(cfg)
	if err != nil {
		return dispatcher.Config{}, err
	}
	attempt, err := config.ParseDurationField("dispatcher.attempt_timeout", cfg.Dispatcher.AttemptTimeout)
	if err != nil {
		return dispatcher.Config{}, err
	}
	rates := make(map[string]float64, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		if p.RatePerSec > 0 {
			rates[publish.NormalizePlatform(name)] = p.RatePerSec
		}
	}
	return dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		AttemptTimeout: attempt,
		Retry:          pol,
		ExpiringDays:   cfg.Health.ExpiringWithinDays,
		RatePerSec:     rates,
	}, nil
}

func mapPublisherConfig(cfg *config.Config) publisher.Config {
	return publisher.Config{
		BlockOnConflict: cfg.Dispatcher.BlockOnConflict,
		ExpiringDays:    cfg.Health.ExpiringWithinDays,
	}
}

func mapGuardOptions(cfg *config.Config) ([]duplicate.Option, error) {
	lookback, err := config.ParseDurationField("duplicate.lookback", cfg.Duplicate.Lookback)
	if err != nil {
		return nil, err
	}
	return []duplicate.Option{
		duplicate.WithLookback(lookback),
		duplicate.WithMaxMatches(cfg.Duplicate.MaxMatches),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	runTimeout, err := config.ParseDurationOrDefault("scheduler.run_timeout", sc.RunTimeout, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:    sc.Enabled,
		Schedule:   sc.Schedule,
		Timezone:   sc.Timezone,
		RunTimeout: runTimeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Dispatch responses wait for every channel, retries included.
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         hc.Addr,
		JWTSecret:    hc.JWTSecret,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        hc.Pprof,
		PprofToken:   hc.PprofToken,
	}, nil
}

// buildAdapters creates one adapter per configured platform, keyed by normalized name.
func buildAdapters(cfg *config.Config) (map[string]adapters.Adapter, error) {
	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]adapters.Adapter, len(names))
	for _, name := range names {
		pc := cfg.Platforms[name]
		key := publish.NormalizePlatform(name)
		timeout, err := config.ParseDurationField("platforms."+name+".timeout", pc.Timeout)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(strings.TrimSpace(pc.Adapter)) {
		case "webhook":
			out[key] = webhook.New(webhook.Config{
				Platform: key,
				Timeout:  timeout,
				Headers:  pc.Headers,
			}, nil)
		case "telegram":
			a, err := telegram.New(telegram.Config{
				Token:          pc.Token,
				URL:            pc.APIURL,
				Timeout:        timeout,
				DisablePreview: pc.DisablePreview,
			})
			if err != nil {
				return nil, fmt.Errorf("platforms.%s: %w", name, err)
			}
			out[key] = a
		default:
			return nil, fmt.Errorf("platforms.%s.adapter: unknown %q", name, pc.Adapter)
		}
	}
	return out, nil
}

// validateConfig runs every mapping so a bad hot reload is rejected before commit.
func validateConfig(cfg *config.Config, sched *scheduler.Service) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBudgets(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGuardOptions(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := buildAdapters(cfg); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if sched != nil {
		return sched.Validate(sc)
	}
	return nil
}
