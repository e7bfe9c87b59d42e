package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and every duration field. It does not touch the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	durations := map[string]string{
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"dispatcher.attempt_timeout": cfg.Dispatcher.AttemptTimeout,
		"retry.initial_delay":        cfg.Retry.InitialDelay,
		"retry.max_delay":            cfg.Retry.MaxDelay,
		"duplicate.lookback":         cfg.Duplicate.Lookback,
		"scheduler.run_timeout":      cfg.Scheduler.RunTimeout,
		"http.read_timeout":          cfg.HTTP.ReadTimeout,
		"http.write_timeout":         cfg.HTTP.WriteTimeout,
	}
	for name, p := range cfg.Platforms {
		durations["platforms."+name+".timeout"] = p.Timeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "postgres" || d == "postgresql" {
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn: required for postgres")
		}
	}
	for name, p := range cfg.Platforms {
		if p.Adapter == "telegram" && strings.TrimSpace(p.Token) == "" {
			return fmt.Errorf("platforms.%s.token: required for the telegram adapter", name)
		}
	}

	// A provider call must finish inside its attempt; otherwise the next retry
	// overlaps a send that may still land.
	attempt := DurationOr(cfg.Dispatcher.AttemptTimeout, defaultAttemptTimeout)
	for name, p := range cfg.Platforms {
		if pt := DurationOr(p.Timeout, defaultPlatformTimeout); pt > attempt {
			return fmt.Errorf("platforms.%s.timeout: %s exceeds dispatcher.attempt_timeout %s", name, pt, attempt)
		}
	}
	return nil
}

// Defaults applied downstream by the dispatcher and the adapters.
const (
	defaultAttemptTimeout  = 30 * time.Second
	defaultPlatformTimeout = 15 * time.Second
)
