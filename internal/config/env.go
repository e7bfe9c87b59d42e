package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. They carry secrets, so the
// reload diff only ever reports whether they are set.
const (
	EnvJWTSecret     = "CROSSPOST_JWT_SECRET"
	EnvTelegramToken = "CROSSPOST_TELEGRAM_TOKEN"
	EnvStorageDSN    = "CROSSPOST_STORAGE_DSN"
	EnvRedisAddr     = "CROSSPOST_REDIS_ADDR"
	EnvRedisPassword = "CROSSPOST_REDIS_PASSWORD"
	EnvRedisDB       = "CROSSPOST_REDIS_DB"
	EnvLogLevel      = "CROSSPOST_LOG_LEVEL"
)

// LoadDotEnv loads .env style files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays CROSSPOST_* variables on cfg using getenv (os.Getenv when nil).
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvJWTSecret); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := get(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := get(EnvTelegramToken); v != "" {
		for name, p := range cfg.Platforms {
			if p.Adapter == "telegram" && p.Token == "" {
				p.Token = v
				cfg.Platforms[name] = p
			}
		}
	}

	if v := get(EnvRedisAddr); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = v
	}
	if cfg.Redis != nil {
		if v := get(EnvRedisPassword); v != "" {
			cfg.Redis.Password = v
		}
		if v := get(EnvRedisDB); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Redis.DB = n
			}
		}
	}
}
