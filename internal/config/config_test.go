package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  dsn: ./crosspost.db
retry:
  initial_delay: 1s
  max_delay: 10s
  max_attempts: 3
quota:
  youtube:
    daily_limit: 10000
    action_cost: 1600
    timezone: America/Los_Angeles
platforms:
  mastodon:
    adapter: webhook
    rate_per_sec: 2
  telegram:
    adapter: telegram
scheduler:
  enabled: true
  schedule: 30s
http:
  addr: 127.0.0.1:8080
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseYAMLWithEnv(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "crosspost.yaml", sampleYAML))
	m.getenv = envFrom(map[string]string{
		EnvTelegramToken: "123:abc",
		EnvJWTSecret:     "s3cret",
		EnvRedisAddr:     "localhost:6379",
	})

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quota["youtube"].ActionCost != 1600 {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
	if cfg.Platforms["telegram"].Token != "123:abc" {
		t.Fatalf("telegram token not applied from env")
	}
	if cfg.Platforms["mastodon"].Token != "" {
		t.Fatalf("webhook platform must not receive the telegram token")
	}
	if cfg.HTTP.JWTSecret != "s3cret" || cfg.Redis == nil || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("env overrides missing: %+v %+v", cfg.HTTP, cfg.Redis)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"storage":{"driver":"memory","path":"x"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing"},
		{"bad driver", "c.json", `{"storage":{"driver":"mysql"}}`, "oneof"},
		{"bad duration", "c.yaml", "retry:\n  max_delay: soon\n", "retry.max_delay"},
		{"telegram needs token", "c.json", `{"platforms":{"tg":{"adapter":"telegram"}}}`, "token"},
		{"unknown adapter", "c.json", `{"platforms":{"x":{"adapter":"smtp"}}}`, "Adapter"},
		{"postgres needs dsn", "c.json", `{"storage":{"driver":"postgres"}}`, "storage.dsn"},
		{"scheduler needs schedule", "c.json", `{"scheduler":{"enabled":true}}`, "Schedule"},
		{"platform timeout beyond attempt", "c.yaml", "dispatcher:\n  attempt_timeout: 5s\nplatforms:\n  tg:\n    adapter: telegram\n    token: t\n    timeout: 10s\n", "platforms.tg.timeout"},
		{"default platform timeout beyond attempt", "c.json", `{"dispatcher":{"attempt_timeout":"2s"},"platforms":{"m":{"adapter":"webhook"}}}`, "platforms.m.timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.getenv = envFrom(nil)
			_, err := m.Parse()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEmptyYAMLIsEmptyConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", []byte("\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.getenv = envFrom(nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{}`)
	m := NewConfigManager(path)
	m.getenv = envFrom(nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Dispatcher.Workers > 8 {
			return os.ErrInvalid
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"dispatcher":{"workers":32}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator to reject")
	}
	if m.Get().Dispatcher.Workers != 0 {
		t.Fatal("rejected config was committed")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"health":{"expiring_within_days":7}}`)
	m := NewConfigManager(path)
	m.getenv = envFrom(nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(600 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if got.Health.ExpiringWithinDays != 14 {
				t.Fatalf("got %d", got.Health.ExpiringWithinDays)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			_ = os.WriteFile(path, []byte(`{"health":{"expiring_within_days":14}}`), 0o600)
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Addr: ":8080"}}
	newCfg := &Config{
		HTTP:      HTTPConfig{Addr: ":8080", JWTSecret: "top-secret"},
		Quota:     map[string]QuotaBudget{"youtube": {DailyLimit: 10000, ActionCost: 1600}},
		Platforms: map[string]PlatformConfig{"tg": {Adapter: "telegram", Token: "123:abc"}},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"http", "platforms", "quota"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	same, attrs := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 || len(attrs) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}

func TestLoadDotEnvIgnoresMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	p := writeFile(t, ".env", "CROSSPOST_TEST_DOTENV=yes\n")
	t.Setenv("CROSSPOST_TEST_DOTENV", "")
	os.Unsetenv("CROSSPOST_TEST_DOTENV")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if os.Getenv("CROSSPOST_TEST_DOTENV") != "yes" {
		t.Fatal("variable not loaded")
	}
}
