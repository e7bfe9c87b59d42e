package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"crosspost/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager owns the live config. Readers call Get; long-running
// components Subscribe and receive each accepted reload.
type ConfigManager struct {
	path   string
	getenv func(string) string

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	fanMu sync.Mutex
	fan   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, getenv: os.Getenv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check on top of Validate. It runs on Reload only; the
// initial Load is checked by whoever builds the components.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Decode strictly decodes a config file body. YAML is chosen by extension,
// anything else is treated as JSON. Unknown keys are an error.
func Decode(path string, data []byte) (*Config, error) {
	name := filepath.Base(path)
	if isYAML(path) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data", name)
	default:
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
}

// Parse reads and validates the file without touching the live config.
// Environment secrets are overlaid before validation.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, m.getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Reload re-parses the file and, when the content differs from the current
// config and passes the validator, commits and broadcasts it. The bool
// reports whether a broadcast happened.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	return true, nil
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.fanMu.Lock()
	m.fan = append(m.fan, ch)
	m.fanMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	i := slices.Index(m.fan, ch)
	if ch == nil || i < 0 {
		return
	}
	m.fan = slices.Delete(m.fan, i, i+1)
	close(ch)
}

// broadcast never blocks. A subscriber whose buffer is full has its oldest
// pending config replaced, so it always ends up with the newest one.
// Holding fanMu keeps Unsubscribe from closing a channel mid-send.
func (m *ConfigManager) broadcast(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for _, ch := range m.fan {
		if trySend(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !trySend(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// fingerprint hashes the JSON form of cfg; 0 means "unknown" and never
// matches.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
