// Package scheduler polls for queued posts whose publish time has come and hands them
// to the publisher. It only triggers; dispatching happens in the publisher.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	// Timezone applies to cron expressions (IANA name, e.g. "Asia/Jakarta").
	Timezone string
	// RunTimeout bounds one poll, including every dispatch it starts.
	RunTimeout time.Duration
}

// Runner is what a poll calls; publisher.Service implements it.
type Runner interface {
	PublishDue(ctx context.Context) (int, error)
}

// Status is the scheduler view exposed on /healthz.
type Status struct {
	Enabled        bool      `json:"enabled"`
	Schedule       string    `json:"schedule,omitempty"`
	Next           time.Time `json:"next,omitempty"`
	LastRun        time.Time `json:"last_run,omitempty"`
	LastDispatched int       `json:"last_dispatched"`
	LastErr        string    `json:"last_err,omitempty"`
	Skipped        uint64    `json:"skipped"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	runner Runner
	log    logx.Logger
	parser cron.Parser

	c       *cron.Cron
	entry   cron.EntryID
	baseCtx context.Context

	running atomic.Bool
	skipped atomic.Uint64

	lastMu  sync.Mutex
	lastRun time.Time
	lastN   int
	lastErr string
}

func New(cfg Config, runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		runner: runner,
		log:    log.With(logx.String("comp", "scheduler")),
		// 5-field and 6-field (seconds) expressions are both accepted.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a config without touching the running scheduler.
func (s *Service) Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	sch, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sch.CronSpec()); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

// Start begins polling. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	sch, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := s.location()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl)),
		cron.WithLogger(cl),
	)
	ctx := s.baseCtx
	id, err := c.AddFunc(sch.CronSpec(), func() { s.poll(ctx) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("scheduler started", logx.String("schedule", sch.CronSpec()), logx.String("kind", sch.Kind.String()), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts triggering and waits for an in-flight poll or ctx, whichever ends first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the config, restarting the cron when the trigger changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.baseCtx == nil || (s.c != nil && prev.Enabled == cfg.Enabled && prev.Schedule == cfg.Schedule && prev.Timezone == cfg.Timezone) {
		s.mu.Unlock()
		return nil
	}
	old := s.c
	s.c = nil
	s.mu.Unlock()

	// An in-flight poll needs s.mu, so wait for it unlocked.
	if old != nil {
		<-old.Stop().Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// RunNow polls immediately. ran is false when another poll was still in flight.
func (s *Service) RunNow(ctx context.Context) (n int, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return 0, false, nil
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	n, err = s.runner.PublishDue(ctx)

	s.lastMu.Lock()
	s.lastRun, s.lastN = start, n
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.lastMu.Unlock()
	return n, true, err
}

func (s *Service) poll(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, ran, err := s.RunNow(ctx)
	switch {
	case !ran:
		s.log.Debug("previous poll still running; skipped")
	case err != nil:
		s.log.Warn("poll failed", logx.Int("dispatched", n), logx.Err(err))
	case n > 0:
		s.log.Info("poll finished", logx.Int("dispatched", n), logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Enabled: s.cfg.Enabled, Schedule: s.cfg.Schedule}
	if s.c != nil {
		st.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	s.lastMu.Lock()
	st.LastRun, st.LastDispatched, st.LastErr = s.lastRun, s.lastN, s.lastErr
	s.lastMu.Unlock()
	st.Skipped = s.skipped.Load()
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
