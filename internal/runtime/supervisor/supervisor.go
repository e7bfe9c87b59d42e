// Package supervisor runs the daemon's long-lived loops (HTTP listener, scheduler,
// event consumers) under one cancellable context with panic recovery and restarts.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"crosspost/pkg/logx"
)

// healthyRun is how long a restarted loop must stay up before its backoff resets.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	mu    sync.Mutex
	err   error
	loops map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every loop once any loop fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// LoopStats is the /healthz view of one named loop.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	LastErr   string    `json:"last_err,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
		loops:  make(map[string]*LoopStats),
		log:    logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first fatal loop error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		out = append(out, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b LoopStats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.loops[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; 0 restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// Go runs fn once. A non-nil error (other than cancellation) or a panic is recorded
// and, with WithCancelOnError, stops the other loops.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, fn, nil)
}

// GoRestart runs fn and restarts it with jittered exponential backoff whenever it
// fails or panics. A clean return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	rc := &restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(rc)
	}
	rc.maxBackoff = max(rc.maxBackoff, rc.minBackoff)
	s.spawn(name, fn, rc)
}

// spawn drives one named loop. A nil rc means no restarts.
func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, rc *restartCfg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var backoff time.Duration
		if rc != nil {
			backoff = rc.minBackoff
		}
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.attempt(name, fn, began)
			if err == nil {
				return
			}
			if rc == nil {
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if rc.maxRestarts > 0 && restarts >= rc.maxRestarts {
				s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			s.update(name, func(st *LoopStats) { st.Restarts++ })

			if time.Since(began) >= healthyRun {
				backoff = rc.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !s.sleep(wait) {
				return
			}
			backoff = min(backoff*2, rc.maxBackoff)
		}
	}()
}

// attempt runs fn once, turning a panic into an error. Errors seen after the
// shared context is cancelled are not failures.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error, began time.Time) (err error) {
	s.update(name, func(st *LoopStats) {
		st.Running = true
		st.StartedAt = began
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.update(name, func(st *LoopStats) { st.Panics++ })
		}
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			err = nil
		}
		s.update(name, func(st *LoopStats) {
			st.Running = false
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}

// Stop cancels the shared context and waits for every loop to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
