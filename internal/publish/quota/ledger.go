package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crosspost/internal/publish"
	"crosspost/pkg/logx"
)

// Counter stores consumed units per platform and day window.
// Implementations must tolerate concurrent Add calls.
type Counter interface {
	Used(ctx context.Context, platform string, w Window) (int64, error)
	Add(ctx context.Context, platform string, w Window, units int64, at time.Time) error
}

// Status is the per-platform quota snapshot.
type Status struct {
	Platform   string    `json:"platform"`
	Unlimited  bool      `json:"unlimited"`
	DailyLimit int64     `json:"daily_limit"`
	Used       int64     `json:"used"`
	Remaining  int64     `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
}

// Ledger tracks daily platform budgets. Admission is advisory: two callers
// can both pass CanConsume before either records.
type Ledger struct {
	mu      sync.RWMutex
	budgets map[string]Budget

	counter Counter
	now     func() time.Time
	log     logx.Logger
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

// New creates a ledger. A nil counter falls back to an in-memory one.
func New(budgets map[string]Budget, counter Counter, opts ...Option) *Ledger {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	l := &Ledger{counter: counter, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.String("comp", "quota"))
	l.SetBudgets(budgets)
	return l
}

// SetBudgets replaces all budgets (config reload). Usage already recorded is kept.
func (l *Ledger) SetBudgets(budgets map[string]Budget) {
	next := make(map[string]Budget, len(budgets))
	for p, b := range budgets {
		next[publish.NormalizePlatform(p)] = b
	}
	l.mu.Lock()
	l.budgets = next
	l.mu.Unlock()
}

func (l *Ledger) budget(platform string) (Budget, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.budgets[publish.NormalizePlatform(platform)]
	return b, ok
}

// Limited reports whether the platform has a budget.
func (l *Ledger) Limited(platform string) bool {
	_, ok := l.budget(platform)
	return ok
}

// Cost returns the units charged per publish on platform.
func (l *Ledger) Cost(platform string) int64 {
	b, ok := l.budget(platform)
	if !ok {
		return 1
	}
	return b.cost()
}

func (l *Ledger) window(b Budget) Window {
	return WindowAt(l.now(), b.loc())
}

// CanConsume reports whether units fit in today's remaining budget.
func (l *Ledger) CanConsume(ctx context.Context, platform string, units int64) (bool, error) {
	b, ok := l.budget(platform)
	if !ok {
		return true, nil
	}
	used, err := l.counter.Used(ctx, publish.NormalizePlatform(platform), l.window(b))
	if err != nil {
		return false, fmt.Errorf("quota used %s: %w", platform, err)
	}
	return used+units <= b.DailyLimit, nil
}

// Record charges units to today's window. Unlimited platforms are still counted for reporting.
func (l *Ledger) Record(ctx context.Context, platform string, units int64) error {
	if units <= 0 {
		return nil
	}
	b, _ := l.budget(platform)
	now := l.now()
	w := WindowAt(now, b.loc())
	if err := l.counter.Add(ctx, publish.NormalizePlatform(platform), w, units, now); err != nil {
		return fmt.Errorf("quota record %s: %w", platform, err)
	}
	l.log.Debug("quota recorded", logx.String("platform", platform), logx.Int64("units", units))
	return nil
}

// Remaining returns max(0, limit-used). It is 0 for platforms without a
// budget; check Limited or Status.Unlimited to tell the two apart.
func (l *Ledger) Remaining(ctx context.Context, platform string) (int64, error) {
	st, err := l.Status(ctx, platform)
	if err != nil {
		return 0, err
	}
	return st.Remaining, nil
}

// ResetTime returns the next local midnight for the platform's timezone.
func (l *Ledger) ResetTime(platform string) time.Time {
	b, _ := l.budget(platform)
	return l.window(b).End
}

// Status returns the current snapshot. Used is clamped to DailyLimit so Used+Remaining == DailyLimit.
func (l *Ledger) Status(ctx context.Context, platform string) (Status, error) {
	p := publish.NormalizePlatform(platform)
	b, ok := l.budget(p)
	w := l.window(b)
	st := Status{Platform: p, ResetTime: w.End}
	if !ok {
		st.Unlimited = true
		used, err := l.counter.Used(ctx, p, w)
		if err != nil {
			return st, fmt.Errorf("quota used %s: %w", p, err)
		}
		st.Used = used
		return st, nil
	}

	used, err := l.counter.Used(ctx, p, w)
	if err != nil {
		return st, fmt.Errorf("quota used %s: %w", p, err)
	}
	if used > b.DailyLimit {
		used = b.DailyLimit
	}
	if used < 0 {
		used = 0
	}
	st.DailyLimit = b.DailyLimit
	st.Used = used
	st.Remaining = b.DailyLimit - used
	return st, nil
}
