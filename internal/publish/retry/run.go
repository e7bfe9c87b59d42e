package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"crosspost/internal/publish"
)

// ErrExhausted matches (via errors.Is) every error returned after the attempt budget ran out.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError carries the last transient error seen before giving up.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Observer is notified after each failed attempt. It runs on its own goroutine
// and never delays the next attempt.
type Observer func(attempt int, err error)

// Summary describes how a Run went, whatever its result.
type Summary struct {
	Attempts  int
	LastDelay time.Duration
	Category  publish.Category
	LastErr   error
}

// RetriesUsed is Attempts-1, never negative.
func (s Summary) RetriesUsed() int {
	if s.Attempts <= 1 {
		return 0
	}
	return s.Attempts - 1
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type runOptions struct {
	observer Observer
	sleep    SleepFunc
	rng      *rand.Rand
}

type Option func(*runOptions)

func WithObserver(o Observer) Option { return func(r *runOptions) { r.observer = o } }

// WithSleep replaces the timer wait (tests use it to record delays).
func WithSleep(fn SleepFunc) Option { return func(r *runOptions) { r.sleep = fn } }

func WithRand(rng *rand.Rand) Option { return func(r *runOptions) { r.rng = rng } }

// Run executes fn until it succeeds, fails permanently, exhausts MaxAttempts, or ctx ends.
//
// The returned error is always a *publish.Error:
//   - permanent failures keep their category
//   - an exhausted budget is CategoryExhaustedRetries and matches ErrExhausted
//   - cancellation is CategoryCancelled
func Run(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (Summary, error) {
	p = p.WithDefaults()
	ro := runOptions{sleep: Sleep}
	for _, o := range opts {
		if o != nil {
			o(&ro)
		}
	}
	if ro.rng == nil && p.Jitter > 0 {
		ro.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var sum Summary
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return sum, cancelled(err, sum.LastErr)
		}

		sum.Attempts = attempt
		err := safeCall(ctx, fn, attempt)
		if err == nil {
			sum.Category = publish.CategoryNone
			sum.LastErr = nil
			return sum, nil
		}

		// Parent cancellation wins over whatever the attempt reported.
		if ctx.Err() != nil {
			sum.LastErr = err
			return sum, cancelled(ctx.Err(), err)
		}

		cat := Classify(err)
		sum.Category = cat
		sum.LastErr = err
		notify(ro.observer, attempt, err)

		if !cat.Transient() {
			var tagged *publish.Error
			if errors.As(err, &tagged) {
				return sum, tagged
			}
			return sum, publish.NewError(cat, "", err)
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := p.delayFor(attempt, err, ro.rng)
		sum.LastDelay = delay
		if delay > 0 {
			if werr := ro.sleep(ctx, delay); werr != nil {
				return sum, cancelled(werr, err)
			}
		}
	}

	sum.Category = publish.CategoryExhaustedRetries
	return sum, publish.NewError(publish.CategoryExhaustedRetries, "", &ExhaustedError{Attempts: sum.Attempts, Last: sum.LastErr})
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context, attempt int) error, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = publish.NewError(publish.CategoryPermanentValidation, "panic", fmt.Errorf("attempt panic: %v", r))
		}
	}()
	return fn(ctx, attempt)
}

func notify(o Observer, attempt int, err error) {
	if o == nil {
		return
	}
	go func() {
		defer func() { _ = recover() }()
		o(attempt, err)
	}()
}

func cancelled(ctxErr, last error) error {
	if last != nil {
		return publish.NewError(publish.CategoryCancelled, publish.ReasonCancelled, fmt.Errorf("%w (last error: %v)", ctxErr, last))
	}
	return publish.NewError(publish.CategoryCancelled, publish.ReasonCancelled, ctxErr)
}
