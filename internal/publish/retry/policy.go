package retry

import (
	"errors"
	"math/rand"
	"time"

	"crosspost/internal/publish"
)

// Policy controls backoff for one channel's attempt sequence.
//
// Defaults (zero fields):
//   - InitialDelay: 1s
//   - Multiplier:   2
//   - MaxDelay:     10s
//   - MaxAttempts:  3
//   - Jitter:       0 (deterministic delays)
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	// Jitter spreads each delay by ±Jitter (0.2 = 20%), still capped at MaxDelay.
	Jitter float64
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{}.WithDefaults()
}

// WithDefaults fills zero or invalid fields.
func (p Policy) WithDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	} else if p.Multiplier < 1 {
		// A shrinking multiplier would break monotonic backoff.
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// NextDelay returns the wait before attempt+1, i.e. min(initial * multiplier^(attempt-1), max).
// Attempt numbering starts at 1.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	maxD := float64(p.MaxDelay)
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= maxD {
			return p.MaxDelay
		}
	}
	if d > maxD {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// delayFor applies provider hints and jitter on top of NextDelay.
func (p Policy) delayFor(attempt int, err error, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	d := p.NextDelay(attempt)

	// A provider Retry-After hint replaces the computed delay (bounded by MaxDelay).
	var se *publish.StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		d = se.RetryAfter
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}

	if p.Jitter > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}
