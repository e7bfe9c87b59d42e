// Package health classifies connected channels by token validity.
package health

import (
	"math"
	"time"

	"crosspost/internal/publish"
)

type State string

const (
	Healthy      State = "healthy"
	Expiring     State = "expiring"
	Expired      State = "expired"
	Disconnected State = "disconnected"
)

// Eligible reports whether the dispatcher may attempt the channel.
func (s State) Eligible() bool { return s == Healthy || s == Expiring }

const DefaultExpiringWithinDays = 7

type Evaluator struct {
	ExpiringWithinDays int
}

func New(expiringWithinDays int) Evaluator {
	if expiringWithinDays <= 0 {
		expiringWithinDays = DefaultExpiringWithinDays
	}
	return Evaluator{ExpiringWithinDays: expiringWithinDays}
}

// HealthStatus is one channel's display row.
type HealthStatus struct {
	ChannelID   string     `json:"channel_id"`
	Platform    string     `json:"platform"`
	AccountName string     `json:"account_name"`
	State       State      `json:"state"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	// DaysUntilExpiry is nil when the channel has no expiry.
	DaysUntilExpiry *int `json:"days_until_expiry,omitempty"`
}

// DaysUntil returns ceil((expiresAt-now)/24h).
func DaysUntil(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}

// Classify derives the channel state at now.
func (e Evaluator) Classify(ch publish.Channel, now time.Time) State {
	if ch.ExpiresAt == nil {
		if !ch.Active {
			return Disconnected
		}
		return Healthy
	}
	within := e.ExpiringWithinDays
	if within <= 0 {
		within = DefaultExpiringWithinDays
	}
	days := DaysUntil(*ch.ExpiresAt, now)
	switch {
	case days <= 0:
		return Expired
	case days <= within:
		return Expiring
	default:
		return Healthy
	}
}

// Evaluate classifies every channel, preserving input order.
func (e Evaluator) Evaluate(channels []publish.Channel, now time.Time) []HealthStatus {
	out := make([]HealthStatus, 0, len(channels))
	for _, ch := range channels {
		hs := HealthStatus{
			ChannelID:   ch.ID,
			Platform:    ch.Platform,
			AccountName: ch.AccountName,
			State:       e.Classify(ch, now),
			ExpiresAt:   ch.ExpiresAt,
		}
		if ch.ExpiresAt != nil {
			d := DaysUntil(*ch.ExpiresAt, now)
			hs.DaysUntilExpiry = &d
		}
		out = append(out, hs)
	}
	return out
}

// Rejection returns the terminal category/reason for an ineligible state.
func Rejection(s State) (publish.Category, string, bool) {
	switch s {
	case Expired:
		return publish.CategoryPermanentAuthExpired, publish.ReasonTokenExpired, true
	case Disconnected:
		return publish.CategoryPermanentAuthExpired, publish.ReasonNoConnection, true
	}
	return publish.CategoryNone, "", false
}
