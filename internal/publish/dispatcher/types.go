package dispatcher

import (
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/duplicate"
)

// QuotaInfo is attached to results for platforms with a budget.
type QuotaInfo struct {
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// ChannelResult is the terminal entry for one channel.
type ChannelResult struct {
	ChannelID   string           `json:"channel_id"`
	Platform    string           `json:"platform"`
	Success     bool             `json:"success"`
	Outcome     publish.Outcome  `json:"outcome"`
	Category    publish.Category `json:"category,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`
	RetriesUsed int              `json:"retries_used"`
	ProviderID  string           `json:"provider_id,omitempty"`
	URL         string           `json:"url,omitempty"`
	// Warning is advisory (expiring token) and never changes the outcome.
	Warning  string        `json:"warning,omitempty"`
	Quota    *QuotaInfo    `json:"quota,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the aggregate of one Dispatch call.
type Report struct {
	DispatchID string             `json:"dispatch_id"`
	PostID     string             `json:"post_id"`
	Status     publish.PostStatus `json:"status"`
	Duplicate  duplicate.Result   `json:"duplicate"`
	Results    []ChannelResult    `json:"results"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// ByChannel indexes results by channel id.
func (r Report) ByChannel() map[string]ChannelResult {
	out := make(map[string]ChannelResult, len(r.Results))
	for _, res := range r.Results {
		out[res.ChannelID] = res
	}
	return out
}

// Succeeded counts successful channels, skipped ones included.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// PostResults converts the report into rows for persistence. Skipped channels are left out:
// their success row already exists from the dispatch that delivered them.
func (r Report) PostResults() []publish.PostResult {
	out := make([]publish.PostResult, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Skipped {
			continue
		}
		out = append(out, publish.PostResult{
			PostID:      r.PostID,
			DispatchID:  r.DispatchID,
			ChannelID:   res.ChannelID,
			Platform:    res.Platform,
			Success:     res.Success,
			Outcome:     res.Outcome,
			Category:    res.Category,
			Reason:      res.Reason,
			Error:       res.Error,
			Attempts:    res.Attempts,
			RetriesUsed: res.RetriesUsed,
			ProviderID:  res.ProviderID,
			FinishedAt:  r.FinishedAt,
		})
	}
	return out
}

// Aggregate derives the post status from channel results.
func Aggregate(results []ChannelResult) publish.PostStatus {
	if len(results) == 0 {
		return publish.PostFailed
	}
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch ok {
	case len(results):
		return publish.PostPublished
	case 0:
		return publish.PostFailed
	default:
		return publish.PostPartiallyPublished
	}
}

// ChannelEvent is the payload of channel.retry and channel.finished.
type ChannelEvent struct {
	DispatchID string           `json:"dispatch_id"`
	PostID     string           `json:"post_id"`
	ChannelID  string           `json:"channel_id"`
	Platform   string           `json:"platform"`
	Attempt    int              `json:"attempt,omitempty"`
	Retrying   bool             `json:"retrying,omitempty"`
	Outcome    publish.Outcome  `json:"outcome,omitempty"`
	Category   publish.Category `json:"category,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// DispatchEvent is the payload of dispatch.started and dispatch.finished.
type DispatchEvent struct {
	DispatchID string             `json:"dispatch_id"`
	PostID     string             `json:"post_id"`
	UserID     string             `json:"user_id"`
	Channels   int                `json:"channels"`
	Status     publish.PostStatus `json:"status,omitempty"`
	Succeeded  int                `json:"succeeded,omitempty"`
	Duration   time.Duration      `json:"duration,omitempty"`
}
