package publish

import (
	"strings"
	"time"
)

// PostStatus is the lifecycle state of a post.
type PostStatus string

const (
	PostDraft              PostStatus = "draft"
	PostQueued             PostStatus = "queued"
	PostPublishing         PostStatus = "publishing"
	PostPublished          PostStatus = "published"
	PostPartiallyPublished PostStatus = "partially_published"
	PostFailed             PostStatus = "failed"
)

// Terminal reports whether no further dispatch is expected for the post.
func (s PostStatus) Terminal() bool {
	return s == PostPublished
}

// Post is a piece of content targeted at one or more platforms.
// Owned by the CRUD layer; the core only reads it and reports status changes.
type Post struct {
	ID          string
	UserID      string
	Content     string
	Platforms   []string
	Status      PostStatus
	CreatedAt   time.Time
	ScheduledAt *time.Time
	Fingerprint string
}

// Channel is a connected platform account.
type Channel struct {
	ID          string
	UserID      string
	Platform    string
	AccountName string
	// AccountRef is the platform-side delivery target (chat id, webhook URL, page id...).
	AccountRef string
	ExpiresAt  *time.Time
	Active     bool
}

// Outcome is the terminal state of one channel within a dispatch.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailedPermanent Outcome = "failed_permanent"
	OutcomeFailedExhausted Outcome = "failed_exhausted"
	// OutcomeAbandoned marks channels cut short by dispatch cancellation.
	OutcomeAbandoned Outcome = "abandoned"
)

// Failure reasons surfaced next to the category.
const (
	ReasonTokenExpired      = "token_expired"
	ReasonNoConnection      = "no_connection"
	ReasonQuotaExceeded     = "quota_exceeded"
	ReasonDuplicateConflict = "duplicate_conflict"
	ReasonNoAdapter         = "no_adapter"
	ReasonCancelled         = "cancelled"
	// ReasonDeliveryUnknown: the attempt was cut off while the provider call was
	// still running, so the post may have gone out. Never retried.
	ReasonDeliveryUnknown = "delivery_unknown"
)

// PostResult is the persisted per-channel row written by the caller after a dispatch.
type PostResult struct {
	ID          string
	PostID      string
	DispatchID  string
	ChannelID   string
	Platform    string
	Success     bool
	Outcome     Outcome
	Category    Category
	Reason      string
	Error       string
	Attempts    int
	RetriesUsed int
	ProviderID  string
	FinishedAt  time.Time
}

// Delivery is the payload handed to a platform adapter.
type Delivery struct {
	PostID  string
	Content string
	Channel Channel
	Attempt int
}

// Receipt is what an adapter returns on success.
type Receipt struct {
	ProviderID string
	URL        string
}

// NormalizePlatform lower-cases and trims a platform name.
func NormalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// NormalizePlatforms normalizes and de-duplicates, keeping first-seen order.
func NormalizePlatforms(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		n := NormalizePlatform(p)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
