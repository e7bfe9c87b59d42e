// Package duplicate detects recently published content before it is sent again.
package duplicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"crosspost/internal/publish"
)

const (
	DefaultLookback   = 30 * 24 * time.Hour
	DefaultMaxMatches = 5
)

// Fingerprint hashes trimmed, lower-cased content.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

// Match is one earlier post with the same fingerprint.
type Match struct {
	PostID         string             `json:"post_id"`
	Platforms      []string           `json:"platforms"`
	Status         publish.PostStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	PublishedCount int                `json:"published_count"`
}

// History is the read side the guard queries (the store implements it).
type History interface {
	RecentByFingerprint(ctx context.Context, userID, fingerprint string, since time.Time, excludePostID string, limit int) ([]Match, error)
}

type Query struct {
	UserID    string
	Content   string
	Platforms []string
	// ExcludePostID skips the post being dispatched.
	ExcludePostID string
}

type Result struct {
	Fingerprint          string   `json:"fingerprint"`
	IsDuplicate          bool     `json:"is_duplicate"`
	HasConflict          bool     `json:"has_conflict"`
	ConflictingPlatforms []string `json:"conflicting_platforms"`
	Matches              []Match  `json:"matches"`
}

// Conflicts reports whether platform is in ConflictingPlatforms.
func (r Result) Conflicts(platform string) bool {
	p := publish.NormalizePlatform(platform)
	for _, c := range r.ConflictingPlatforms {
		if c == p {
			return true
		}
	}
	return false
}

type Guard struct {
	history    History
	lookback   time.Duration
	maxMatches int
	now        func() time.Time
}

type Option func(*Guard)

func WithLookback(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lookback = d
		}
	}
}

func WithMaxMatches(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxMatches = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func New(h History, opts ...Option) *Guard {
	g := &Guard{history: h, lookback: DefaultLookback, maxMatches: DefaultMaxMatches, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g
}

// Check looks for recent posts by the same user with identical normalized content.
// It never writes anything.
func (g *Guard) Check(ctx context.Context, q Query) (Result, error) {
	fp := Fingerprint(q.Content)
	res := Result{Fingerprint: fp, ConflictingPlatforms: []string{}, Matches: []Match{}}
	if g == nil || g.history == nil || strings.TrimSpace(q.Content) == "" {
		return res, nil
	}

	since := g.now().Add(-g.lookback)
	matches, err := g.history.RecentByFingerprint(ctx, q.UserID, fp, since, q.ExcludePostID, g.maxMatches)
	if err != nil {
		return res, fmt.Errorf("duplicate lookup: %w", err)
	}

	kept := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.PostID == q.ExcludePostID || m.CreatedAt.Before(since) {
			continue
		}
		kept = append(kept, m)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.After(kept[j].CreatedAt) })
	if len(kept) > g.maxMatches {
		kept = kept[:g.maxMatches]
	}

	want := map[string]struct{}{}
	for _, p := range publish.NormalizePlatforms(q.Platforms) {
		want[p] = struct{}{}
	}
	conflict := map[string]struct{}{}
	for _, m := range kept {
		for _, p := range m.Platforms {
			p = publish.NormalizePlatform(p)
			if _, ok := want[p]; ok {
				conflict[p] = struct{}{}
			}
		}
	}

	res.Matches = kept
	res.IsDuplicate = len(kept) > 0
	for p := range conflict {
		res.ConflictingPlatforms = append(res.ConflictingPlatforms, p)
	}
	sort.Strings(res.ConflictingPlatforms)
	res.HasConflict = len(res.ConflictingPlatforms) > 0
	return res, nil
}
