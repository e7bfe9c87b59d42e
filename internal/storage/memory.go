package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/quota"

	"github.com/google/uuid"
)

type usageRow struct {
	platform string
	units    int64
	at       time.Time
}

// memoryStore keeps everything in maps guarded by one mutex.
type memoryStore struct {
	mu       sync.RWMutex
	closed   bool
	posts    map[string]publish.Post
	channels map[string]publish.Channel
	results  []publish.PostResult
	usage    []usageRow
	audit    []AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		posts:    map[string]publish.Post{},
		channels: map[string]publish.Channel{},
	}
}

func clonePost(p publish.Post) publish.Post {
	p.Platforms = append([]string(nil), p.Platforms...)
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		p.ScheduledAt = &t
	}
	return p
}

func cloneChannel(ch publish.Channel) publish.Channel {
	if ch.ExpiresAt != nil {
		t := *ch.ExpiresAt
		ch.ExpiresAt = &t
	}
	return ch
}

func (m *memoryStore) CreatePost(_ context.Context, p *publish.Post) error {
	prepareNewPost(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.posts[p.ID]; ok {
		return fmt.Errorf("post %s already exists", p.ID)
	}
	m.posts[p.ID] = clonePost(*p)
	return nil
}

func (m *memoryStore) GetPost(_ context.Context, id string) (publish.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return publish.Post{}, fmt.Errorf("post %s: %w", id, publish.ErrNotFound)
	}
	return clonePost(p), nil
}

func (m *memoryStore) UpdatePostStatus(_ context.Context, id string, status publish.PostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, publish.ErrNotFound)
	}
	p.Status = status
	m.posts[id] = p
	return nil
}

func (m *memoryStore) CompareAndSetStatus(_ context.Context, id string, from, to publish.PostStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return false, fmt.Errorf("post %s: %w", id, publish.ErrNotFound)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	m.posts[id] = p
	return true, nil
}

func (m *memoryStore) DuePosts(_ context.Context, now time.Time, limit int) ([]publish.Post, error) {
	m.mu.RLock()
	out := make([]publish.Post, 0)
	for _, p := range m.posts {
		if p.Status == publish.PostQueued && p.ScheduledAt != nil && !p.ScheduledAt.After(now) {
			out = append(out, clonePost(p))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) UpsertChannel(_ context.Context, ch publish.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	ch.Platform = publish.NormalizePlatform(ch.Platform)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (m *memoryStore) ChannelsByID(_ context.Context, userID string, ids []string) ([]publish.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]publish.Channel, 0, len(ids))
	for _, id := range ids {
		if ch, ok := m.channels[id]; ok && ch.UserID == userID {
			out = append(out, cloneChannel(ch))
		}
	}
	return out, nil
}

func (m *memoryStore) ChannelsForPlatforms(_ context.Context, userID string, platforms []string) ([]publish.Channel, error) {
	want := map[string]struct{}{}
	for _, p := range publish.NormalizePlatforms(platforms) {
		want[p] = struct{}{}
	}
	m.mu.RLock()
	out := make([]publish.Channel, 0)
	for _, ch := range m.channels {
		if ch.UserID != userID {
			continue
		}
		if _, ok := want[ch.Platform]; ok {
			out = append(out, cloneChannel(ch))
		}
	}
	m.mu.RUnlock()
	sortChannels(out)
	return out, nil
}

func (m *memoryStore) ChannelsForUser(_ context.Context, userID string) ([]publish.Channel, error) {
	m.mu.RLock()
	out := make([]publish.Channel, 0)
	for _, ch := range m.channels {
		if ch.UserID == userID {
			out = append(out, cloneChannel(ch))
		}
	}
	m.mu.RUnlock()
	sortChannels(out)
	return out, nil
}

func (m *memoryStore) SaveResults(_ context.Context, rows []publish.PostResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.results = append(m.results, r)
	}
	return nil
}

func (m *memoryStore) Results(_ context.Context, postID string) ([]publish.PostResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]publish.PostResult, 0)
	for _, r := range m.results {
		if r.PostID == postID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) SuccessfulChannels(_ context.Context, postID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, r := range m.results {
		if r.PostID != postID || !r.Success {
			continue
		}
		if _, ok := seen[r.ChannelID]; ok {
			continue
		}
		seen[r.ChannelID] = struct{}{}
		out = append(out, r.ChannelID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) publishedCount(postID string) int {
	n := 0
	for _, r := range m.results {
		if r.PostID == postID && r.Success {
			n++
		}
	}
	return n
}

func (m *memoryStore) RecentByFingerprint(_ context.Context, userID, fingerprint string, since time.Time, excludePostID string, limit int) ([]duplicate.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]duplicate.Match, 0)
	for _, p := range m.posts {
		if p.UserID != userID || p.Fingerprint != fingerprint || p.ID == excludePostID || p.CreatedAt.Before(since) {
			continue
		}
		out = append(out, duplicate.Match{
			PostID:         p.ID,
			Platforms:      append([]string(nil), p.Platforms...),
			Status:         p.Status,
			CreatedAt:      p.CreatedAt,
			PublishedCount: m.publishedCount(p.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) Used(_ context.Context, platform string, w quota.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, u := range m.usage {
		if u.platform == platform && w.Contains(u.at) {
			sum += u.units
		}
	}
	return sum, nil
}

func (m *memoryStore) Add(_ context.Context, platform string, _ quota.Window, units int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// No day window reaches back further than usageRetention.
	kept := m.usage[:0]
	for _, u := range m.usage {
		if at.Sub(u.at) <= usageRetention {
			kept = append(kept, u)
		}
	}
	clear(m.usage[len(kept):])
	m.usage = append(kept, usageRow{platform: platform, units: units, at: at})
	return nil
}

const usageRetention = 48 * time.Hour

func (m *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// prepareNewPost fills id, timestamps, status and fingerprint for a new post.
func prepareNewPost(p *publish.Post) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = publish.PostDraft
	}
	p.Platforms = publish.NormalizePlatforms(p.Platforms)
	p.Fingerprint = duplicate.Fingerprint(p.Content)
}

func sortChannels(chs []publish.Channel) {
	sort.Slice(chs, func(i, j int) bool {
		if chs[i].Platform != chs[j].Platform {
			return chs[i].Platform < chs[j].Platform
		}
		return chs[i].ID < chs[j].ID
	})
}
