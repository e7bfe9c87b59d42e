package storage

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/quota"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (default)
//   - "sqlite": SQLite file at DSN
//   - "postgres": PostgreSQL connection string in DSN
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// AuditEntry records one completed dispatch (or another operator-visible action).
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

// Posts is the post read/write side used by the publisher.
type Posts interface {
	CreatePost(ctx context.Context, p *publish.Post) error
	GetPost(ctx context.Context, id string) (publish.Post, error)
	UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus) error
	// CompareAndSetStatus moves a post from one status to another; false if it was not in from.
	CompareAndSetStatus(ctx context.Context, id string, from, to publish.PostStatus) (bool, error)
	// DuePosts lists queued posts whose schedule time is at or before now, oldest first.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]publish.Post, error)
}

// Channels is the channel directory.
type Channels interface {
	UpsertChannel(ctx context.Context, ch publish.Channel) error
	ChannelsByID(ctx context.Context, userID string, ids []string) ([]publish.Channel, error)
	ChannelsForPlatforms(ctx context.Context, userID string, platforms []string) ([]publish.Channel, error)
	ChannelsForUser(ctx context.Context, userID string) ([]publish.Channel, error)
}

// Results stores per-channel dispatch outcomes.
type Results interface {
	SaveResults(ctx context.Context, rows []publish.PostResult) error
	Results(ctx context.Context, postID string) ([]publish.PostResult, error)
	SuccessfulChannels(ctx context.Context, postID string) ([]string, error)
}

// Store is the full persistence API.
type Store interface {
	Posts
	Channels
	Results
	duplicate.History
	quota.Counter

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
