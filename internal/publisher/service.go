// Package publisher is the entry point the API and scheduler call: it loads posts and
// channels from storage, runs the dispatcher and persists what happened.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/health"
	"crosspost/internal/publish/quota"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

var (
	ErrAlreadyPublished = errors.New("post already published to every channel")
	ErrInProgress       = errors.New("post is already being published")
)

type Config struct {
	// BlockOnConflict turns duplicate conflicts into per-channel failures.
	BlockOnConflict bool
	ExpiringDays    int
	// DueBatch caps how many scheduled posts one PublishDue call picks up.
	DueBatch int
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	store  storage.Store
	disp   *dispatcher.Dispatcher
	ledger *quota.Ledger
	guard  *duplicate.Guard
	log    logx.Logger
	now    func() time.Time

	// restores holds posts left in publishing because a rollback write failed.
	// PublishDue retries them before picking up new work.
	restoreMu sync.Mutex
	restores  map[string]publish.PostStatus
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store storage.Store, disp *dispatcher.Dispatcher, ledger *quota.Ledger, guard *duplicate.Guard, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  store,
		disp:   disp,
		ledger: ledger,
		guard:  guard,
		log:    log.With(logx.String("comp", "publisher")),
		now:    time.Now,

		restores: make(map[string]publish.PostStatus),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.ExpiringDays <= 0 {
		cfg.ExpiringDays = health.DefaultExpiringWithinDays
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 50
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Publish dispatches a stored post. An empty userID skips the ownership check (scheduler).
// Without channelIDs the user's channels for the post's platforms are used.
func (s *Service) Publish(ctx context.Context, userID, postID string, channelIDs []string) (dispatcher.Report, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return dispatcher.Report{}, err
	}
	if userID != "" && post.UserID != userID {
		// Other users' posts look missing.
		return dispatcher.Report{}, fmt.Errorf("post %s: %w", postID, publish.ErrNotFound)
	}
	switch post.Status {
	case publish.PostPublished:
		return dispatcher.Report{}, ErrAlreadyPublished
	case publish.PostPublishing:
		return dispatcher.Report{}, ErrInProgress
	}

	prev := post.Status
	claimed, err := s.store.CompareAndSetStatus(ctx, post.ID, prev, publish.PostPublishing)
	if err != nil {
		return dispatcher.Report{}, err
	}
	if !claimed {
		return dispatcher.Report{}, ErrInProgress
	}
	post.Status = publish.PostPublishing

	// From here on the post must leave the publishing state, even if ctx is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	channels, err := s.channelsFor(ctx, post, channelIDs)
	if err != nil {
		s.restore(persistCtx, post.ID, prev)
		return dispatcher.Report{}, err
	}
	if len(channels) == 0 {
		// Nothing to send to; a queued post would otherwise be picked up on every tick.
		s.restore(persistCtx, post.ID, publish.PostFailed)
		return dispatcher.Report{}, dispatcher.ErrNoChannels
	}

	already, err := s.store.SuccessfulChannels(ctx, post.ID)
	if err != nil {
		s.restore(persistCtx, post.ID, prev)
		return dispatcher.Report{}, err
	}

	opts := []dispatcher.DispatchOption{dispatcher.WithAlreadyPublished(already...)}
	if s.config().BlockOnConflict {
		opts = append(opts, dispatcher.WithBlockOnConflict())
	}

	rep, err := s.disp.Dispatch(ctx, post, channels, opts...)
	if err != nil {
		s.restore(persistCtx, post.ID, prev)
		return rep, err
	}

	if err := s.store.SaveResults(persistCtx, rep.PostResults()); err != nil {
		s.log.Error("saving results failed", logx.String("post", post.ID), logx.Err(err))
	}
	if err := s.store.UpdatePostStatus(persistCtx, post.ID, rep.Status); err != nil {
		s.log.Error("updating post status failed", logx.String("post", post.ID), logx.Err(err))
		return rep, err
	}
	return rep, nil
}

// restore moves a claimed post out of publishing. A failed write is logged and
// queued for retryRestores.
func (s *Service) restore(ctx context.Context, id string, to publish.PostStatus) {
	err := s.store.UpdatePostStatus(ctx, id, to)
	if err == nil {
		return
	}
	s.log.Error("restoring post status failed", logx.String("post", id), logx.String("status", string(to)), logx.Err(err))
	s.restoreMu.Lock()
	s.restores[id] = to
	s.restoreMu.Unlock()
}

func (s *Service) retryRestores(ctx context.Context) {
	s.restoreMu.Lock()
	pending := make(map[string]publish.PostStatus, len(s.restores))
	for id, st := range s.restores {
		pending[id] = st
	}
	s.restoreMu.Unlock()

	for id, to := range pending {
		// Only undo our own claim; anything else moved the post on already.
		ok, err := s.store.CompareAndSetStatus(ctx, id, publish.PostPublishing, to)
		if err != nil {
			s.log.Warn("post status restore retry failed", logx.String("post", id), logx.Err(err))
			continue
		}
		s.restoreMu.Lock()
		delete(s.restores, id)
		s.restoreMu.Unlock()
		if ok {
			s.log.Info("post status restored", logx.String("post", id), logx.String("status", string(to)))
		}
	}
}

func (s *Service) channelsFor(ctx context.Context, post publish.Post, ids []string) ([]publish.Channel, error) {
	if len(ids) > 0 {
		return s.store.ChannelsByID(ctx, post.UserID, ids)
	}
	return s.store.ChannelsForPlatforms(ctx, post.UserID, post.Platforms)
}

// CheckDuplicate runs the duplicate guard standalone (pre-submit).
func (s *Service) CheckDuplicate(ctx context.Context, userID, content string, platforms []string) (duplicate.Result, error) {
	if s.guard == nil {
		return duplicate.Result{Fingerprint: duplicate.Fingerprint(content), ConflictingPlatforms: []string{}, Matches: []duplicate.Match{}}, nil
	}
	return s.guard.Check(ctx, duplicate.Query{UserID: userID, Content: content, Platforms: platforms})
}

func (s *Service) QuotaStatus(ctx context.Context, platform string) (quota.Status, error) {
	if s.ledger == nil {
		return quota.Status{Platform: publish.NormalizePlatform(platform), Unlimited: true}, nil
	}
	return s.ledger.Status(ctx, platform)
}

func (s *Service) ChannelHealth(ctx context.Context, userID string) ([]health.HealthStatus, error) {
	chs, err := s.store.ChannelsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return health.New(s.config().ExpiringDays).Evaluate(chs, s.now()), nil
}

// PublishDue dispatches queued posts whose schedule time has passed and returns how many ran.
// Posts are dispatched one after another; a failing post does not stop the batch.
func (s *Service) PublishDue(ctx context.Context) (int, error) {
	s.retryRestores(ctx)
	due, err := s.store.DuePosts(ctx, s.now(), s.config().DueBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		rep, err := s.Publish(ctx, "", p.ID, nil)
		switch {
		case errors.Is(err, ErrInProgress):
			continue
		case err != nil:
			s.log.Warn("scheduled publish failed", logx.String("post", p.ID), logx.Err(err))
			continue
		}
		n++
		s.log.Info("scheduled post dispatched", logx.String("post", p.ID), logx.String("status", string(rep.Status)))
	}
	return n, nil
}
