package publisher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/internal/publish"
	"crosspost/internal/publish/adapters"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/health"
	"crosspost/internal/publish/quota"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fixture struct {
	svc     *Service
	store   storage.Store
	ledger  *quota.Ledger
	xCalls  *atomic.Int32
	ytFails *atomic.Bool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	var xCalls atomic.Int32
	var ytFails atomic.Bool
	reg := adapters.NewRegistry(
		adapters.Func{Name: "x", Fn: func(ctx context.Context, d publish.Delivery) (publish.Receipt, error) {
			xCalls.Add(1)
			return publish.Receipt{ProviderID: "x-" + d.PostID}, nil
		}},
		adapters.Func{Name: "youtube", Fn: func(ctx context.Context, d publish.Delivery) (publish.Receipt, error) {
			if ytFails.Load() {
				return publish.Receipt{}, &publish.StatusError{StatusCode: 503}
			}
			return publish.Receipt{ProviderID: "yt-" + d.PostID}, nil
		}},
	)
	ledger := quota.New(map[string]quota.Budget{"youtube": {DailyLimit: 10000, ActionCost: 1600}}, st, quota.WithClock(clock))
	guard := duplicate.New(st, duplicate.WithClock(clock))
	noWait := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	disp := dispatcher.New(dispatcher.Config{}, reg, ledger, guard, logx.Nop(), nil, dispatcher.WithClock(clock), dispatcher.WithSleep(noWait))

	ctx := context.Background()
	require.NoError(t, st.UpsertChannel(ctx, publish.Channel{ID: "cx", UserID: "u1", Platform: "x", AccountRef: "@me", Active: true}))
	require.NoError(t, st.UpsertChannel(ctx, publish.Channel{ID: "cy", UserID: "u1", Platform: "youtube", AccountRef: "UC1", Active: true}))

	return &fixture{
		svc:     New(cfg, st, disp, ledger, guard, logx.Nop(), WithClock(clock)),
		store:   st,
		ledger:  ledger,
		xCalls:  &xCalls,
		ytFails: &ytFails,
	}
}

func (f *fixture) post(t *testing.T, content string, status publish.PostStatus) publish.Post {
	t.Helper()
	p := &publish.Post{UserID: "u1", Content: content, Platforms: []string{"x", "youtube"}, Status: status, CreatedAt: now.Add(-time.Minute)}
	require.NoError(t, f.store.CreatePost(context.Background(), p))
	return *p
}

func TestPublishPersistsResultsAndStatus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.post(t, "hello", publish.PostDraft)

	rep, err := f.svc.Publish(ctx, "u1", p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, publish.PostPublished, rep.Status)
	assert.Len(t, rep.Results, 2)

	got, err := f.store.GetPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, publish.PostPublished, got.Status)

	rows, err := f.store.Results(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	st, err := f.svc.QuotaStatus(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(1600), st.Used, "quota usage is persisted through the store")

	_, err = f.svc.Publish(ctx, "u1", p.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyPublished)
}

func TestRetryAfterPartialSkipsDeliveredChannels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.post(t, "partial", publish.PostDraft)

	f.ytFails.Store(true)
	rep, err := f.svc.Publish(ctx, "u1", p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, publish.PostPartiallyPublished, rep.Status)
	assert.Equal(t, publish.OutcomeFailedExhausted, rep.ByChannel()["cy"].Outcome)

	f.ytFails.Store(false)
	rep, err = f.svc.Publish(ctx, "u1", p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, publish.PostPublished, rep.Status)
	assert.True(t, rep.ByChannel()["cx"].Skipped)
	assert.Equal(t, int32(1), f.xCalls.Load(), "x must not receive the post twice")
}

func TestPublishOwnershipAndMissing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.post(t, "mine", publish.PostDraft)

	_, err := f.svc.Publish(ctx, "intruder", p.ID, nil)
	assert.ErrorIs(t, err, publish.ErrNotFound)

	_, err = f.svc.Publish(ctx, "u1", "nope", nil)
	assert.ErrorIs(t, err, publish.ErrNotFound)
}

func TestPublishInProgress(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.post(t, "busy", publish.PostPublishing)
	_, err := f.svc.Publish(context.Background(), "u1", p.ID, nil)
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestPublishNoChannelsMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := &publish.Post{UserID: "u1", Content: "nowhere", Platforms: []string{"tiktok"}, Status: publish.PostQueued}
	require.NoError(t, f.store.CreatePost(ctx, p))

	_, err := f.svc.Publish(ctx, "u1", p.ID, nil)
	assert.True(t, errors.Is(err, dispatcher.ErrNoChannels))
	got, _ := f.store.GetPost(ctx, p.ID)
	assert.Equal(t, publish.PostFailed, got.Status)
}

func TestBlockOnConflict(t *testing.T) {
	f := newFixture(t, Config{BlockOnConflict: true})
	ctx := context.Background()
	first := &publish.Post{UserID: "u1", Content: "Big News", Platforms: []string{"x"}, CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, f.store.CreatePost(ctx, first))
	_, err := f.svc.Publish(ctx, "u1", first.ID, nil)
	require.NoError(t, err)

	second := f.post(t, "  big news", publish.PostDraft)
	rep, err := f.svc.Publish(ctx, "u1", second.ID, nil)
	require.NoError(t, err)
	assert.True(t, rep.Duplicate.HasConflict)
	assert.Equal(t, publish.CategoryDuplicateConflict, rep.ByChannel()["cx"].Category)
	assert.True(t, rep.ByChannel()["cy"].Success)
	assert.Equal(t, publish.PostPartiallyPublished, rep.Status)
}

func TestCheckDuplicateStandalone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.post(t, "Hello World", publish.PostDraft)
	_, err := f.svc.Publish(ctx, "u1", p.ID, nil)
	require.NoError(t, err)

	res, err := f.svc.CheckDuplicate(ctx, "u1", "hello world  ", []string{"x"})
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, []string{"x"}, res.ConflictingPlatforms)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 2, res.Matches[0].PublishedCount)
}

func TestChannelHealth(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	exp := now.Add(-time.Hour)
	require.NoError(t, f.store.UpsertChannel(ctx, publish.Channel{ID: "cz", UserID: "u1", Platform: "linkedin", Active: true, ExpiresAt: &exp}))

	rows, err := f.svc.ChannelHealth(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	states := map[string]health.State{}
	for _, r := range rows {
		states[r.ChannelID] = r.State
	}
	assert.Equal(t, health.Expired, states["cz"])
	assert.Equal(t, health.Healthy, states["cx"])
}

func TestPublishDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &publish.Post{UserID: "u1", Content: "due", Platforms: []string{"x"}, Status: publish.PostQueued, ScheduledAt: &past}
	later := &publish.Post{UserID: "u1", Content: "later", Platforms: []string{"x"}, Status: publish.PostQueued, ScheduledAt: &future}
	require.NoError(t, f.store.CreatePost(ctx, due))
	require.NoError(t, f.store.CreatePost(ctx, later))

	n, err := f.svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.store.GetPost(ctx, due.ID)
	assert.Equal(t, publish.PostPublished, got.Status)
	got, _ = f.store.GetPost(ctx, later.ID)
	assert.Equal(t, publish.PostQueued, got.Status)

	n, err = f.svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// flakyStore fails the listed calls until the counters run out.
type flakyStore struct {
	storage.Store
	failUpdates    atomic.Int32
	failSuccessful atomic.Bool
}

func (s *flakyStore) UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus) error {
	if s.failUpdates.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.Store.UpdatePostStatus(ctx, id, status)
}

func (s *flakyStore) SuccessfulChannels(ctx context.Context, postID string) ([]string, error) {
	if s.failSuccessful.Load() {
		return nil, errors.New("database is locked")
	}
	return s.Store.SuccessfulChannels(ctx, postID)
}

func TestFailedRollbackIsRetriedByPublishDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	fs := &flakyStore{Store: f.store}
	fs.failUpdates.Store(1)
	fs.failSuccessful.Store(true)
	svc := New(Config{}, fs, f.svc.disp, f.ledger, nil, logx.Nop(), WithClock(clock))

	past := now.Add(-time.Minute)
	p := &publish.Post{UserID: "u1", Content: "stuck", Platforms: []string{"x"}, Status: publish.PostQueued, ScheduledAt: &past}
	require.NoError(t, f.store.CreatePost(ctx, p))

	_, err := svc.Publish(ctx, "", p.ID, nil)
	require.Error(t, err)
	got, _ := f.store.GetPost(ctx, p.ID)
	require.Equal(t, publish.PostPublishing, got.Status)

	fs.failSuccessful.Store(false)
	n, err := svc.PublishDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = f.store.GetPost(ctx, p.ID)
	assert.Equal(t, publish.PostPublished, got.Status)
	assert.Empty(t, svc.restores)
}
