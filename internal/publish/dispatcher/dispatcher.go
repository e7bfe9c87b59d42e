package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/publish"
	"crosspost/internal/publish/adapters"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/health"
	"crosspost/internal/publish/quota"
	"crosspost/internal/publish/retry"
	"crosspost/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrNoChannels = errors.New("dispatch has no channels")

// Resolver finds the adapter for a platform (adapters.Registry implements it).
type Resolver interface {
	AdapterFor(platform string) (adapters.Adapter, bool)
}

type Config struct {
	Workers        int
	AttemptTimeout time.Duration
	Retry          retry.Policy
	ExpiringDays   int
	// RatePerSec limits adapter calls per platform; missing or 0 means unlimited.
	RatePerSec map[string]float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.WithDefaults()
	if c.ExpiringDays <= 0 {
		c.ExpiringDays = health.DefaultExpiringWithinDays
	}
	return c
}

// Dispatcher fans one post out to its channels.
//
// Each channel is handled independently: a failure on one never stops the others,
// and every requested channel gets exactly one result.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	limiters map[string]*rate.Limiter

	adapters Resolver
	ledger   *quota.Ledger
	guard    *duplicate.Guard
	bus      eventbus.Bus
	log      logx.Logger

	locks *channelLocks
	now   func() time.Time
	sleep retry.SleepFunc
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithSleep overrides the backoff wait.
func WithSleep(fn retry.SleepFunc) Option { return func(d *Dispatcher) { d.sleep = fn } }

// New builds a dispatcher. ledger, guard and bus may be nil.
func New(cfg Config, resolver Resolver, ledger *quota.Ledger, guard *duplicate.Guard, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		adapters: resolver,
		ledger:   ledger,
		guard:    guard,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatcher")),
		locks:    newChannelLocks(),
		now:      time.Now,
		sleep:    retry.Sleep,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the runtime config. Dispatches already running keep the old values.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := make(map[string]*rate.Limiter, len(cfg.RatePerSec))
	for p, r := range cfg.RatePerSec {
		if r <= 0 {
			continue
		}
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		lim[publish.NormalizePlatform(p)] = rate.NewLimiter(rate.Limit(r), burst)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiters = lim
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, map[string]*rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiters
}

type dispatchOptions struct {
	blockOnConflict bool
	already         map[string]struct{}
	dispatchID      string
}

type DispatchOption func(*dispatchOptions)

// WithBlockOnConflict fails channels whose platform already received the same content recently.
func WithBlockOnConflict() DispatchOption {
	return func(o *dispatchOptions) { o.blockOnConflict = true }
}

// WithAlreadyPublished marks channels delivered by an earlier dispatch; they are reported
// as skipped successes and never called again.
func WithAlreadyPublished(channelIDs ...string) DispatchOption {
	return func(o *dispatchOptions) {
		for _, id := range channelIDs {
			o.already[id] = struct{}{}
		}
	}
}

func WithDispatchID(id string) DispatchOption {
	return func(o *dispatchOptions) { o.dispatchID = id }
}

type job struct {
	idx int
	ch  publish.Channel
}

// Dispatch publishes post to channels and returns one result per distinct channel.
// The returned error is only set for caller mistakes; channel failures live in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, post publish.Post, channels []publish.Channel, opts ...DispatchOption) (Report, error) {
	o := dispatchOptions{already: map[string]struct{}{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.dispatchID == "" {
		o.dispatchID = uuid.NewString()
	}

	channels = uniqueChannels(channels)
	rep := Report{DispatchID: o.dispatchID, PostID: post.ID, StartedAt: d.now(), Results: []ChannelResult{}}
	if len(channels) == 0 {
		rep.Status = publish.PostFailed
		rep.FinishedAt = d.now()
		return rep, ErrNoChannels
	}

	cfg, limiters := d.snapshot()
	log := d.log.With(logx.String("dispatch", o.dispatchID), logx.String("post", post.ID))
	d.publish(eventbus.DispatchStarted, DispatchEvent{DispatchID: o.dispatchID, PostID: post.ID, UserID: post.UserID, Channels: len(channels)})
	log.Info("dispatch started", logx.Int("channels", len(channels)))

	if d.guard != nil {
		platforms := make([]string, 0, len(channels))
		for _, ch := range channels {
			platforms = append(platforms, ch.Platform)
		}
		dup, err := d.guard.Check(ctx, duplicate.Query{UserID: post.UserID, Content: post.Content, Platforms: platforms, ExcludePostID: post.ID})
		if err != nil {
			// Informational only; a lookup failure never gates delivery.
			log.Warn("duplicate check failed", logx.Err(err))
		}
		rep.Duplicate = dup
		if dup.HasConflict {
			log.Warn("duplicate content detected", logx.Strings("platforms", dup.ConflictingPlatforms), logx.Bool("blocking", o.blockOnConflict))
		}
	}

	run := &channelRun{
		d:         d,
		cfg:       cfg,
		limiters:  limiters,
		post:      post,
		opts:      o,
		duplicate: rep.Duplicate,
		evaluator: health.New(cfg.ExpiringDays),
		log:       log,
	}

	results := make([]ChannelResult, len(channels))
	jobs := make(chan job)
	workers := cfg.Workers
	if workers > len(channels) {
		workers = len(channels)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx] = run.channel(ctx, j.ch)
			}
		}()
	}
	for i, ch := range channels {
		jobs <- job{idx: i, ch: ch}
	}
	close(jobs)
	wg.Wait()

	rep.Results = results
	rep.Status = Aggregate(results)
	rep.FinishedAt = d.now()

	d.publish(eventbus.DispatchFinished, DispatchEvent{
		DispatchID: o.dispatchID,
		PostID:     post.ID,
		UserID:     post.UserID,
		Channels:   len(channels),
		Status:     rep.Status,
		Succeeded:  rep.Succeeded(),
		Duration:   rep.FinishedAt.Sub(rep.StartedAt),
	})
	log.Info("dispatch finished", logx.String("status", string(rep.Status)), logx.Int("succeeded", rep.Succeeded()), logx.Int("channels", len(channels)))
	return rep, nil
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}

// uniqueChannels drops repeated channel ids so no channel can succeed twice in one call.
func uniqueChannels(in []publish.Channel) []publish.Channel {
	out := make([]publish.Channel, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, ch := range in {
		if _, ok := seen[ch.ID]; ok {
			continue
		}
		seen[ch.ID] = struct{}{}
		out = append(out, ch)
	}
	return out
}

type channelRun struct {
	d         *Dispatcher
	cfg       Config
	limiters  map[string]*rate.Limiter
	post      publish.Post
	opts      dispatchOptions
	duplicate duplicate.Result
	evaluator health.Evaluator
	log       logx.Logger
}

func (r *channelRun) channel(ctx context.Context, ch publish.Channel) (res ChannelResult) {
	start := r.d.now()
	platform := publish.NormalizePlatform(ch.Platform)
	res = ChannelResult{ChannelID: ch.ID, Platform: platform}
	log := r.log.With(logx.String("channel", ch.ID), logx.String("platform", platform))

	defer func() {
		if p := recover(); p != nil {
			log.Error("channel panic", logx.Any("panic", p))
			res = fail(res, publish.OutcomeFailedPermanent, publish.CategoryPermanentValidation, "panic", fmt.Errorf("%v", p))
		}
		res.Duration = r.d.now().Sub(start)
		r.d.publish(eventbus.ChannelFinished, ChannelEvent{
			DispatchID: r.opts.dispatchID,
			PostID:     r.post.ID,
			ChannelID:  ch.ID,
			Platform:   platform,
			Attempt:    res.Attempts,
			Outcome:    res.Outcome,
			Category:   res.Category,
			Error:      res.Error,
		})
		if res.Success {
			log.Info("channel published", logx.Int("attempts", res.Attempts), logx.Bool("skipped", res.Skipped))
		} else {
			log.Warn("channel failed", logx.String("outcome", string(res.Outcome)), logx.String("category", string(res.Category)), logx.String("reason", res.Reason), logx.Int("attempts", res.Attempts))
		}
	}()

	if _, ok := r.opts.already[ch.ID]; ok {
		res.Success = true
		res.Outcome = publish.OutcomeSuccess
		res.Skipped = true
		return res
	}
	if err := ctx.Err(); err != nil {
		return fail(res, publish.OutcomeAbandoned, publish.CategoryCancelled, publish.ReasonCancelled, err)
	}
	if r.opts.blockOnConflict && r.duplicate.Conflicts(platform) {
		return fail(res, publish.OutcomeFailedPermanent, publish.CategoryDuplicateConflict, publish.ReasonDuplicateConflict,
			errors.New("same content was published to this platform recently"))
	}

	now := r.d.now()
	state := r.evaluator.Classify(ch, now)
	if cat, reason, rejected := health.Rejection(state); rejected {
		err := publish.ErrTokenExpired
		if reason == publish.ReasonNoConnection {
			err = publish.ErrNoConnection
		}
		return fail(res, publish.OutcomeFailedPermanent, cat, reason, err)
	}
	if state == health.Expiring && ch.ExpiresAt != nil {
		res.Warning = fmt.Sprintf("token expires in %d day(s); reconnect this channel soon", health.DaysUntil(*ch.ExpiresAt, now))
	}

	var adapter adapters.Adapter
	if r.d.adapters != nil {
		adapter, _ = r.d.adapters.AdapterFor(platform)
	}
	if adapter == nil {
		return fail(res, publish.OutcomeFailedPermanent, publish.CategoryPermanentValidation, publish.ReasonNoAdapter, publish.ErrNoAdapter)
	}

	var cost int64 = 1
	limited := r.d.ledger != nil && r.d.ledger.Limited(platform)
	if limited {
		cost = r.d.ledger.Cost(platform)
		ok, err := r.d.ledger.CanConsume(ctx, platform, cost)
		if err != nil {
			// Admission is advisory; an unreadable counter does not block delivery.
			log.Warn("quota check failed", logx.Err(err))
		} else if !ok {
			res = fail(res, publish.OutcomeFailedPermanent, publish.CategoryQuotaExceeded, publish.ReasonQuotaExceeded, publish.ErrQuotaExceeded)
			res.Quota = r.quotaInfo(ctx, platform)
			return res
		}
	}

	release, err := r.d.locks.acquire(ctx, ch.ID)
	if err != nil {
		return fail(res, publish.OutcomeAbandoned, publish.CategoryCancelled, publish.ReasonCancelled, err)
	}
	defer release()

	var receipt publish.Receipt
	attempt := func(ctx context.Context, n int) error {
		if lim := r.limiters[platform]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// The next slot falls after the deadline. Nothing was sent.
				return publish.NewError(publish.CategoryCancelled, publish.ReasonCancelled, err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		rc, err := adapter.Publish(actx, publish.Delivery{PostID: r.post.ID, Content: r.post.Content, Channel: ch, Attempt: n})
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	}
	observer := func(n int, err error) {
		retrying := retry.IsRetryable(err) && n < r.cfg.Retry.MaxAttempts
		log.Debug("attempt failed", logx.Int("attempt", n), logx.Bool("retrying", retrying), logx.Err(err))
		r.d.publish(eventbus.ChannelRetry, ChannelEvent{
			DispatchID: r.opts.dispatchID,
			PostID:     r.post.ID,
			ChannelID:  ch.ID,
			Platform:   platform,
			Attempt:    n,
			Retrying:   retrying,
			Category:   retry.Classify(err),
			Error:      err.Error(),
		})
	}

	sum, err := retry.Run(ctx, r.cfg.Retry, attempt, retry.WithObserver(observer), retry.WithSleep(r.d.sleep))
	res.Attempts = sum.Attempts
	res.RetriesUsed = sum.RetriesUsed()

	if err == nil {
		res.Success = true
		res.Outcome = publish.OutcomeSuccess
		res.ProviderID = receipt.ProviderID
		res.URL = receipt.URL
		if r.d.ledger != nil {
			// Record uses a fresh context so a cancel right after delivery still charges the unit.
			if qerr := r.d.ledger.Record(context.WithoutCancel(ctx), platform, cost); qerr != nil {
				log.Error("quota record failed", logx.Err(qerr))
			}
		}
		if limited {
			res.Quota = r.quotaInfo(context.WithoutCancel(ctx), platform)
		}
		return res
	}

	cat := publish.CategoryOf(err)
	var tagged *publish.Error
	reason := ""
	if errors.As(err, &tagged) {
		reason = tagged.Reason
	}
	switch {
	case cat == publish.CategoryCancelled:
		if reason != publish.ReasonDeliveryUnknown {
			reason = publish.ReasonCancelled
		}
		return fail(res, publish.OutcomeAbandoned, cat, reason, err)
	case errors.Is(err, retry.ErrExhausted):
		return fail(res, publish.OutcomeFailedExhausted, publish.CategoryExhaustedRetries, "", unwrapLast(err))
	default:
		res = fail(res, publish.OutcomeFailedPermanent, cat, reason, err)
		if cat == publish.CategoryQuotaExceeded {
			res.Quota = r.quotaInfo(ctx, platform)
		}
		return res
	}
}

func (r *channelRun) quotaInfo(ctx context.Context, platform string) *QuotaInfo {
	if r.d.ledger == nil {
		return nil
	}
	st, err := r.d.ledger.Status(ctx, platform)
	if err != nil || st.Unlimited {
		return nil
	}
	return &QuotaInfo{Remaining: st.Remaining, ResetTime: st.ResetTime}
}

func fail(res ChannelResult, outcome publish.Outcome, cat publish.Category, reason string, err error) ChannelResult {
	res.Success = false
	res.Outcome = outcome
	res.Category = cat
	res.Reason = reason
	if err != nil {
		res.Error = strings.TrimSpace(err.Error())
	}
	return res
}

// unwrapLast returns the last provider error behind an exhaustion wrapper.
func unwrapLast(err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) && ex.Last != nil {
		return ex.Last
	}
	return err
}
