// Package app wires config, storage, the publish core and the HTTP API into one daemon.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/config"
	"crosspost/internal/eventbus"
	"crosspost/internal/httpapi"
	"crosspost/internal/publish/adapters"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/quota"
	"crosspost/internal/publisher"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	registry *adapters.Registry
	ledger   *quota.Ledger
	guard    *duplicate.Guard
	disp     *dispatcher.Dispatcher
	pub      *publisher.Service
	sched    *scheduler.Service
	http     *httpapi.Server
}

// NewApp loads the config at cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	budgets, err := mapBudgets(cfg)
	if err != nil {
		return nil, err
	}
	var counter quota.Counter = a.store
	if rc := cfg.Redis; rc != nil {
		a.rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		prefix := rc.Prefix
		if strings.TrimSpace(prefix) == "" {
			prefix = "crosspost:quota"
		}
		counter = quota.NewRedisCounter(a.rdb, prefix)
		log.Info("quota counters in redis", logx.String("addr", rc.Addr), logx.String("prefix", prefix))
	}
	a.ledger = quota.New(budgets, counter, quota.WithLogger(log))

	gopts, err := mapGuardOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.guard = duplicate.New(a.store, gopts...)

	ads, err := buildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	a.registry = adapters.NewRegistry()
	for name, ad := range ads {
		a.registry.Register(name, ad)
	}

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatcher.New(dc, a.registry, a.ledger, a.guard, log, a.bus)
	a.pub = publisher.New(mapPublisherConfig(cfg), a.store, a.disp, a.ledger, a.guard, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.pub, log)
	if err := a.sched.Validate(schedCfg); err != nil {
		return nil, err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpapi.New(hc, a.pub, log, httpapi.WithHealth(a.healthSnapshot))

	log.Info("platforms registered", logx.Strings("platforms", a.registry.Platforms()))
	return a, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, a.sched)
	})

	if a.rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			// The ledger fails open, so a down redis degrades quota checks instead of blocking publishing.
			a.log.Warn("redis unreachable at startup", logx.Err(err))
		}
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("http", a.http.Serve, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("events", func(c context.Context) error {
		defer unsub()
		a.consumeEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// restartOnly lists sections that are read once at startup.
var restartOnly = []string{"storage", "redis", "duplicate", "http"}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if budgets, err := mapBudgets(next); err != nil {
		a.log.Warn("invalid quota config; keeping previous", logx.Err(err))
	} else {
		a.ledger.SetBudgets(budgets)
	}

	if ads, err := buildAdapters(next); err != nil {
		a.log.Warn("invalid platforms config; keeping previous", logx.Err(err))
	} else {
		for name, ad := range ads {
			a.registry.Register(name, ad)
		}
		for _, p := range a.registry.Platforms() {
			if _, ok := ads[p]; !ok {
				a.log.Warn("platform removed from config stays registered until restart", logx.String("platform", p))
			}
		}
	}

	if dc, err := mapDispatcherConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	a.pub.Apply(mapPublisherConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

func (a *App) healthSnapshot() any {
	out := map[string]any{
		"scheduler":      a.sched.Status(),
		"events_dropped": a.bus.Dropped(),
		"platforms":      a.registry.Platforms(),
	}
	if a.sup != nil {
		out["loops"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown action so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
