package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediabot/internal/activity"
	"mediabot/internal/blob"
	"mediabot/internal/bot"
	"mediabot/internal/config"
	"mediabot/internal/delivery"
	"mediabot/internal/eventbus"
	"mediabot/internal/fetch"
	"mediabot/internal/runtime/supervisor"
	"mediabot/internal/statusapi"
	"mediabot/internal/storage"
	"mediabot/internal/storage/rediscache"
	"mediabot/internal/task/admission"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	"mediabot/internal/task/scheduler"
	kit "mediabot/internal/transport"
	telegram "mediabot/internal/transport/telegram/adapter"
	"mediabot/internal/transport/telegram/router"
	logx "mediabot/pkg/logx"
)

const workspaceMaxAge = 6 * time.Hour

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	redis *rediscache.Cache

	adapter *telegram.Adapter
	work    *fetch.Workspaces

	activity  *activity.Log
	queue     *queue.Queue
	admission *admission.Admission
	indexer   *indexer.Indexer // nil when background indexing is off
	sched     *scheduler.Service
	schedOn   bool
	status    *statusapi.Service
	router    *router.Router

	updates      chan kit.Update
	routerCancel context.CancelFunc
	routerDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: s.PollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// The adapter doubles as the operator chat sink.
	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(s.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		schedOn: s.ScheduleOn,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, s, log); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, s settings, log logx.Logger) error {
	var cache storage.Cache = a.store
	if s.Redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := rediscache.Connect(ctx, *s.Redis)
		cancel()
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		a.redis = rediscache.New(client, *s.Redis, log.With(logx.String("comp", "rediscache")))
		cache = a.redis
		a.log.Info("media cache on redis", logx.String("prefix", s.Redis.Prefix))
	}

	resolver := fetch.NewResolver(s.Resolver, log.With(logx.String("comp", "resolver")))
	extractor := fetch.NewYTDLP(s.Extractor, log.With(logx.String("comp", "extractor")))
	work, err := fetch.NewWorkspaces(s.WorkDir, log.With(logx.String("comp", "workspace")))
	if err != nil {
		return err
	}
	a.work = work

	a.activity = activity.New(a.store, log.With(logx.String("comp", "activity")), 256)

	proc := delivery.New(s.Delivery, delivery.Deps{
		Cache:      cache,
		Users:      a.store,
		Extractor:  extractor,
		Workspaces: work,
		Sender:     a.adapter,
		Activity:   a.activity,
		Log:        log.With(logx.String("comp", "delivery")),
		Day:        s.Admission.Day,
	})
	a.queue = queue.New(s.Queue, proc.Process, log.With(logx.String("comp", "queue")), a.bus)
	a.admission = admission.New(s.Admission, resolver, a.store, a.queue, log.With(logx.String("comp", "admission")))

	if s.IndexerOn {
		ix, err := a.buildIndexer(s, cache, extractor, log)
		if err != nil {
			return err
		}
		a.indexer = ix
	}

	a.sched = scheduler.New(s.Scheduler, log.With(logx.String("comp", "scheduler")))
	if s.ScheduleOn {
		m := s.Maintenance
		m.Users = a.store
		m.Activity = a.activity
		m.Queue = a.queue
		m.Extra = a.statusFields
		m.Log = log.With(logx.String("comp", "maintenance"))
		if err := scheduler.RegisterMaintenance(a.sched, m); err != nil {
			return err
		}
	}

	deps := bot.Deps{
		Admission: a.admission,
		Queue:     a.queue,
		Activity:  a.activity,
		Premium:   a.store,
		Sender:    a.adapter,
		Log:       log.With(logx.String("comp", "bot")),
	}
	src := statusapi.Sources{Queue: a.queue, Scheduler: a.sched, Activity: a.activity}
	if a.indexer != nil {
		deps.Indexer = a.indexer
		src.Indexer = a.indexer
	}
	handlers := bot.New(deps, s.Admission.Bonus)

	a.router = router.New(log.With(logx.String("comp", "router")), a.adapter, cfg.Telegram.OwnerUserIDs, router.Options{
		Guard: router.NewFloodGuard(cfg.Telegram.UserRatePerSec, cfg.Telegram.UserBurst),
	})
	a.router.SetRegistry(handlers.Commands(), handlers.Callbacks(), handlers.Link)

	a.status = statusapi.New(s.Status, src, log)
	return nil
}

// buildIndexer wires background indexing. Without durable storage there
// is nowhere to keep indexed media, so the indexer stays off.
func (a *App) buildIndexer(s settings, cache storage.Cache, ex fetch.Extractor, log logx.Logger) (*indexer.Indexer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	up, err := blob.Open(ctx, s.Blob, a.adapter, log.With(logx.String("comp", "blob")))
	if errors.Is(err, blob.ErrDisabled) {
		a.log.Warn("indexer enabled but blob.driver is none; background indexing off")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return indexer.New(s.Indexer, indexer.Deps{
		Queue:      a.queue,
		Candidates: a.store,
		Cache:      cache,
		Extractor:  ex,
		Workspaces: a.work,
		Uploader:   up,
		Bus:        a.bus,
		Log:        log.With(logx.String("comp", "indexer")),
	})
}

func (a *App) statusFields() []logx.Field {
	if a.indexer == nil {
		return []logx.Field{logx.String("indexer", "off")}
	}
	snap := a.indexer.Snapshot()
	return []logx.Field{
		logx.String("indexer", string(snap.State)),
		logx.Uint64("indexed", snap.Indexed),
		logx.Uint64("index_failed", snap.Failed),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Structural checks run inside the manager; this rejects values that
	// only fail once mapped (durations, timezones).
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if n, err := a.work.Sweep(workspaceMaxAge); err != nil {
		a.log.Warn("workspace sweep failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("stale workspaces removed", logx.Int("count", n), logx.String("dir", a.work.Root()))
	}

	a.activity.Start(runCtx)
	a.sup.Go0("activity.observe", func(c context.Context) {
		activity.Observe(c, a.bus, a.activity)
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	routerCtx, cancel := context.WithCancel(runCtx)
	a.routerCancel = cancel
	a.routerDone = make(chan struct{})
	a.sup.Go("router", func(context.Context) error {
		defer close(a.routerDone)
		return a.router.Run(routerCtx, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		a.router.PublishMenu(mctx)
	})

	if a.indexer != nil {
		a.sup.Go("indexer", a.indexer.Run)
	}
	if a.schedOn {
		a.sched.Start(runCtx)
	}
	a.status.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("max_concurrent", a.queue.Snapshot().MaxConcurrent),
		logx.Bool("indexer", a.indexer != nil),
		logx.Bool("schedule", a.schedOn),
	)
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	s, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.sched.Apply(s.Scheduler)

	if a.schedOn != s.ScheduleOn {
		if s.ScheduleOn {
			a.log.Info("schedule enabled via config")
			a.sched.Start(a.sup.Context())
		} else {
			a.log.Info("schedule disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		}
		a.schedOn = s.ScheduleOn
	}

	a.status.Reconfigure(a.sup.Context(), s.Status)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: background indexing first, then
// admission, then the queue (while the adapter can still deliver), then
// the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.indexer != nil {
		a.step(ctx, "indexer", 10*time.Second, a.indexer.Stop)
	}
	a.step(ctx, "router", 3*time.Second, func(c context.Context) error {
		if a.routerCancel == nil {
			return nil
		}
		a.routerCancel()
		select {
		case <-a.routerDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "queue", 20*time.Second, func(c context.Context) error {
		drained, err := a.queue.Close(c)
		if len(drained) > 0 {
			a.log.Info("pending tasks dropped at shutdown", logx.Int("count", len(drained)))
		}
		return err
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "statusapi", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "activity", 2*time.Second, a.activity.Close)
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.closeStores() })

	// Finally, wait for supervised goroutines (config watch/reload, observers).
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. A step that overruns is logged when it finally ends.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = rem
			}
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
	}

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
