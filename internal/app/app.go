// Package app wires the relay together and owns its start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"

	"buildrelay/internal/catalog/httpcatalog"
	"buildrelay/internal/commands"
	"buildrelay/internal/config"
	"buildrelay/internal/eventbus"
	"buildrelay/internal/notifier"
	"buildrelay/internal/relay"
	"buildrelay/internal/retry"
	rtsup "buildrelay/internal/runtime/supervisor"
	"buildrelay/internal/storage"
	"buildrelay/internal/task/scheduler"
	kit "buildrelay/internal/transport"
	"buildrelay/internal/transport/telegram"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

const nameRefreshJob = "names.refresh"

// Options override parts of the wiring. The zero value is production.
type Options struct {
	// Adapter replaces the Telegram transport.
	Adapter kit.Adapter
	// Clock drives retry waits, the poll sleep and the session probes.
	Clock clock.Clock
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	notif   *notifier.Service
	router  *commands.Router
	sched   *scheduler.Service

	registry  *watch.Registry
	names     *watch.NameCache
	session   *httpcatalog.Session
	loop      *relay.Loop
	refresher *relay.NameRefresher

	updates chan kit.Message
}

func New(cfgPath string) (*App, error) { return NewWithOptions(cfgPath, Options{}) }

func NewWithOptions(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opt.Clock == nil {
		opt.Clock = clock.WallClock
	}

	// Forwarding needs the notifier, which needs the adapter; the sender is
	// installed once both exist.
	logs, log := logx.New(mapLogging(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logs,
		bus:     bus,
		updates: make(chan kit.Message, 256),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	a.store, err = storage.Open(mapStorage(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	if a.store == nil {
		appLog.Warn("storage disabled; subscriptions are kept in memory only")
	}

	regDoc, namesDoc := documents(cfg)
	a.registry = watch.NewRegistry(a.store, regDoc)
	a.names = watch.NewNameCache(a.store, namesDoc)
	if err := loadState(context.Background(), a.registry, a.names); err != nil {
		return fail(err)
	}
	appLog.Info("state loaded",
		logx.Int("watched", a.registry.Len()),
		logx.Uint64("cursor", a.registry.Cursor()),
	)

	a.adapter = opt.Adapter
	if a.adapter == nil {
		tg, err := telegram.New(mapTelegram(cfg), log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.adapter = tg
	}
	a.notif = notifier.New(mapNotifier(cfg), a.adapter, bus, log.With(logx.String("comp", "notifier")))
	logs.SetSender(a.notif)

	upCfg, sessCfg := mapUpstream(cfg)
	client, err := httpcatalog.New(upCfg, log.With(logx.String("comp", "catalog")))
	if err != nil {
		return fail(fmt.Errorf("catalog client: %w", err))
	}
	sessCfg.Clock = opt.Clock
	a.session = httpcatalog.NewSession(client, sessCfg, log.With(logx.String("comp", "session")))

	rc := mapRetry(cfg)
	rc.Clock = opt.Clock
	exec := retry.New(rc, log.With(logx.String("comp", "retry")))
	relayLog := log.With(logx.String("comp", "relay"))
	a.loop = relay.NewLoop(mapLoop(cfg), relay.Deps{
		Registry:   a.registry,
		Names:      a.names,
		Detector:   relay.NewDetector(client, exec, relayLog),
		Resolver:   relay.NewResolver(client, exec, a.names, relayLog),
		Dispatcher: relay.NewDispatcher(a.registry, a.names, a.notif, exec, relayLog),
		Session:    a.session,
		Bus:        bus,
		Clock:      opt.Clock,
		Log:        relayLog,
	})
	a.refresher = relay.NewNameRefresher(a.registry, a.names, client, exec, relayLog)

	a.router = commands.NewRouter(log.With(logx.String("comp", "commands")), a.notif, cfg.Telegram.OwnerUserIDs)
	handlers := &commands.RelayHandlers{
		Registry: a.registry,
		Names:    a.names,
		Status:   a.loop,
		Replier:  a.notif,
		Seeder:   a.refresher,
	}
	a.router.Register(handlers.Commands()...)

	a.sched = scheduler.New(mapScheduler(cfg), log.With(logx.String("comp", "scheduler")))
	if spec := nameRefreshSchedule(cfg); spec != "" {
		if err := a.sched.AddJob(nameRefreshJob, spec, 2*time.Minute, a.refreshNames); err != nil {
			return fail(fmt.Errorf("scheduler.name_refresh: %w", err))
		}
	}
	return a, nil
}

func loadState(ctx context.Context, reg *watch.Registry, names *watch.NameCache) error {
	if err := reg.Load(ctx); err != nil && !errors.Is(err, watch.ErrNoStore) {
		return fmt.Errorf("load registry: %w", err)
	}
	if err := names.Load(ctx); err != nil && !errors.Is(err, watch.ErrNoStore) {
		return fmt.Errorf("load names: %w", err)
	}
	return nil
}

func (a *App) refreshNames(ctx context.Context) error {
	_, err := a.refresher.Refresh(ctx)
	return err
}

// Loop exposes the poll loop for status queries.
func (a *App) Loop() *relay.Loop { return a.loop }

// Done closes when the app supervisor stops, either through Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
				a.log.Warn("command menu not updated", logx.Err(err))
			}
		})
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error { return a.router.Run(c, a.updates) })
	a.sup.Go("catalog.session", a.session.Run)
	a.sup.Go("relay.loop", a.loop.Run)

	if err := a.sched.Start(c); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.applyReloads(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

// applyReloads applies what can change live and flags the rest.
func (a *App) applyReloads(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			ch := config.Diff(last, next)
			last = next
			if ch.Empty() {
				a.log.Debug("config reload with no effective changes")
				continue
			}
			if ch.Has("logging") || ch.Has("telegram") {
				a.logs.Apply(mapLogging(next))
			}
			if ch.Has("owners") {
				a.router.SetOwners(next.Telegram.OwnerUserIDs)
			}
			if ch.Has("notifier") {
				a.notif.Apply(mapNotifier(next))
			}
			if ch.Has("scheduler") {
				a.sched.Apply(mapScheduler(next))
			}
			if rr := ch.RestartRequired(); len(rr) > 0 {
				a.log.Warn("config sections changed; restart required", logx.Any("sections", rr))
			}
			a.log.Info("config applied", append([]logx.Field{logx.Any("changed", ch.Sections)}, ch.Attrs...)...)
		}
	}
}
