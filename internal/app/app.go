package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"locatorbot/internal/bot"
	"locatorbot/internal/config"
	"locatorbot/internal/eventbus"
	"locatorbot/internal/httpapi"
	"locatorbot/internal/metrics"
	"locatorbot/internal/poller"
	"locatorbot/internal/provider/googlemaps"
	"locatorbot/internal/publish"
	"locatorbot/internal/retention"
	"locatorbot/internal/runtime/supervisor"
	"locatorbot/internal/storage"
	"locatorbot/internal/tracking"
	kit "locatorbot/internal/transport"
	telegram "locatorbot/internal/transport/telegram/adapter"
	"locatorbot/internal/transport/telegram/router"
	logx "locatorbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   tracking.Store
	metrics *metrics.Metrics

	adapter *telegram.Adapter
	router  *router.Router
	poller  *poller.Poller
	pruner  *retention.Pruner
	http    *httpapi.Service
	fwd     *publish.Forwarder

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately, so Telegram logging is enabled only once
	// the target chat is set.
	logCfg := mapLogConfig(cfg)
	baseLogCfg := logCfg
	baseLogCfg.Telegram.Enabled = false
	logSvc, base := logx.New(baseLogCfg, ad)
	if chatID, ok, _ := logChat(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := base.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	pc, _ := mapProviderConfig(cfg)
	provider := googlemaps.New(pc, base)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		metrics: metrics.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	pollCfg, _ := mapPollerConfig(cfg)
	a.poller = poller.New(store, provider, pollCfg,
		poller.WithLogger(base),
		poller.WithBus(a.bus),
		poller.WithObserver(a.metrics),
		poller.WithRunner(a),
	)

	sinks, err := openSinks(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	if len(sinks) > 0 {
		a.fwd = publish.NewForwarder(a.bus, sinks, a.metrics, base)
	}

	a.pruner = retention.New(store, base)

	hc, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(hc, httpapi.Deps{
		Store:      store,
		Poller:     a.poller,
		Metrics:    a.metrics,
		Supervisor: a.supervisorSnapshot,
	}, base)

	a.router = router.New(ad, base)
	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
	bot.New(bot.Deps{
		Store:    store,
		Provider: provider,
		Poller:   a.poller,
		Bus:      a.bus,
		Steps:    a.metrics,
		Log:      base,
	}).Register(a.router)

	return a, nil
}

func openSinks(cfg *config.Config) ([]publish.Sink, error) {
	var sinks []publish.Sink
	if cfg.Publish.Kafka.Enabled {
		k, err := publish.NewKafka(mapKafkaConfig(cfg))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if cfg.Publish.MQTT.Enabled {
		m, err := publish.NewMQTT(mapMQTTConfig(cfg))
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, m)
	}
	return sinks, nil
}

// Go runs fn under the app supervisor. The poller starts its loop through it.
func (a *App) Go(name string, fn func(ctx context.Context) error) {
	a.sup.Go(name, fn)
}

func (a *App) supervisorSnapshot() supervisor.Snapshot {
	return a.sup.Snapshot()
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
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)
	cfg := a.cfgm.Get()
	runCtx := a.sup.Context()

	if err := a.poller.Start(runCtx); err != nil {
		return err
	}
	if a.fwd != nil {
		a.sup.Go("publish.forward", a.fwd.Run)
	}
	rc, _ := mapRetentionConfig(cfg)
	if err := a.pruner.Apply(runCtx, rc); err != nil {
		return err
	}
	a.http.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		if err := a.router.UpdateMenu(c); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch d := e.Data.(type) {
				case poller.PollFailure:
					a.log.Debug("poll failed",
						logx.TickID(e.TickID),
						logx.Owner(d.OwnerID),
						logx.Object(d.Object),
						logx.String("result", d.Result),
					)
				case eventbus.Activation:
					a.log.Info("owner activated", logx.Owner(d.OwnerID), logx.Int("objects", len(d.Objects)))
				default:
					// sample.written fires on every move; keep it at trace.
					a.log.Trace("event", logx.String("type", e.Type), logx.TickID(e.TickID))
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-sub:
				if !ok {
					return
				}
				if len(ch.Sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				if restart := ch.Restart(); len(restart) > 0 {
					a.log.Warn("config changed; restart required for changes to take effect",
						logx.String("sections", strings.Join(restart, ",")))
				}
				a.applyConfig(c, ch.New)

				fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// applyConfig pushes the live-reloadable sections to their components.
// The config was validated before it was published.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if chatID, ok, _ := logChat(cfg); ok {
		a.logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(cfg))

	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)

	if pc, err := mapPollerConfig(cfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else if err := a.poller.Reconfigure(ctx, pc); err != nil {
		a.log.Error("poller reconfigure failed", logx.Err(err))
	}

	if rc, err := mapRetentionConfig(cfg); err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
	} else if err := a.pruner.Apply(ctx, rc); err != nil {
		a.log.Warn("retention apply failed", logx.Err(err))
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "retention", 2*time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	a.step(ctx, "poller", 3*time.Second, func(context.Context) error { a.poller.Stop(); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "router", 2*time.Second, func(c context.Context) error {
		if sup := a.router.Supervisor(); sup != nil {
			return sup.Wait(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.fwd != nil {
		a.step(ctx, "publish", 2*time.Second, func(context.Context) error { return a.fwd.Close() })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
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
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
