package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tagsync/internal/config"
	"tagsync/internal/dispatch"
	"tagsync/internal/eventbus"
	"tagsync/internal/gateway"
	"tagsync/internal/intake"
	rtsup "tagsync/internal/runtime/supervisor"
	"tagsync/internal/storage"
	"tagsync/internal/trigger"
	logx "tagsync/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	handler  *gateway.Handler
	engine   *dispatch.Engine
	triggers *trigger.Service
	http     *intake.Server
	kafka    *intake.KafkaConsumer

	shutdownTimeout time.Duration
}

// Health is the /healthz document.
type Health struct {
	Status      string                    `json:"status"`
	Engine      dispatch.Stats            `json:"engine"`
	Delivery    gateway.HandlerStats      `json:"delivery"`
	Triggers    []trigger.EntryInfo       `json:"triggers"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

// NewApp loads and validates cfgPath and builds every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := config.LoadEnvFile(cfg.EnvFile); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	gatewayURL, err := gateway.LoadURL(cfg.Gateway.URL)
	if err != nil {
		return err
	}
	cc, err := mapClientConfig(cfg.Gateway)
	if err != nil {
		return err
	}
	client := gateway.NewClient(cc, nil, log.With(logx.String("comp", "gateway")))
	a.handler = gateway.NewHandler(gateway.HandlerConfig{RetryMax: cfg.Gateway.RetryMaxOrDefault()},
		a.store, log.With(logx.String("comp", "delivery")), a.bus)

	x, err := dispatch.NewExpander(a.store, gatewayURL, config.APIKeySource(cfg.Gateway), cfg.Dispatch.MaxIDsPerRequest)
	if err != nil {
		return err
	}
	dc, err := mapDispatchConfig(cfg.Dispatch)
	if err != nil {
		return err
	}
	a.engine = dispatch.New(dc, x, client, a.handler, log.With(logx.String("comp", "dispatch")), a.bus)
	a.handler.SetResubmitter(a.engine)

	a.triggers = trigger.New(a.engine, log.With(logx.String("comp", "trigger")), a.bus)
	if err := a.triggers.Apply(mapTriggers(cfg.Triggers)); err != nil {
		return err
	}

	srvCfg, shutdown, err := mapServerConfig(cfg.HTTP)
	if err != nil {
		return err
	}
	a.shutdownTimeout = shutdown
	httpLog := log.With(logx.String("comp", "intake"))
	router := intake.NewRouter(intake.RouterConfig{Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof},
		a.engine, a.store, func() any { return a.Health() }, httpLog)
	a.http = intake.NewServer(srvCfg, router, httpLog)

	if k := cfg.Kafka; k != nil && k.Enabled {
		a.kafka = intake.NewKafkaConsumer(intake.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, GroupID: k.GroupID},
			a.engine, log.With(logx.String("comp", "kafka")))
	}
	return nil
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

// Addr returns the bound intake address once the listener is up.
func (a *App) Addr() string { return a.http.Addr() }

// Ready is closed once the intake listener is up.
func (a *App) Ready() <-chan struct{} { return a.http.Ready() }

func (a *App) Health() Health {
	h := Health{
		Status:      "ok",
		Engine:      a.engine.Stats(),
		Delivery:    a.handler.Stats(),
		Triggers:    a.triggers.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if !h.Engine.Running {
		h.Status = "stopped"
	}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			h.Supervisors[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("dispatch", a.engine.Supervisor())
	add("intake", a.http.Supervisor())
	return h
}

// Start runs every component. The engine, the delivery handler and the HTTP
// server get a context detached from ctx: they are drained by Stop, not
// canceled by it.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := context.WithoutCancel(ctx)

	a.handler.Start(runCtx)
	a.engine.Start(runCtx)
	a.triggers.Start(a.sup.Context())
	a.http.Start(runCtx)

	if a.kafka != nil {
		a.sup.GoRestart("kafka.consume", a.kafka.Run)
	}

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg.Logging))
	if err := a.triggers.Apply(mapTriggers(newCfg.Triggers)); err != nil {
		a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// Stop stops intake first so no new tags arrive, then drains the engine and
// the audit writer, and closes storage last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel background loops (reload, watch, kafka, triggers) right away.
	a.sup.Cancel()

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("intake", a.shutdownTimeout, a.http.Stop)
	if a.kafka != nil {
		step("kafka", 2*time.Second, func(context.Context) error { return a.kafka.Close() })
	}
	step("dispatch", a.shutdownTimeout, a.engine.Stop)
	step("delivery", 2*time.Second, a.handler.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
