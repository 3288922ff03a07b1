package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reportd/internal/artifact"
	"reportd/internal/config"
	"reportd/internal/delivery"
	"reportd/internal/eventbus"
	"reportd/internal/observability/ops"
	"reportd/internal/pipeline"
	"reportd/internal/report"
	rtsup "reportd/internal/runtime/supervisor"
	"reportd/internal/storage"
	"reportd/internal/task/engine"
	"reportd/internal/task/scheduler"
	logx "reportd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	sched    *scheduler.Service
	pipe     *pipeline.Pipeline
	delivery *delivery.Service
	ops      *ops.Service
}

// New loads cfgPath and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), logx.NewSlackSender(cfg.Logging.Alert.SlackToken))
	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: bus, store: store}
	if err := a.wire(cfg, log); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore opens (and migrates) the configured storage backend.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", st.Driver()))
	return st, nil
}

func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	pipeCfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return err
	}
	delCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	snd, err := senders(cfg)
	if err != nil {
		return err
	}

	a.engine = engine.New(engCfg, log, a.bus)
	a.delivery = delivery.New(delCfg, snd, a.store, log, a.bus)

	var sources []pipeline.DataSource
	if dir := strings.TrimSpace(cfg.Pipeline.SourceDir); dir != "" {
		sources = append(sources, pipeline.DirSource{Dir: dir})
	}
	a.pipe = pipeline.New(pipeCfg, pipeline.Deps{
		Store:     a.store,
		Sources:   sources,
		Renderer:  artifact.NewFileRenderer(artifactDir(cfg), log),
		Deliverer: deliveryGate{svc: a.delivery, log: a.log},
		Bus:       a.bus,
		Log:       log,
	})
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Store:     a.store,
		Generator: a.pipe,
		Engine:    a.engine,
		Bus:       a.bus,
		Log:       log,
	})
	a.ops = ops.New(opsCfg, ops.Deps{
		Scheduler: a.sched,
		Pipeline:  a.pipe,
		Store:     a.store,
		Delivery:  a.delivery,
	}, log)
	return nil
}

// deliveryGate keeps artifacts rendered while delivery is switched off in
// config; toggling it on takes effect without a restart.
type deliveryGate struct {
	svc *delivery.Service
	log logx.Logger
}

func (g deliveryGate) Deliver(ctx context.Context, d report.Delivery) error {
	if !g.svc.Enabled() {
		g.log.Debug("delivery disabled; artifact kept", logx.String("version", d.VersionID))
		return nil
	}
	return g.svc.Deliver(ctx, d)
}

func (a *App) Store() storage.Store          { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Pipeline() *pipeline.Pipeline  { return a.pipe }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Delivery() *delivery.Service   { return a.delivery }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	c := a.sup.Context()
	a.delivery.Start(c)
	a.engine.Start(c)
	if err := a.sched.Start(c); err != nil {
		return err
	}
	a.ops.Start(c)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(wd / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}

	a.log.Info("app started",
		logx.String("owner", a.sched.Owner()),
		logx.Bool("scheduler", a.sched.Running()),
		logx.Bool("delivery", a.delivery.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasRunning := a.sched.Running()
		if err := a.sched.Apply(schedCfg); err != nil {
			a.log.Warn("scheduler config rejected", logx.Err(err))
		}
		switch {
		case wasRunning && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasRunning && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(c); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	if pipeCfg, err := mapPipelineConfig(newCfg); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.pipe.Apply(pipeCfg)
	}

	if delCfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		prev := a.delivery.Enabled()
		a.delivery.Apply(delCfg)
		switch {
		case prev && !delCfg.Enabled:
			a.log.Info("delivery disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.delivery.Stop(stopCtx)
			cancel()
		case !prev && delCfg.Enabled:
			a.log.Info("delivery enabled via config")
			a.delivery.Start(c)
		}
	}

	if opsCfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, opsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Scheduler first so nothing new is claimed; stopping the engine then
	// cancels in-flight cycles, which release their claims.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(stepCtx)
		if stepCtx.Err() != nil {
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("taskengine", 5*time.Second, a.engine.Stop)
	step("delivery", 5*time.Second, a.delivery.Stop)
	step("ops", time.Second, a.ops.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) {
		if err := a.sup.Stop(c); err != nil && c.Err() == nil {
			a.log.Warn("supervisor stopped with error", logx.Err(err))
		}
	})
	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
