// Package app wires the scheduling core together: config, logging, store,
// breakers, executors, queue processor, trigger engine, health monitor and
// notification pipeline.
package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/breaker"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/executor"
	"postbot/internal/health"
	"postbot/internal/job"
	"postbot/internal/notify"
	"postbot/internal/queue"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/sched"
	"postbot/internal/store"
	"postbot/internal/transport/telegram"
	"postbot/pkg/logx"
)

// App is the assembled process.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    store.Store
	breakers *breaker.Registry
	execs    *executor.Registry
	notify   *notify.Service
	queue    *queue.Processor
	engine   *sched.Engine
	monitor  *health.Monitor
	telegram *telegram.Adapter

	sup *supervisor.Supervisor
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	logSvc, log := logx.New(logx.Config{Level: "info", Console: true})

	mgr := config.NewManager(cfgPath, log)
	cfg, err := mgr.Load()
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	logSvc.Apply(cfg.Log.Build())

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, bus: eventbus.New()}

	storeCfg, err := cfg.Store.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	if a.store, err = store.Open(storeCfg); err != nil {
		return nil, a.failNew(err)
	}

	defaults, overrides, err := cfg.Breaker.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	a.breakers = breaker.NewRegistry(defaults, overrides, log, a.bus)
	a.execs = executor.NewRegistry()

	tgCfg, err := cfg.Telegram.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	var sink notify.Sink = notify.LogSink{Log: log}
	if tgCfg.Token != "" {
		if a.telegram, err = telegram.New(tgCfg, log); err != nil {
			return nil, a.failNew(err)
		}
		if tgCfg.OperatorChatID != 0 {
			sink = a.telegram
		}
	}

	notifyCfg, err := cfg.Notify.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	a.notify = notify.New(notifyCfg, sink, log)

	queueCfg, err := cfg.Queue.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	a.queue = queue.New(queueCfg, a.store, a.execs, a.breakers, a.notify, log, a.bus)

	schedCfg, err := cfg.Sched.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	a.engine = sched.New(schedCfg, a.store, log, a.bus)

	healthCfg, err := cfg.Health.Build()
	if err != nil {
		return nil, a.failNew(err)
	}
	a.monitor = health.New(healthCfg, a.breakers, a.store, a.notify, log, a.bus)
	a.monitor.RegisterProbe("store", a.store.Ping)
	if a.telegram != nil {
		a.monitor.RegisterProbe("telegram", a.telegram.Ping)
	}

	return a, nil
}

func (a *App) failNew(err error) error {
	if a.store != nil {
		a.store.Close()
	}
	a.logSvc.Close()
	return fmt.Errorf("app: %w", err)
}

// RegisterExecutor binds a job kind before Start.
func (a *App) RegisterExecutor(kind job.Kind, b executor.Binding) error {
	return a.execs.Register(kind, b)
}

// Telegram returns the adapter, nil when no token is configured.
func (a *App) Telegram() *telegram.Adapter { return a.telegram }

// Engine exposes the trigger engine for command surfaces.
func (a *App) Engine() *sched.Engine { return a.engine }

// Start launches every loop under the supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go("config.apply", a.applyLoop)
	a.sup.GoRestart("queue.run", a.queue.Run)
	a.sup.GoRestart("queue.recovery", a.queue.RunRecovery)
	a.sup.GoRestart("sched.reconcile", a.engine.RunReconcile)
	a.sup.GoRestart("health.run", a.monitor.Run)
	a.sup.GoRestart("notify.run", a.notify.Run)

	a.log.Info("application started")
	return nil
}

// applyLoop applies hot-reloadable settings from config file changes.
// Only the log section takes effect live; everything else needs a restart.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-ch:
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(cfg.Log.Build())
			a.log.Info("applied reloaded log settings", logx.String("level", cfg.Log.Level))
		}
	}
}

// Stop shuts everything down, waiting up to timeout for loops to exit.
func (a *App) Stop(timeout time.Duration) error {
	a.log.Info("shutting down")
	a.engine.Stop()

	var err error
	if a.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = a.sup.Stop(ctx)
		cancel()
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.logSvc.Close()
	return err
}

// HealthReport is the operator-facing status snapshot.
type HealthReport struct {
	Status     health.Status       `json:"status"`
	Detail     health.Report       `json:"detail"`
	InFlight   int                 `json:"in_flight"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

// Health evaluates system health on demand.
func (a *App) Health(ctx context.Context) HealthReport {
	rep := a.monitor.Check(ctx)
	hr := HealthReport{Status: rep.Status, Detail: rep, InFlight: a.queue.InFlight()}
	if a.sup != nil {
		hr.Supervisor = a.sup.SnapshotNow()
	}
	return hr
}
