package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulsebot/internal/config"
	"pulsebot/internal/delivery"
	"pulsebot/internal/eventbus"
	"pulsebot/internal/metrics"
	"pulsebot/internal/notify"
	"pulsebot/internal/pulse"
	"pulsebot/internal/render"
	"pulsebot/internal/runner"
	rtsup "pulsebot/internal/runtime/supervisor"
	"pulsebot/internal/storage"
	"pulsebot/internal/tracing"
	logx "pulsebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	queueStore delivery.Store
	queue      *delivery.Queue
	runner     *runner.Runner
	pulse      *pulse.Job
	metrics    *metrics.Collector
	ops        *metrics.Server
	traceStop  tracing.Shutdown
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.Component("config")))

	a, err := build(ctx, cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires components from cfg. It is split from New so tests can skip the config file.
func build(ctx context.Context, cfg *config.Config, log logx.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.With(logx.Component("app")), bus: eventbus.New()}

	tp, traceStop, err := tracing.Setup(ctx, mapTracingConfig(cfg), Version)
	if err != nil {
		return nil, err
	}
	a.traceStop = traceStop
	if cfg.Tracing.Enabled {
		a.log.Info("tracing enabled", logx.String("endpoint", cfg.Tracing.Endpoint))
	}

	fail := func(err error) (*App, error) {
		_ = a.closeStores()
		_ = a.traceStop(context.WithoutCancel(ctx))
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, sc, log.With(logx.Component("storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	a.store = store

	a.queueStore = a.openQueueStore(ctx, cfg)

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rcfg, err := mapRenderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	tmpl, err := render.New(rcfg)
	if err != nil {
		return fail(err)
	}
	n, err := buildNotifier(cfg, log)
	if err != nil {
		return fail(err)
	}
	qopts := []delivery.Option{
		delivery.WithRenderer(tmpl),
		delivery.WithBus(a.bus),
		delivery.WithTracer(tp.Tracer("pulsebot/delivery")),
	}
	if n != nil {
		qopts = append(qopts, delivery.WithNotifier(n))
	}
	a.queue = delivery.New(dcfg, a.queueStore, log.With(logx.Component("delivery")), qopts...)

	pcfg, err := mapPulseConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.pulse = pulse.New(pcfg, a.store, a.queue, log.With(logx.Component("pulse")), pulse.WithBus(a.bus), pulse.WithTracer(tp.Tracer("pulsebot/pulse")))

	runCfg, spec, err := mapRunnerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.runner = runner.New(runCfg, log.With(logx.Component("runner")))
	a.runner.RegisterOpt(PulseJobName, spec.Spec, spec.Opt, a.pulse.Run)

	a.metrics = metrics.New(log.With(logx.Component("metrics")))
	a.metrics.WatchBus(a.bus)
	a.ops = metrics.NewServer(a.metrics, a.health, log.With(logx.Component("ops")))
	return a, nil
}

// openQueueStore dials Redis when configured. An unreachable Redis falls back
// to memory so invite creation never blocks on delivery infrastructure.
func (a *App) openQueueStore(ctx context.Context, cfg *config.Config) delivery.Store {
	rc, ok := mapRedisConfig(cfg)
	if !ok {
		return delivery.NewMemoryStore()
	}
	dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rs, err := delivery.DialRedis(dctx, rc)
	if err != nil {
		a.log.Warn("redis unavailable; delivery jobs will be kept in memory", logx.String("addr", rc.Addr), logx.Err(err))
		return delivery.NewMemoryStore()
	}
	a.log.Info("delivery queue backed by redis", logx.String("addr", rc.Addr))
	return rs
}

func (a *App) health(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if _, err := a.queue.GetMetrics(ctx); err != nil {
		return fmt.Errorf("delivery store: %w", err)
	}
	return nil
}

// Queue exposes the delivery queue for operators (metrics, requeue).
func (a *App) Queue() *delivery.Queue { return a.queue }

// Store exposes the invitation store for seed tooling.
func (a *App) Store() storage.Store { return a.store }

// SetNotifier attaches a transport after startup.
func (a *App) SetNotifier(n notify.Notifier) { a.queue.SetNotifier(n) }

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

// Start launches the delivery workers, the runner timers, metrics and config
// hot reload. When scheduler.enabled is false the runner stays idle and jobs
// only run through Trigger.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.queue.Start(runCtx); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := a.runner.Start(runCtx); err != nil {
			// Invalid specs only disable their own job.
			a.log.Error("some jobs were not scheduled", logx.Err(err))
		}
	} else {
		a.log.Info("scheduler disabled; jobs run only via trigger")
	}

	a.sup.Go("metrics", func(c context.Context) error {
		a.metrics.Run(c, a.bus, a.queue, 15*time.Second)
		return nil
	})
	a.ops.Apply(runCtx, cfg.Metrics.Addr)

	if a.cfgm != nil {
		sub, unsubscribe := a.cfgm.Subscribe(4)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer unsubscribe()
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			// Losing hot reload is not fatal.
			if err := a.cfgm.Watch(c); err != nil {
				a.log.Warn("config watcher stopped", logx.Err(err))
			}
			return nil
		})
	}

	a.log.Info("app started", logx.Bool("scheduler", cfg.Scheduler.Enabled), logx.Bool("delivery", a.queue.Running()))
	return nil
}

// Trigger runs a registered job once and returns its error.
func (a *App) Trigger(ctx context.Context, name string) error {
	return a.runner.Trigger(ctx, name)
}

// Drain waits until no delivery job is waiting or active, or ctx ends.
// Delayed retries are left in the store.
func (a *App) Drain(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		m, err := a.queue.GetMetrics(ctx)
		if err != nil {
			return err
		}
		if m.Waiting == 0 && m.Active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Status reports the runner's jobs.
func (a *App) Status() []runner.JobStatus { return a.runner.Status() }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Timers first so no new tick starts, then drain deliveries.
	a.step(ctx, "runner", 5*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	a.step(ctx, "delivery", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "stores", 2*time.Second, func(context.Context) error { return a.closeStores() })
	a.step(ctx, "tracing", 5*time.Second, func(c context.Context) error { return a.traceStop(c) })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("routines still running: %v", a.sup.Running())
			}
			return err
		})
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.queueStore != nil {
		errs = append(errs, a.queueStore.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
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
