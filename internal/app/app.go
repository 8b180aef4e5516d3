// Package app wires chainwatch together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"chainwatch/internal/chain"
	"chainwatch/internal/chain/ethrpc"
	"chainwatch/internal/config"
	"chainwatch/internal/eventbus"
	"chainwatch/internal/indexer"
	"chainwatch/internal/observability/metrics"
	"chainwatch/internal/runtime/supervisor"
	"chainwatch/internal/storage"
	"chainwatch/internal/subscription"
	"chainwatch/internal/task"
	"chainwatch/internal/task/chainhead"
	"chainwatch/internal/task/scheduler"
	"chainwatch/internal/task/worker"
	"chainwatch/internal/transport"
	"chainwatch/internal/transport/httpapi"
	logx "chainwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger
	sup  *supervisor.Supervisor
	bus  eventbus.Bus

	store  storage.Store
	events *storage.Prefixed

	metricsShutdown func(context.Context) error

	workers  *worker.Service
	sched    *scheduler.Service
	rpc      *ethrpc.Client
	poller   *chain.Poller
	heads    *chainhead.Service
	indexers *indexer.Manager
	subs     *subscription.Registry
	hub      *transport.Hub
	http     *httpapi.Server
}

// New loads the config, sets up logging and opens the store. Network
// components are created by Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logs, log := logx.New(mapLogging(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorage(cfg.Storage)
	if err != nil {
		logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}
	events, err := storage.WithPrefix(eventsPrefix, store)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}

	return &App{
		cfgm:   cfgm,
		cfg:    cfg,
		logs:   logs,
		log:    log,
		bus:    eventbus.New(),
		store:  store,
		events: events,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports errors recorded by supervised goroutines.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg
	// A failing HTTP listener ends the run; everything else is restarted or
	// retried by its owner.
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	shutdown, err := metrics.Setup(mapMetrics(cfg.Metrics), a.log.With(logx.String("comp", "metrics")))
	if err != nil {
		return err
	}
	a.metricsShutdown = shutdown
	tm, err := metrics.NewTasks(nil)
	if err != nil {
		return err
	}

	a.workers = worker.New(mapWorkers(cfg.Workers), a.log, worker.WithEventBus(a.bus), worker.WithMetrics(tm))
	a.workers.Start(runCtx)
	a.sched = scheduler.New(a.workers, a.log)

	if strings.TrimSpace(cfg.Chain.RPCURL) != "" {
		if err := a.startChain(ctx); err != nil {
			return err
		}
	}

	policy, _ := subscription.ParseFailurePolicy(cfg.Subscriptions.OnError)
	var head subscription.Scheduler
	if a.heads != nil {
		head = a.heads
	}
	a.subs = subscription.New(a.sched, head, a.log)
	if err := a.registerChannels(a.subs, channelDefaults{
		interval: dur(cfg.Subscriptions.Interval),
		timeout:  dur(cfg.Subscriptions.QueryTimeout),
		onError:  policy,
	}); err != nil {
		return err
	}

	if err := a.startJobs(cfg.Subscriptions.Jobs); err != nil {
		return err
	}

	a.hub = transport.NewHub(cfg.Subscriptions.SessionBuffer, a.log)
	a.hub.OnClose(func(id string) { a.subs.UnsubscribeAll(id) })
	a.http = httpapi.New(mapHTTP(cfg.HTTP), a.hub, a.subs, a.Status, a.log)

	a.sup.Go0("events.forward", a.forwardEvents)
	a.sup.Go("http", a.http.Serve)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyConfig)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("started",
		logx.Int("channels", len(a.subs.Channels())),
		logx.Int("sources", len(cfg.Indexer.Sources)),
		logx.Bool("chain", a.heads != nil),
	)
	return nil
}

func (a *App) startChain(ctx context.Context) error {
	cfg := a.cfg
	rc, err := mapRPC(cfg.Chain)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.rpc, err = ethrpc.Dial(dialCtx, rc, a.log)
	if err != nil {
		return err
	}

	a.poller = chain.NewPoller(a.rpc, a.bus, dur(cfg.Chain.PollInterval), a.log)
	a.sup.Go0("chain.poller", func(ctx context.Context) { _ = a.poller.Run(ctx) })

	a.heads = chainhead.New(a.poller, a.workers, mapChainHead(cfg.ChainHead), a.log)
	a.heads.Start(a.sup.Context())

	a.indexers = indexer.NewManager(a.sched, a.rpc, a.store, a.bus, a.log)
	for _, sc := range cfg.Indexer.Sources {
		src := mapSource(sc)
		src.Fallback = a.storeEvents(src.Key)
		if _, err := a.indexers.Add(src); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) startJobs(jobs []config.JobConfig) error {
	for _, j := range jobs {
		rec, err := task.ParseRecurrence(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		t := task.New(j.Name, a.compactEvents(j.KeepBlocks), task.WithRecurrence(rec))
		if rec.Kind() == task.KindOnHead {
			if a.heads == nil {
				return fmt.Errorf("job %s: head schedule requires chain.rpc_url", j.Name)
			}
			if err := a.heads.Add(t); err != nil {
				return err
			}
			continue
		}
		if next, ok := rec.Next(time.Now()); ok {
			t.NextRun = next
		}
		if err := a.sched.Add(t); err != nil {
			return err
		}
		a.log.Info("job scheduled", logx.String("job", j.Name), logx.String("schedule", rec.String()))
	}
	return nil
}

// applyConfig applies hot-reloadable settings. Only logging is reloaded;
// other changes need a restart.
func (a *App) applyConfig(ctx context.Context) {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logs.Apply(mapLogging(cfg.Logging))
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// Status is the payload of GET /status.
func (a *App) Status(ctx context.Context) (any, error) {
	out := map[string]any{
		"workers":    a.workers.Snapshot(),
		"scheduler":  a.sched.Snapshot(),
		"supervisor": a.sup.Counters(),
		"sessions":   a.hub.Len(),
		"rooms":      a.hub.Rooms(),
		"subs":       a.subs.Snapshot(),
	}
	if a.heads != nil {
		out["chain_head"] = a.heads.Snapshot()
		out["latest_block"] = a.poller.Latest()
	}
	if a.indexers != nil {
		st, err := a.indexers.Status(ctx)
		if err != nil {
			return nil, err
		}
		out["indexers"] = st
	}
	return out, nil
}

// Stop shuts components down in dependency order. Each step is bounded; all
// step errors are returned together.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-stepCtx.Done():
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("subscriptions", time.Second, func(context.Context) error {
		if a.subs != nil {
			a.subs.Close()
		}
		if a.hub != nil {
			a.hub.CloseAll()
		}
		return nil
	})
	step("indexers", time.Second, func(context.Context) error {
		if a.indexers != nil {
			a.indexers.Stop()
		}
		return nil
	})
	step("scheduler", time.Second, func(context.Context) error {
		if a.sched != nil {
			a.sched.Stop()
		}
		return nil
	})
	step("chainhead", 2*time.Second, func(c context.Context) error {
		if a.heads != nil {
			return a.heads.Stop(c)
		}
		return nil
	})
	step("workers", 3*time.Second, func(c context.Context) error {
		if a.workers != nil {
			return a.workers.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("metrics", time.Second, func(c context.Context) error {
		if a.metricsShutdown != nil {
			return a.metricsShutdown(c)
		}
		return nil
	})
	if err := a.closeResources(); err != nil {
		errs = multierror.Append(errs, err)
	}

	err := errs.ErrorOrNil()
	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	_ = a.logs.Close()
	return err
}

func (a *App) closeResources() error {
	if a.rpc != nil {
		a.rpc.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	return nil
}
