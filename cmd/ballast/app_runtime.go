package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/api"
	"github.com/Resinat/Ballast/internal/buildinfo"
	"github.com/Resinat/Ballast/internal/config"
	"github.com/Resinat/Ballast/internal/journal"
	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/monitor"
	"github.com/Resinat/Ballast/internal/priority"
	"github.com/Resinat/Ballast/internal/recovery"
	"github.com/Resinat/Ballast/internal/registry"
	"github.com/Resinat/Ballast/internal/service"
	"github.com/Resinat/Ballast/internal/stats"
	"github.com/Resinat/Ballast/internal/topology"
	"github.com/Resinat/Ballast/internal/weight"
)

const (
	initTimeout     = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type ballastApp struct {
	cfg *config.Config

	journalStore *journal.Store
	journal      *journal.Service

	registry *registry.HTTPRegistry
	topo     *topology.Manager
	stats    *stats.Cache
	prio     *priority.Controller
	weights  *weight.Optimizer
	recovery *recovery.Scheduler
	monitor  *monitor.Monitor

	apiSrv *api.Server
}

func run(cfg *config.Config) error {
	if cfg.WeakAdminToken() {
		log.Warnf("[config] api.admin_token is weak; use a long random token")
	} else if cfg.API.AdminToken == "" {
		log.Warnf("[config] api.admin_token is empty; the admin API is unauthenticated")
	}

	app, err := newBallastApp(cfg)
	if err != nil {
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newBallastApp(cfg *config.Config) (*ballastApp, error) {
	app := &ballastApp{cfg: cfg}
	if err := app.initJournal(); err != nil {
		return nil, err
	}
	if err := app.initTopology(); err != nil {
		app.closeJournal()
		return nil, err
	}
	if err := app.initControllers(); err != nil {
		app.closeJournal()
		return nil, err
	}
	app.buildAPIServer()
	return app, nil
}

func (a *ballastApp) initJournal() error {
	store, err := journal.OpenStore(a.cfg.Journal.Dir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	svc, err := journal.NewService(journal.ServiceConfig{
		Store:         store,
		QueueSize:     a.cfg.Journal.QueueSize,
		Retention:     a.cfg.Journal.Retention,
		PruneSchedule: a.cfg.Journal.PruneSchedule,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	a.journalStore, a.journal = store, svc
	svc.Start()
	log.Infof("[journal] writing to %s", store.Path())
	return nil
}

func (a *ballastApp) initTopology() error {
	dir := registry.NewStaticDirectory(a.cfg.Registry.Instances)
	reg, err := registry.NewHTTPRegistry(dir, a.cfg.Registry.ClientOptions())
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	policy, err := registry.NewPatternPolicy(a.cfg.Policy.AllowPatterns, a.cfg.Policy.DenyPatterns)
	if err != nil {
		return fmt.Errorf("model policy: %w", err)
	}
	a.registry = reg
	a.topo = topology.NewManager(reg, dir, policy, nil, topology.Config{
		TestModel:                    a.cfg.Topology.TestModel,
		BlacklistThreshold:           a.cfg.Topology.BlacklistThreshold,
		KeyValidationIntervalMinutes: a.cfg.Topology.KeyValidationIntervalMinutes,
		RefreshInterval:              a.cfg.Topology.RefreshInterval,
	})

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := a.topo.Init(ctx); err != nil {
		return err
	}
	if a.cfg.Topology.BuildOnStart {
		report, err := a.topo.BuildThreeLayerTopology(ctx, nil)
		if err != nil {
			log.Warnf("[topology] build on start failed: %v", err)
		} else if len(report.Failed) > 0 {
			log.Warnf("[topology] build on start: %d failures: %v", len(report.Failed), report.Failed)
		}
	}
	return nil
}

func (a *ballastApp) initControllers() error {
	cache, err := stats.New(a.registry, stats.Config{TTL: a.cfg.Stats.TTL, MaxEntries: a.cfg.Stats.MaxEntries})
	if err != nil {
		return fmt.Errorf("stats cache: %w", err)
	}
	a.stats = cache
	a.prio = priority.NewController(a.registry, a.topo, cache, priority.Hooks{OnAdjust: a.recordAdjustment})
	a.weights = weight.NewOptimizer(a.registry, a.topo, cache, a.cfg.Weight.WriteDelay, a.recordWeights)
	a.recovery = recovery.NewScheduler(a.registry, a.topo, a.recordRecovery)

	mc := a.cfg.Monitor
	mon, err := monitor.New(monitor.Config{
		OptimizeInterval:      mc.OptimizeInterval,
		HealthCheckInterval:   mc.HealthCheckInterval,
		SmartOptimizeInterval: mc.SmartOptimizeInterval,
		StatusChangeInterval:  mc.StatusChangeInterval,
		RecoveryInterval:      mc.RecoveryInterval,
		LogAnalysisInterval:   mc.LogAnalysisInterval,
		WeightSchedule:        mc.WeightSchedule,
		StatusChangeThreshold: mc.StatusChangeThreshold,
	}, monitor.Deps{
		Registry: a.registry,
		Topology: a.topo,
		Stats:    cache,
		Priority: a.prio,
		Weights:  a.weights,
		Recovery: a.recovery,
	}, monitor.Hooks{
		OnStatusChange: a.recordStatusChange,
		OnValidation:   a.recordValidation,
		OnSweep:        a.recordSweep,
	})
	if err != nil {
		cache.Close()
		return err
	}
	a.monitor = mon
	return nil
}

func (a *ballastApp) buildAPIServer() {
	cp := &service.ControlPlaneService{
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: time.Now().UTC(),
			Instances: lo.Map(a.cfg.Registry.Instances, func(i registry.Instance, _ int) string { return i.ID }),
		},
		Topology: a.topo,
		Priority: a.prio,
		Monitor:  a.monitor,
		Recovery: a.recovery,
		Journal:  a.journal,
	}
	a.apiSrv = api.NewServer(api.Options{
		Addr:         a.cfg.API.Addr(),
		AdminToken:   a.cfg.API.AdminToken,
		MaxBodyBytes: a.cfg.API.MaxBodyBytes,
	}, cp)
}

// start launches the background sweeps and the admin server.
func (a *ballastApp) start() <-chan error {
	a.topo.Start()
	if err := a.monitor.Start(); err != nil {
		errCh := make(chan error, 1)
		errCh <- err
		return errCh
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Infof("[api] listening on http://%s", a.cfg.API.Addr())
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Infof("received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Errorf("%v, shutting down", err)
		return err
	}
}

// shutdown stops event sources first, then the journal that records them.
func (a *ballastApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Warnf("[api] shutdown: %v", err)
	}
	a.monitor.Stop()
	a.topo.Stop()
	a.stats.Close()
	a.closeJournal()
	log.Infof("ballast stopped")
}

func (a *ballastApp) closeJournal() {
	if a.journal != nil {
		a.journal.Stop()
	}
	if a.journalStore != nil {
		if err := a.journalStore.Close(); err != nil {
			log.Warnf("[journal] close: %v", err)
		}
	}
}
