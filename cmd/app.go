package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/upstream-pool/config"
	"github.com/angeloszaimis/upstream-pool/internal/backend"
	"github.com/angeloszaimis/upstream-pool/internal/connpool"
	"github.com/angeloszaimis/upstream-pool/internal/endpoint"
	"github.com/angeloszaimis/upstream-pool/internal/handler"
	"github.com/angeloszaimis/upstream-pool/internal/health"
	"github.com/angeloszaimis/upstream-pool/internal/healthcheck"
	"github.com/angeloszaimis/upstream-pool/internal/httpserver"
	"github.com/angeloszaimis/upstream-pool/internal/loadbalancer"
	"github.com/angeloszaimis/upstream-pool/internal/metrics"
	"github.com/angeloszaimis/upstream-pool/internal/strategy"
	"github.com/angeloszaimis/upstream-pool/pkg/logger"
)

const metricsBufferSize = 1024

// app wires every component of one running proxy.
type app struct {
	log   *slog.Logger
	level *slog.LevelVar

	collector *metrics.Collector
	registry  *health.Registry
	pool      *connpool.Manager
	balancer  *loadbalancer.LoadBalancer
	prober    *healthcheck.Prober
	proxy     *handler.ProxyHandler

	strategyName string
	evictEvery   atomic.Int64

	probeMutex sync.Mutex
	probeCtx   context.Context
	probes     map[endpoint.Key]context.CancelFunc
	probeGroup sync.WaitGroup
}

func newApp(cfg *config.Config, log *slog.Logger, level *slog.LevelVar) (*app, error) {
	settings, err := cfg.ConnectionsManager.Settings()
	if err != nil {
		return nil, err
	}
	evictEvery, err := cfg.ConnectionsManager.EvictEvery()
	if err != nil {
		return nil, err
	}
	hc, err := cfg.HealthCheck.Settings()
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(cfg.Strategy.Type, cfg.Strategy.VirtualNodes)
	if err != nil {
		return nil, err
	}

	a := &app{
		log:          log,
		level:        level,
		collector:    metrics.NewCollector(metricsBufferSize, log),
		registry:     health.NewRegistry(hc.Warmup, log),
		strategyName: strat.Name(),
		probes:       make(map[endpoint.Key]context.CancelFunc),
	}
	a.evictEvery.Store(int64(evictEvery))

	a.registry.OnChange(func(key endpoint.Key, status health.Status) {
		a.collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventHealthChanged,
			Backend: key.HostPort(),
			Healthy: status != health.StatusDown,
		})
	})

	a.pool = connpool.NewManager(settings,
		connpool.WithLogger(log),
		connpool.WithHealth(a.registry),
		connpool.WithMetrics(a.collector))
	a.balancer = loadbalancer.NewLoadBalancer(strat, a.registry, buildBackends(cfg))
	a.prober = healthcheck.New(a.registry, hc.Interval, hc.Timeout, hc.Path, log)
	a.proxy = handler.NewProxyHandler(log, a.balancer, a.pool, a.collector)

	return a, nil
}

func buildBackends(cfg *config.Config) []*backend.Backend {
	backends := make([]*backend.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backends = append(backends, backend.New(bc.Key(), bc.Weight))
	}
	return backends
}

// run serves front and admin until ctx is done or a listener fails, then
// shuts everything down.
func (a *app) run(ctx context.Context, front, admin net.Listener) error {
	frontSrv, err := httpserver.New(front.Addr().String(), a.proxy,
		httpserver.WithTimeouts(0, 0, 60*time.Second))
	if err != nil {
		return err
	}
	adminSrv, err := httpserver.New(admin.Addr().String(),
		newAdminMux(a.collector, a.pool, a.registry, a.strategyName))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.collector.Start(ctx)
	a.pool.Start()
	a.startProbes(ctx)

	g.Go(func() error {
		return frontSrv.Serve(front)
	})
	g.Go(func() error {
		return adminSrv.Serve(admin)
	})
	g.Go(func() error {
		a.evictLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("Shutting down gracefully...")

		if err := frontSrv.Shutdown(context.Background()); err != nil {
			a.log.Error("Error during shutdown", slog.Any("err", err))
		}
		if err := adminSrv.Shutdown(context.Background()); err != nil {
			a.log.Error("Error during admin shutdown", slog.Any("err", err))
		}
		a.stopProbes()
		return a.pool.Close()
	})

	return g.Wait()
}

func (a *app) evictLoop(ctx context.Context) {
	timer := time.NewTimer(time.Duration(a.evictEvery.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n := a.pool.Evict(); n > 0 {
				a.log.Debug("Evicted idle connections", slog.Int("count", n))
			}
			timer.Reset(time.Duration(a.evictEvery.Load()))
		}
	}
}

func (a *app) startProbes(ctx context.Context) {
	a.probeMutex.Lock()
	a.probeCtx = ctx
	a.probeMutex.Unlock()

	a.syncProbes(a.balancer.Backends())
}

// syncProbes runs one probe per backend, starting and stopping probes as the
// backend list changes.
func (a *app) syncProbes(backends []*backend.Backend) {
	a.probeMutex.Lock()
	defer a.probeMutex.Unlock()

	if a.probeCtx == nil || a.probeCtx.Err() != nil {
		return
	}

	wanted := make(map[endpoint.Key]bool, len(backends))
	for _, b := range backends {
		key := b.Key()
		wanted[key] = true
		if _, running := a.probes[key]; running {
			continue
		}

		ctx, cancel := context.WithCancel(a.probeCtx)
		a.probes[key] = cancel
		a.probeGroup.Add(1)
		go func() {
			defer a.probeGroup.Done()
			a.prober.Run(ctx, key)
		}()
	}

	for key, cancel := range a.probes {
		if !wanted[key] {
			cancel()
			delete(a.probes, key)
		}
	}
}

func (a *app) stopProbes() {
	a.probeMutex.Lock()
	for key, cancel := range a.probes {
		cancel()
		delete(a.probes, key)
	}
	a.probeMutex.Unlock()

	a.probeGroup.Wait()
}

// reload applies a changed configuration to the running proxy. Listener
// addresses and the strategy only change on restart.
func (a *app) reload(cfg *config.Config) {
	settings, err := cfg.ConnectionsManager.Settings()
	if err != nil {
		a.log.Error("Cannot apply pool settings", slog.Any("err", err))
		return
	}
	a.pool.ApplyConfiguration(settings)

	if every, err := cfg.ConnectionsManager.EvictEvery(); err == nil {
		a.evictEvery.Store(int64(every))
	}

	if a.level != nil {
		a.level.Set(logger.ParseLevel(cfg.Logging.Level))
	}

	if cfg.Strategy.Type != a.strategyName {
		a.log.Warn("Strategy change requires a restart",
			slog.String("running", a.strategyName),
			slog.String("configured", cfg.Strategy.Type))
	}

	a.balancer.SetBackends(buildBackends(cfg))
	a.syncProbes(a.balancer.Backends())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
