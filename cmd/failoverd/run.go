package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "failoverd/configs"
	"failoverd/pkg/adapter"
	"failoverd/pkg/api"
	"failoverd/pkg/coordination"
	"failoverd/pkg/coordination/consul"
	"failoverd/pkg/coordination/etcd"
	"failoverd/pkg/failover"
	"failoverd/pkg/logger"
	tracing "failoverd/pkg/observability"
)

// adapterFactory builds the application adapter once the coordination
// backend is connected. The returned func releases the adapter's resources.
type adapterFactory func(coordination.Coordinator, *zap.Logger) (adapter.Adapter, func() error, error)

func run(cfg *config.Config, build adapterFactory) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		Output:   cfg.Log.Output,
		Cluster:  cfg.Cluster,
		Node:     cfg.Identity,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "failoverd",
		Cluster:      cfg.Cluster,
		Node:         cfg.Identity,
		Endpoint:     cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	coord, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer coord.Close()
	log.Info("Connected to coordination backend", zap.String("backend", cfg.Backend.Kind))

	app, closeApp, err := build(coord, log.Named("adapter"))
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}
	defer closeApp()

	registration := failover.NewRegistration(coord, coordination.Service{
		Name:    cfg.Cluster,
		Address: cfg.Address,
		Port:    cfg.AppPort,
	}, log.Named("registry"))

	node := failover.NewCoordinator(failover.Config{
		Identity:        cfg.Identity,
		Interval:        cfg.Loop.Interval,
		OpTimeout:       cfg.Loop.OpTimeout,
		ReleaseTimeout:  cfg.Loop.ReleaseTimeout,
		DisableFlagFile: cfg.Loop.DisableFlagFile,
	}, coord.NewLock(cfg.Cluster, cfg.Identity), app, registration, log.Named("failover"))

	srv := api.NewServer(api.Config{Port: cfg.APIPort, Node: node, Logger: log.Named("api")})
	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	regCtx, cancel := context.WithTimeout(ctx, cfg.Loop.OpTimeout)
	err = registration.Register(regCtx)
	cancel()
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}

	log.Info("Starting coordination loop",
		zap.String("lock", cfg.Cluster),
		zap.Duration("interval", cfg.Loop.Interval),
		zap.Duration("lock_ttl", cfg.Backend.LockTTL))
	loopDone := make(chan struct{})
	go func() {
		node.Run(ctx)
		close(loopDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-serveErr:
		log.Error("API server failed", zap.Error(runErr))
		stop()
	}
	<-loopDone

	// release before the API goes away so the registry sees the entry
	// removed rather than failing
	if err := node.Shutdown(context.Background()); err != nil {
		log.Warn("Shutdown incomplete", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
	return runErr
}

func newBackend(cfg *config.Config) (coordination.Coordinator, error) {
	switch cfg.Backend.Kind {
	case config.BackendConsul:
		cc := consul.DefaultConfig()
		cc.Address = cfg.Backend.ConsulAddress
		cc.TTL = cfg.Backend.LockTTL
		cc.CheckURL = fmt.Sprintf("http://127.0.0.1:%d/health", cfg.APIPort)
		cc.CheckInterval = cfg.Backend.CheckInterval
		cc.RequestTimeout = cfg.Loop.OpTimeout
		return consul.NewConsulCoordinator(cc)
	default:
		return etcd.NewEtcdCoordinator(cfg.Backend.EtcdEndpoints, int(cfg.Backend.LockTTL/time.Second))
	}
}
