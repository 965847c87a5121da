package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bifrost-hq/bifrost/cmd/worker/runner"
	"github.com/bifrost-hq/bifrost/common/bootstrap"
	"github.com/bifrost-hq/bifrost/common/discovery"
	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/repository"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	cfg := components.Config
	log.Info("worker starting", "pool_size", cfg.Worker.PoolSize)

	// Repositories
	files := repository.NewFileIndexRepository(components.DB)
	entities := repository.NewEntityRepository(components.DB)
	executions := repository.NewExecutionRepository(components.DB)

	// Workspace plumbing: store, cache, bus, module resolver
	store := workspace.NewStore(files, components.S3, log)
	cache := workspace.NewCache(components.Redis, log)
	bus := workspace.NewBus(components.Redis, cfg.Workspace.Channel, log)
	modules := workspace.NewModuleResolver(components.Redis, store, log)

	// Local working copy: pull the mirror, index read-only, subscribe
	indexer := discovery.NewIndexer(cfg.Workspace.Root, store, cache, bus, entities, cfg.Workspace.Exclude, log)
	syncer := workspace.NewSyncer(cfg.Workspace.Root, store, cache, bus, modules, log)
	syncer.OnApplied(indexer.HandleApplied)

	if err := syncer.Bootstrap(ctx); err != nil {
		log.Error("workspace bootstrap failed", "error", err)
		os.Exit(1)
	}
	if err := indexer.Reindex(ctx, false); err != nil {
		log.Error("startup reindex failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := syncer.Run(ctx); err != nil {
			log.Error("workspace sync stopped", "error", err)
		}
	}()

	// Execution pipeline
	dispatcher := dispatch.NewDispatcher(executions, components.Redis, components.Queue, cfg.Workspace.ContextTTL, log)

	engine, err := runner.NewSubprocessEngine(cfg.Worker.EngineCommand)
	if err != nil {
		log.Error("invalid engine command", "error", err)
		os.Exit(1)
	}

	// Cached pip requirements, if any, land in the engine environment
	// before the first job. Failures never block startup.
	runner.BootstrapRequirements(ctx, components.Redis, engine, log)

	processor := runner.NewProcessor(executions, components.Redis, dispatcher, modules, engine, cfg.Worker.ExecutionTTL, log)
	pool := runner.NewPool(cfg.Worker.PoolSize, components.Queue, processor, log)

	if err := pool.Start(ctx); err != nil {
		log.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Retention: terminal executions age out in the background
	go runRetention(ctx, executions, cfg.Worker.RetentionWindow, components)

	log.Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// in-flight jobs finish before the pool releases
	pool.Stop()
	cancel()

	log.Info("worker shutting down gracefully")
}

// runRetention deletes terminal executions older than the window
func runRetention(ctx context.Context, executions *repository.ExecutionRepository, window time.Duration, components *bootstrap.Components) {
	if window <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := executions.DeleteTerminalBefore(ctx, time.Now().Add(-window))
			if err != nil {
				components.Logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				components.Logger.Info("retention sweep complete", "deleted", deleted)
			}
		}
	}
}
