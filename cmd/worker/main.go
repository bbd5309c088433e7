// Command worker runs the poll -> claim -> execute orchestrator against
// the Postgres job store: one process, any number of which can run
// concurrently against the same database, each independently polling,
// claiming, executing, and recovering stale locks.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	config "chronos/configs"
	"chronos/pkg/coordination"
	"chronos/pkg/coordination/etcd"
	"chronos/pkg/executor"
	"chronos/pkg/executor/runner"
	"chronos/pkg/logger"
	"chronos/pkg/metrics"
	"chronos/pkg/observability"
	"chronos/pkg/picker"
	"chronos/pkg/storage/postgres"
	"chronos/pkg/worker"
	"chronos/pkg/worker/events"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	zapLogger, err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: "json", OutputPath: "stdout", Service: "chronos-worker"})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	tracingCfg := tracing.DefaultConfig("chronos-worker")
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Endpoint = cfg.OTLPEndpoint
	provider, err := tracing.Init(context.Background(), tracingCfg)
	if err != nil {
		zapLogger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer provider.Shutdown(context.Background())

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	store, err := postgres.New(connStr)
	if err != nil {
		zapLogger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	zapLogger.Info("postgres connected & schema migrated")

	registry := executor.NewRegistry()
	registry.Register("shell", runner.NewHandler(runner.NewShellRunner()))

	p := picker.New(store)
	ex := executor.New(store, store, registry)

	// Coordination is optional: without ETCD_ENDPOINTS configured, every
	// worker in the fleet runs the stale-recovery sweep on every tick,
	// which is still correct (P7), just redundant against the store.
	var election coordination.Election
	var coordinator coordination.Coordinator
	if len(cfg.EtcdEndpoints) > 0 && cfg.EtcdEndpoints[0] != "" {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, 10)
		if err != nil {
			zapLogger.Warn("etcd coordination unavailable, every worker will run stale recovery", zap.Error(err))
		} else {
			coordinator = etcdCoord
			election = etcdCoord.NewElection("chronos-stale-recovery")
			zapLogger.Info("etcd coordination connected, campaigning for stale-recovery leadership")
		}
	}
	if coordinator != nil {
		defer coordinator.Close()
	}

	workerCfg := worker.Config{
		PollInterval:          cfg.PollInterval,
		StaleRecoveryInterval: cfg.StaleRecoveryInterval,
		Concurrency:           cfg.Concurrency,
		DrainTimeout:          cfg.DrainTimeout,
		WorkerID:              cfg.WorkerID,
		Election:              election,
	}
	w := worker.New(workerCfg, p, ex, registry)

	w.Events.On(func(event string, payload events.Payload) {
		zapLogger.Info("worker event", zap.String("event", event), zap.String("job_id", payload.JobID), zap.String("error", payload.Error))
		if event == events.JobComplete {
			metrics.JobsByStatus.WithLabelValues("completed").Inc()
		}
	})

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		zapLogger.Fatal("failed to start worker", zap.Error(err))
	}
	zapLogger.Info("worker started", zap.String("worker_id", workerCfg.WorkerID), zap.Int("concurrency", workerCfg.Concurrency))

	worker.WaitForSignal()
	zapLogger.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := w.Stop(drainCtx); err != nil {
		zapLogger.Error("drain error", zap.Error(err))
	}
	zapLogger.Info("shutdown complete")
}
