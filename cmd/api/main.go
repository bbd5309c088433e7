// Command api runs the CRUD/auth HTTP surface over the job store: job
// create/list/get/update/delete, trigger/pause/resume/cancel, execution
// history and aggregate stats. It never claims or executes a job itself
// — that's cmd/worker's job, running as any number of independent
// processes against the same Postgres database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "chronos/configs"
	"chronos/pkg/api"
	"chronos/pkg/coordination"
	"chronos/pkg/coordination/etcd"
	"chronos/pkg/logger"
	"chronos/pkg/storage/postgres"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	zapLogger, err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: "json", OutputPath: "stdout", Service: "chronos-api"})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	store, err := postgres.New(connStr)
	if err != nil {
		zapLogger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	zapLogger.Info("postgres connected & schema migrated")

	// Coordination is optional: without ETCD_ENDPOINTS configured the API
	// runs single-node and /api/v1/cluster/leader reports disabled.
	var coordinator coordination.Coordinator
	if len(cfg.EtcdEndpoints) > 0 && cfg.EtcdEndpoints[0] != "" {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, 10)
		if err != nil {
			zapLogger.Warn("etcd coordination unavailable, continuing single-node", zap.Error(err))
		} else {
			coordinator = etcdCoord
			defer etcdCoord.Close()
			zapLogger.Info("etcd coordination connected")
		}
	}

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		JobStore:    store,
		LogStore:    store,
		Coordinator: coordinator,
	})

	go func() {
		if err := server.Start(); err != nil {
			zapLogger.Error("api server error", zap.Error(err))
		}
	}()
	zapLogger.Info("api server started", zap.String("port", cfg.APIPort))

	sig := <-sigChan
	zapLogger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("shutdown error", zap.Error(err))
	}

	cancel()
	zapLogger.Info("shutdown complete")
}
