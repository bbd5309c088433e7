package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chronos/pkg/api/middleware"
	"chronos/pkg/coordination"
	"chronos/pkg/logger"
	"chronos/pkg/storage"
)

// Server is the thin CRUD/auth HTTP layer in front of the job store: it
// never claims, executes, or schedules jobs itself, it only validates
// requests and performs the conditional store writes a human operator
// (or another service) triggers directly — createJob, pause/resume,
// trigger-now, reading back executions.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	jobStore storage.JobStore
	logStore storage.LogStore

	// coordinator is optional: when set, the server campaigns for a named
	// election so /api/v1/cluster/leader can report which API replica
	// currently owns cluster-wide singleton duties. Nil in single-node
	// deployments.
	coordinator coordination.Coordinator
	election    coordination.Election
}

// Config holds API server configuration.
type Config struct {
	Port        string
	JobStore    storage.JobStore
	LogStore    storage.LogStore
	Coordinator coordination.Coordinator
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router:      router,
		jobStore:    cfg.JobStore,
		logStore:    cfg.LogStore,
		coordinator: cfg.Coordinator,
	}

	if s.coordinator != nil {
		s.election = s.coordinator.NewElection("chronos-api-leader")
		host, _ := os.Hostname()
		go func() {
			if err := s.election.Campaign(context.Background(), host); err != nil {
				logger.Warn("api leader election campaign failed", zap.Error(err))
			}
		}()
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	logger.Info("api server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("api server shutting down")
	if s.election != nil {
		_ = s.election.Resign(ctx)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.createJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.PATCH("/:id", s.updateJob)
			jobs.DELETE("/:id", s.deleteJob)
			jobs.POST("/:id/trigger", s.triggerJob)
			jobs.POST("/:id/pause", s.pauseJob)
			jobs.POST("/:id/resume", s.resumeJob)
			jobs.POST("/:id/cancel", s.cancelJob)
			jobs.GET("/:id/executions", s.listJobExecutions)
		}

		executions := v1.Group("/executions")
		{
			executions.GET("/:id", s.getExecution)
		}

		stats := v1.Group("/stats")
		{
			stats.GET("/status", s.statsByStatus)
			stats.GET("/task-types", s.statsByTaskType)
			stats.GET("/hourly", s.statsHourly)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"postgres": s.jobStore != nil,
	}
	if s.coordinator != nil {
		deps["etcd"] = true
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
