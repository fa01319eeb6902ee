// jobs-service is the HTTP API server for the job lifecycle engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"jobsengine/internal/api"
	"jobsengine/internal/broadcast"
	"jobsengine/internal/config"
	"jobsengine/internal/executor"
	"jobsengine/internal/health"
	"jobsengine/internal/job"
	"jobsengine/internal/notify"
	"jobsengine/internal/observability"
	"jobsengine/internal/orchestrator"
	"jobsengine/internal/pool"
	"jobsengine/internal/registry"
	"jobsengine/internal/store/sqlite"
	"jobsengine/internal/template"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	notifyCfg := notify.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job store
	store, err := sqlite.Open(svcCfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("Opened job store", "path", svcCfg.DBPath)

	reg := registry.New(store)
	bcast := broadcast.New(store, svcCfg.SubscriberBuffer, metrics)
	resolver := template.NewResolver(store)
	notifier := notify.New(notifyCfg, metrics)

	executors, err := buildExecutors(resolver, svcCfg.DBPath)
	if err != nil {
		return err
	}

	workerPool := pool.New(store, reg, bcast, executors, notifier, metrics, pool.Config{
		Slots:       svcCfg.WorkerSlots,
		QueueSize:   svcCfg.QueueSize,
		GracePeriod: svcCfg.CancelGracePeriod,
	})

	// Reconcile jobs interrupted by a previous crash before accepting work.
	if err := workerPool.Recover(ctx); err != nil {
		return err
	}

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	workerPool.Start(poolCtx)

	svc := orchestrator.NewService(store, reg, bcast, workerPool, resolver)

	// Create health checker
	healthChecker := health.NewChecker(store)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Notifier:      notifier,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish
	// in-flight requests (live log streams end with the server)
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the worker pool, then drain the webhook notifier.
	// Interrupted jobs are marked failed on the next startup by Recover.
	slog.Info("Stopping worker pool")
	poolCancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := workerPool.Stop(stopCtx); err != nil {
		slog.Warn("Worker pool shutdown error", "error", err)
	}

	slog.Info("Draining webhook notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// buildExecutors registers one executor per job kind.
func buildExecutors(resolver *template.Resolver, dbPath string) (*executor.Registry, error) {
	runner := executor.ExecRunner{}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	cacheDir := filepath.Join(filepath.Dir(dbPath), "model-cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}

	executors := executor.NewRegistry()
	executors.Register(job.KindDeployment, executor.NewDeployment(executor.NewKubectlApplier(runner)))
	executors.Register(job.KindImageBuild, executor.NewImageBuild(dockerClient, resolver, executor.DirArchiver{}))
	executors.Register(job.KindVenvBuild, executor.NewVenv(resolver, runner))
	executors.Register(job.KindModelMirror, executor.NewMirror(executor.NewHubTransport(runner, cacheDir)))
	return executors, nil
}
