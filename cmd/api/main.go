package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fislearning/fischat/internal/api"
	"github.com/fislearning/fischat/internal/bootstrap"
	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
	"github.com/fislearning/fischat/internal/telemetry"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize tracing")
	}

	collector := metrics.New()

	app, err := bootstrap.NewApp(ctx, cfg, appLogger, collector)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	app.Start(ctx)

	// Setup router
	router := api.SetupRouter(api.Services{
		Submission: app.Submission,
		Status:     app.Status,
		Models:     app.Models,
		Jobs:       app.Store,
		Metrics:    collector,
	}, cfg.Server, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port":        cfg.Server.Port,
			"mode":        cfg.Server.Mode,
			"store":       cfg.Store.Driver,
			"admission":   cfg.Admission.Backend,
			"max_upload":  cfg.Upload.MaxBytes,
			"job_ttl":     cfg.Store.TTL.String(),
			"poll_period": cfg.Render.PollInterval.String(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := app.Close(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Failed to close application")
	}
	if err := shutdownTracing(context.WithoutCancel(shutdownCtx)); err != nil {
		appLogger.WithError(err).Warn("Failed to flush traces")
	}

	appLogger.Info("Server exited")
}
