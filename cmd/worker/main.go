// Package main provides the entry point for the image-to-video worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/maauso/hunyuan-i2v-worker/internal/bootstrap"
	"github.com/maauso/hunyuan-i2v-worker/internal/config"
	"github.com/maauso/hunyuan-i2v-worker/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be populated.
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env file", slog.String("error", envErr.Error()))
	}

	logger.Info("starting worker",
		slog.Int("port", cfg.Port),
		slog.String("comfyui_url", cfg.ComfyUIURL()),
		slog.Bool("comfyui_start", cfg.StartComfyUI),
		slog.String("artifact_source", cfg.ArtifactSource),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	if err := deps.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
		defer cancel()
		if err := deps.Supervisor.Stop(stopCtx); err != nil {
			logger.Error("failed to stop backend", slog.String("error", err.Error()))
		}
	}()

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		deps.Jobs.Run(jobsCtx)
	}()
	defer func() {
		cancelJobs()
		<-jobsDone
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.NewRouter(deps.HTTP, logger, server.DefaultConfig()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      cfg.CompletionTimeout + time.Minute, // runsync holds the connection for the whole job
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
