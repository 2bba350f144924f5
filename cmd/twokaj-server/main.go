// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmt94800-wq/twokaj/cmd/twokaj-server/server"
)

func main() {
	config, err := server.LoadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := server.NewLogger(config.LogLevel, os.Stdout)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	config.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := server.SetupServer(ctx, config)
	if err != nil {
		log.Fatalf("Failed to setup server: %v", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         config.ListenAddr,
		Handler:      components.Handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting marketplace server", "addr", httpServer.Addr)
		logger.Info("  POST /sync-batch          - Reconcile queued offline writes")
		logger.Info("  POST /api/auth/register   - Create an account")
		logger.Info("  POST /api/auth/login      - Obtain a session token")
		logger.Info("  GET  /api/listings        - Browse listings")
		logger.Info("  GET  /health, GET /metrics")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	logger.Info("Server exited")
}
