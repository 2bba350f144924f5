// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jmt94800-wq/twokaj/twosync/migrations"
)

// Service owns the authoritative store: reconciliation of deferred writes and the
// direct CRUD operations share the same pool and the same upsert primitives
type Service struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	config    *ServiceConfig
	publisher Publisher

	// Cleanup tracking
	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the marketplace service
type ServiceConfig struct {
	AppName           string               // Application name for connection tracking
	MaxBatchItems     int                  // Maximum items in one reconciliation batch (0 = unlimited)
	DisableMigrations bool                 // Skip embedded schema migrations on startup
	StageMetrics      StageMetricsRecorder // Optional stage timing sink
	LogStageTimings   bool                 // Log stage timings at debug level
	Publisher         Publisher            // Domain event sink (nil = noop)
}

// NewService creates a service from an existing pool and brings the schema up to date
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "twokaj"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	publisher := config.Publisher
	if publisher == nil {
		publisher = NewNoopPublisher("not configured", logger)
	}

	service := &Service{
		pool:      pool,
		logger:    logger,
		config:    config,
		publisher: publisher,
	}

	if !config.DisableMigrations {
		if err := service.migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to initialize marketplace service: %w", err)
		}
		logger.Debug("Database schema initialized successfully")
	}

	return service, nil
}

// migrate applies the embedded goose migrations through a database/sql view of the pool
func (s *Service) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.Migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Close gracefully shuts down the service.
// It does NOT close the database pool or the publisher; the caller owns their lifecycle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Marketplace service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// checkClosed returns an error if the service has been closed
func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("marketplace service has been closed")
	}
	return nil
}

// publish emits a domain event; failures are logged and never fail the write that caused them
func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.publisher.Publish(ctx, ev.Type, ev); err != nil {
		publishErrorsTotal.Inc()
		s.logger.Warn("Failed to publish event", "type", ev.Type, "entity_id", ev.EntityID, "error", err)
	}
}
