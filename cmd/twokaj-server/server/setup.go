// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmt94800-wq/twokaj/twosync"
)

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool      *pgxpool.Pool
	Service   *twosync.Service
	JWTAuth   *twosync.JWTAuth
	Publisher twosync.Publisher
	Handler   http.Handler
	Logger    *slog.Logger
}

// SetupServer initializes the pool, the marketplace service, the event publisher and the routes
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	poolConfig.ConnConfig.RuntimeParams["application_name"] = config.AppName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	publisher := twosync.NewPublisher(config.AMQPURL, config.AMQPExchange, logger)
	logger.Info("Event publisher ready", "mode", twosync.PublisherMode(publisher))

	service, err := twosync.NewService(pool, &twosync.ServiceConfig{
		AppName:       config.AppName,
		MaxBatchItems: config.MaxBatchItems,
		StageMetrics:  twosync.PrometheusStageRecorder{},
		Publisher:     publisher,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		pool.Close()
		return nil, err
	}

	if config.JWTSecret == defaultJWTSecret {
		logger.Warn("Using default JWT secret - change in production!")
	}
	jwtAuth := twosync.NewJWTAuth(config.JWTSecret)

	handlers := twosync.NewHTTPHandlers(service, jwtAuth, logger)
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &ServerComponents{
		Pool:      pool,
		Service:   service,
		JWTAuth:   jwtAuth,
		Publisher: publisher,
		Handler:   LoggingMiddleware(config.LogRequests, mux, logger),
		Logger:    logger,
	}, nil
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.Service != nil {
		_ = sc.Service.Close()
	}
	if sc.Publisher != nil {
		if err := sc.Publisher.Close(); err != nil {
			sc.Logger.Warn("Failed to close event publisher", "error", err)
		}
	}
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// LoggingMiddleware logs requests and their outcome. Bearer tokens are truncated.
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		authInfo := "none"
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			authInfo = authHeader
			if len(authInfo) > 20 {
				authInfo = authInfo[:20] + "..."
			}
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"remote_addr", r.RemoteAddr,
			"auth_header", authInfo,
			"content_length", r.ContentLength,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
