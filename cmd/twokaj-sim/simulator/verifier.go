// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseVerifier checks the server database directly after a scenario
type DatabaseVerifier struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDatabaseVerifier connects to the server database
func NewDatabaseVerifier(ctx context.Context, databaseURL string, logger *slog.Logger) (*DatabaseVerifier, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DatabaseVerifier{pool: pool, logger: logger}, nil
}

func (v *DatabaseVerifier) Close() {
	v.pool.Close()
}

// RequireRows fails unless every id exists in table
func (v *DatabaseVerifier) RequireRows(ctx context.Context, table string, ids ...string) error {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ANY(@ids::uuid[])", pgx.Identifier{table}.Sanitize())
	if err := v.pool.QueryRow(ctx, query, pgx.NamedArgs{"ids": ids}).Scan(&count); err != nil {
		return fmt.Errorf("failed to count %s: %w", table, err)
	}
	v.logger.Debug("Verified rows", "table", table, "expected", len(ids), "found", count)
	if count != len(ids) {
		return fmt.Errorf("%s: expected %d rows on the server, found %d", table, len(ids), count)
	}
	return nil
}

// ListingStatus returns the server-side status of a listing
func (v *DatabaseVerifier) ListingStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := v.pool.QueryRow(ctx, `SELECT status FROM listings WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("listing %s not found on the server", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read listing %s: %w", id, err)
	}
	return status, nil
}
