// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txMaxAttempts = 4
	txRetryDelay  = 25 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23503"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTx runs fn in a REPEATABLE READ transaction, retrying the whole transaction on
// serialization failures, deadlocks and lock timeouts. attempt starts at 1.
func (s *Service) runTx(ctx context.Context, fn func(tx pgx.Tx, attempt int) error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			// Optional: bound lock wait times during stress
			_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")
			return fn(tx, attempt)
		})
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("Retrying transaction", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*txRetryDelay); serr != nil {
			return serr
		}
	}
	return err
}
