// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const operationColumns = `seq, id, kind, entity_id, owner_id, payload, enqueued_at, attempt_count, next_attempt_at, state, last_error`

// QueueStats counts operations per state
type QueueStats struct {
	Pending int `db:"pending" json:"pending"`
	Failed  int `db:"failed" json:"failed"`
	Dead    int `db:"dead" json:"dead"`
}

// Enqueue appends op to the tail of the queue and sets its sequence number.
// The payload is validated against the operation kind first.
func (s *Store) Enqueue(ctx context.Context, op *Operation) error {
	decoded, err := op.Decode()
	if err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EntityID == "" {
		op.EntityID = entityID(decoded)
	}
	op.EnqueuedAt = time.Now().UTC()
	op.State = StatePending
	op.AttemptCount = 0
	op.NextAttemptAt = nil
	op.LastError = ""

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO operations (id, kind, entity_id, owner_id, payload, enqueued_at, attempt_count, next_attempt_at, state, last_error)
		VALUES (:id, :kind, :entity_id, :owner_id, :payload, :enqueued_at, :attempt_count, :next_attempt_at, :state, :last_error)`, op)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", op.Kind, err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	s.logger.Debug("Operation enqueued", "seq", op.Seq, "kind", op.Kind, "entity_id", op.EntityID)
	return nil
}

// Dequeue removes an acknowledged operation; an operation already gone is not an error
func (s *Store) Dequeue(ctx context.Context, opID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, opID); err != nil {
		return fmt.Errorf("failed to dequeue %s: %w", opID, err)
	}
	return nil
}

// ListQueue returns pending operations in enqueue order
func (s *Store) ListQueue(ctx context.Context) ([]Operation, error) {
	ops := []Operation{}
	err := s.db.SelectContext(ctx, &ops,
		`SELECT `+operationColumns+` FROM operations WHERE state = ? ORDER BY seq ASC`, StatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return ops, nil
}

// HasPendingFor reports whether a pending operation other than exceptOpID targets entityID
func (s *Store) HasPendingFor(ctx context.Context, entityID, exceptOpID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM operations WHERE entity_id = ? AND id <> ? AND state = ?`, entityID, exceptOpID, StatePending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending operations for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// HasPendingOwnedBy reports whether ownerID still has pending operations
func (s *Store) HasPendingOwnedBy(ctx context.Context, ownerID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM operations WHERE owner_id = ? AND state = ?`, ownerID, StatePending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending operations of %s: %w", ownerID, err)
	}
	return n > 0, nil
}

// ListFailed returns failed and dead operations in enqueue order
func (s *Store) ListFailed(ctx context.Context) ([]Operation, error) {
	ops := []Operation{}
	err := s.db.SelectContext(ctx, &ops,
		`SELECT `+operationColumns+` FROM operations WHERE state IN (?, ?) ORDER BY seq ASC`, StateFailed, StateDead)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}
	return ops, nil
}

// QueueStats counts operations per state
func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN state = 'dead' THEN 1 ELSE 0 END), 0) AS dead
		FROM operations`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count queue: %w", err)
	}
	return stats, nil
}

// RecordAttempt stores a failed delivery attempt and the earliest time of the next one
func (s *Store) RecordAttempt(ctx context.Context, opID string, attempt int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempt, next.UTC(), lastErr, opID)
	if err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", opID, err)
	}
	return nil
}

// MarkState moves an operation out of the pending queue
func (s *Store) MarkState(ctx context.Context, opID, state, lastErr string, attempt int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, last_error = ?, attempt_count = ?, next_attempt_at = NULL WHERE id = ?`,
		state, lastErr, attempt, opID)
	if err != nil {
		return fmt.Errorf("failed to mark %s as %s: %w", opID, state, err)
	}
	return nil
}

// ClearBackoff makes every pending operation eligible immediately
func (s *Store) ClearBackoff(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE operations SET next_attempt_at = NULL WHERE state = ?`, StatePending)
	if err != nil {
		return fmt.Errorf("failed to clear backoff: %w", err)
	}
	return nil
}

// Requeue returns a failed or dead operation to the tail of the pending queue with a fresh attempt budget
func (s *Store) Requeue(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM operations),
		    state = ?, attempt_count = 0, next_attempt_at = NULL, last_error = ''
		WHERE id = ? AND state IN (?, ?)`, StatePending, opID, StateFailed, StateDead)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: failed operation %s", ErrNotFound, opID)
	}
	return nil
}
