// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmt94800-wq/twokaj/twosync"
)

// BatchSender submits a reconciliation batch to the server. An empty token sends it anonymously.
type BatchSender func(ctx context.Context, token string, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error)

// Credentials supplies the bearer token of the account that queued an operation
type Credentials interface {
	// Token returns the token held for owner, or "" when none is held
	Token(ctx context.Context, owner string) (string, error)
	// Renew drops the held token and signs owner in again. It returns "" when that
	// cannot be done without the user.
	Renew(ctx context.Context, owner string) (string, error)
}

// Report summarizes one drain of the queue
type Report struct {
	Applied       int
	Failed        int
	DeadLettered  int
	Remaining     int
	StorageErrors int
	Stopped       bool      // the cycle ended before the queue was empty
	StopReason    string    // "backoff", "transient", "dead_lettered", "unauthorized" or "offline"
	NextAttemptAt time.Time // earliest retry of the blocking operation, when known
}

// Engine delivers queued operations in enqueue order
type Engine struct {
	store    *Store
	send     BatchSender
	config   *Config
	logger   *slog.Logger
	notifier Notifier

	// credentials resolves per-owner tokens; nil sends every batch anonymously
	credentials Credentials
	// online gates background cycles; nil means always online
	online func() bool
	// afterDrain runs after every background cycle, typically Refresh
	afterDrain func(ctx context.Context) error
	now        func() time.Time

	drainMu sync.Mutex
	wake    chan struct{}
}

// NewEngine creates an engine over store that submits batches through send
func NewEngine(store *Store, send BatchSender, config *Config, logger *slog.Logger, notifier Notifier) *Engine {
	if config == nil {
		config = DefaultConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Engine{
		store:    store,
		send:     send,
		config:   config,
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks a running engine for a cycle; repeated calls coalesce
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// SyncOnce drains the queue once, honouring per-operation backoff
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	return e.drain(ctx, false)
}

// backoff returns the delay before attempt+1, doubling from BackoffMin up to BackoffMax
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.config.BackoffMin
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	if e.config.BackoffMax > 0 && d > e.config.BackoffMax {
		return e.config.BackoffMax
	}
	return d
}

// drain processes pending operations strictly in enqueue order. A reconnect clears every
// pending backoff first.
func (e *Engine) drain(ctx context.Context, reconnected bool) (Report, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var report Report
	if reconnected {
		if err := e.store.ClearBackoff(ctx); err != nil {
			return report, err
		}
	}

	ops, err := e.store.ListQueue(ctx)
	if err != nil {
		return report, err
	}

	window := e.config.UploadLimit
	if window <= 0 {
		window = len(ops)
	}
	rejected := make(map[string]bool)

	for start := 0; start < len(ops) && !report.Stopped; {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		head := ops[start]
		if head.NextAttemptAt != nil && head.NextAttemptAt.After(e.now()) {
			report.Stopped = true
			report.StopReason = "backoff"
			report.NextAttemptAt = *head.NextAttemptAt
			break
		}

		// a window never mixes owners, each batch is sent with one account's token
		end := start + 1
		for end < len(ops) && end-start < window && ops[end].OwnerID == head.OwnerID {
			end++
		}
		chunk := ops[start:end]
		req, positions := e.buildBatch(ctx, chunk, rejected, &report)
		if req.Len() == 0 {
			start = end
			continue
		}

		token, ok := e.authorize(ctx, head.OwnerID, chunk, &report)
		if !ok {
			break
		}
		resp, err := e.send(ctx, token, req)
		if isUnauthorized(err) {
			e.logger.Info("Sync token rejected; signing in again", "owner_id", head.OwnerID)
			if token, ok = e.renew(ctx, head.OwnerID, chunk, &report); !ok {
				break
			}
			resp, err = e.send(ctx, token, req)
			if isUnauthorized(err) {
				e.unauthorized(head.OwnerID, &report)
				break
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			e.logger.Warn("Sync batch request failed", "error", err, "operations", req.Len())
			e.retryLater(ctx, head, err.Error(), &report)
			break
		}

		if window > 1 && containsBatchTooLarge(resp) {
			newSize := max(window/2, 1)
			e.logger.Warn("Server rejected batch as too large; reducing window",
				"from", window, "to", newSize, "pending", len(ops)-start)
			window = newSize
			continue
		}

		for _, op := range chunk {
			pos, ok := positions[op.ID]
			if !ok {
				continue
			}
			st := statusAt(resp, op, pos)
			switch {
			case st.Status == twosync.StApplied:
				e.acknowledge(ctx, op, st, &report)
			case twosync.IsPermanent(st):
				e.fail(ctx, op, st, &report)
			default:
				e.retryLater(ctx, op, statusMessage(st), &report)
			}
			if report.Stopped {
				break
			}
		}
		start = end
	}

	stats, err := e.store.QueueStats(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = stats.Pending
	return report, nil
}

// authorize returns the token a window of owner's operations is sent with. Without a held
// token the owner is signed in again, unless the window registers the owner itself.
func (e *Engine) authorize(ctx context.Context, owner string, chunk []Operation, report *Report) (string, bool) {
	if owner == "" || e.credentials == nil {
		return "", true
	}
	token, err := e.credentials.Token(ctx, owner)
	if err != nil {
		report.StorageErrors++
		e.logger.Error("Failed to read token", "owner_id", owner, "error", err)
		e.unauthorized(owner, report)
		return "", false
	}
	if token != "" || registersOwner(chunk, owner) {
		return token, true
	}
	return e.renew(ctx, owner, chunk, report)
}

// renew replaces a missing or rejected token. Failing that, the cycle stops without
// charging an attempt to any operation.
func (e *Engine) renew(ctx context.Context, owner string, chunk []Operation, report *Report) (string, bool) {
	if owner == "" || e.credentials == nil {
		e.unauthorized(owner, report)
		return "", false
	}
	token, err := e.credentials.Renew(ctx, owner)
	if err != nil {
		e.logger.Warn("Failed to renew token", "owner_id", owner, "error", err)
		e.unauthorized(owner, report)
		return "", false
	}
	if token == "" && !registersOwner(chunk, owner) {
		e.unauthorized(owner, report)
		return "", false
	}
	return token, true
}

func (e *Engine) unauthorized(owner string, report *Report) {
	report.Stopped = true
	report.StopReason = "unauthorized"
	e.logger.Warn("Queued operations wait for their owner to sign in", "owner_id", owner)
}

func registersOwner(chunk []Operation, owner string) bool {
	for _, op := range chunk {
		if op.Kind == OpCreateUser && op.EntityID == owner {
			return true
		}
	}
	return false
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// buildBatch places each operation of the window in its batch section and records its index
// there. Operations whose payload no longer decodes are failed on the spot.
func (e *Engine) buildBatch(ctx context.Context, chunk []Operation, rejected map[string]bool, report *Report) (*twosync.SyncBatchRequest, map[string]int) {
	req := &twosync.SyncBatchRequest{}
	positions := make(map[string]int, len(chunk))
	for _, op := range chunk {
		if rejected[op.ID] {
			continue
		}
		decoded, err := op.Decode()
		if err != nil {
			rejected[op.ID] = true
			e.fail(ctx, op, twosync.ItemStatus{ID: op.EntityID, Status: twosync.StInvalid, Reason: twosync.ReasonBadPayload, Message: err.Error()}, report)
			continue
		}
		switch v := decoded.(type) {
		case *twosync.User:
			positions[op.ID] = len(req.Users)
			req.Users = append(req.Users, *v)
		case *twosync.Listing:
			positions[op.ID] = len(req.Listings)
			req.Listings = append(req.Listings, *v)
		case *twosync.ListingStatusUpdate:
			positions[op.ID] = len(req.ListingStatus)
			req.ListingStatus = append(req.ListingStatus, *v)
		case *twosync.Message:
			positions[op.ID] = len(req.Messages)
			req.Messages = append(req.Messages, *v)
		case *twosync.GalleryItem:
			positions[op.ID] = len(req.Gallery)
			req.Gallery = append(req.Gallery, *v)
		}
	}
	return req, positions
}

func statusAt(resp *twosync.SyncBatchResponse, op Operation, pos int) twosync.ItemStatus {
	statuses := resp.Statuses[op.Kind.batchKind()]
	if pos < len(statuses) {
		return statuses[pos]
	}
	return twosync.ItemStatus{
		ID:      op.EntityID,
		Status:  twosync.StInvalid,
		Reason:  twosync.ReasonInternalError,
		Message: "no status returned for operation",
	}
}

func statusMessage(st twosync.ItemStatus) string {
	if st.Message != "" {
		return st.Reason + ": " + st.Message
	}
	return st.Reason
}

func containsBatchTooLarge(resp *twosync.SyncBatchResponse) bool {
	for _, statuses := range resp.Statuses {
		for _, st := range statuses {
			if st.Reason == twosync.ReasonBatchTooLarge {
				return true
			}
		}
	}
	return false
}

// acknowledge overwrites the cached entity with the authoritative row and drops the operation.
// A row is not cached while a later operation on the same entity is still pending.
func (e *Engine) acknowledge(ctx context.Context, op Operation, st twosync.ItemStatus, report *Report) {
	if len(st.Row) > 0 {
		superseded, err := e.store.HasPendingFor(ctx, op.EntityID, op.ID)
		if err != nil {
			report.StorageErrors++
			e.logger.Error("Failed to check pending operations", "entity_id", op.EntityID, "error", err)
		}
		if superseded {
			e.logger.Debug("Skipping authoritative row; entity has pending operations", "entity_id", op.EntityID)
		} else if err := e.cacheRow(ctx, op.Kind, st.Row); err != nil {
			report.StorageErrors++
			e.logger.Error("Failed to cache authoritative row", "kind", op.Kind, "entity_id", op.EntityID, "error", err)
		}
	}
	if err := e.store.Dequeue(ctx, op.ID); err != nil {
		report.StorageErrors++
		e.logger.Error("Failed to dequeue applied operation", "op_id", op.ID, "error", err)
		return
	}
	report.Applied++
}

func (e *Engine) cacheRow(ctx context.Context, kind OpKind, row json.RawMessage) error {
	var entity any
	switch kind {
	case OpCreateUser:
		entity = &twosync.User{}
	case OpCreateAd, OpUpdateAdStatus:
		entity = &twosync.Listing{}
	case OpSendMessage:
		entity = &twosync.Message{}
	case OpCreateGalleryItem:
		entity = &twosync.GalleryItem{}
	default:
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	if err := json.Unmarshal(row, entity); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return e.store.Put(ctx, entity)
}

// fail moves a permanently rejected operation out of the queue and tells the user
func (e *Engine) fail(ctx context.Context, op Operation, st twosync.ItemStatus, report *Report) {
	msg := statusMessage(st)
	if err := e.store.MarkState(ctx, op.ID, StateFailed, msg, op.AttemptCount+1); err != nil {
		report.StorageErrors++
		e.logger.Error("Failed to mark operation failed", "op_id", op.ID, "error", err)
		return
	}
	report.Failed++
	e.notifier.NotifyFailure(ctx, FailureEvent{Operation: op, Reason: st.Reason, Message: st.Message, Permanent: true})
}

// retryLater records a transient failure and stops the cycle. Reaching MaxAttempts dead-letters the operation.
func (e *Engine) retryLater(ctx context.Context, op Operation, msg string, report *Report) {
	report.Stopped = true
	attempt := op.AttemptCount + 1

	if e.config.MaxAttempts > 0 && attempt >= e.config.MaxAttempts {
		report.StopReason = "dead_lettered"
		if err := e.store.MarkState(ctx, op.ID, StateDead, msg, attempt); err != nil {
			report.StorageErrors++
			e.logger.Error("Failed to dead-letter operation", "op_id", op.ID, "error", err)
			return
		}
		report.DeadLettered++
		e.notifier.NotifyFailure(ctx, FailureEvent{Operation: op, Reason: "max_attempts", Message: msg, DeadLettered: true})
		return
	}

	report.StopReason = "transient"
	next := e.now().Add(e.backoff(attempt))
	report.NextAttemptAt = next
	if err := e.store.RecordAttempt(ctx, op.ID, attempt, next, msg); err != nil {
		report.StorageErrors++
		e.logger.Error("Failed to record attempt", "op_id", op.ID, "error", err)
		return
	}
	e.logger.Info("Operation will be retried", "kind", op.Kind, "entity_id", op.EntityID,
		"attempt", attempt, "next_attempt_at", next, "error", msg)
}

// Run drives background delivery until ctx is cancelled. A cycle runs on every signal, on
// every SyncInterval tick, when the earliest backoff expires and on each transition to
// online, which also clears pending backoff. A cycle in progress is never interrupted by an
// offline transition.
func (e *Engine) Run(ctx context.Context, transitions <-chan Transition, signals ...<-chan SyncRequired) error {
	interval := e.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retry := time.NewTimer(interval)
	retry.Stop()
	defer retry.Stop()

	merged := make(chan struct{}, 1)
	for _, sig := range signals {
		go forwardSignals(ctx, sig, merged)
	}

	cycle := func(reconnected bool) {
		if e.online != nil && !e.online() {
			e.logger.Debug("Offline; skipping sync cycle")
			return
		}
		report, err := e.drain(ctx, reconnected)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("Sync cycle failed", "error", err)
			}
			return
		}
		if report.Applied+report.Failed+report.DeadLettered > 0 || report.Stopped {
			e.logger.Info("Sync cycle finished",
				"applied", report.Applied, "failed", report.Failed, "dead_lettered", report.DeadLettered,
				"remaining", report.Remaining, "stopped", report.StopReason)
		}
		if !report.NextAttemptAt.IsZero() {
			retry.Reset(max(report.NextAttemptAt.Sub(e.now()), 0))
		}
		if e.afterDrain != nil {
			if err := e.afterDrain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("Refresh after sync failed", "error", err)
			}
		}
	}

	cycle(false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle(false)
		case <-merged:
			cycle(false)
		case <-e.wake:
			cycle(false)
		case <-retry.C:
			cycle(false)
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if tr.Online {
				cycle(true)
			}
		}
	}
}

func forwardSignals(ctx context.Context, in <-chan SyncRequired, out chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}
