// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"log/slog"
)

// FailureEvent tells the user that a queued operation will not be delivered
type FailureEvent struct {
	Operation    Operation
	Reason       string
	Message      string
	Permanent    bool // rejected by the server, will not be retried
	DeadLettered bool // retry ceiling reached
}

// Notifier receives delivery failures of queued operations
type Notifier interface {
	NotifyFailure(ctx context.Context, ev FailureEvent)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, ev FailureEvent)

// NotifyFailure calls f(ctx, ev)
func (f NotifierFunc) NotifyFailure(ctx context.Context, ev FailureEvent) {
	f(ctx, ev)
}

// LogNotifier logs failures at warn level
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyFailure logs ev with the operation kind and entity. A nil Logger uses slog.Default.
func (n LogNotifier) NotifyFailure(_ context.Context, ev FailureEvent) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("Queued operation was not delivered",
		"kind", ev.Operation.Kind,
		"entity_id", ev.Operation.EntityID,
		"reason", ev.Reason,
		"message", ev.Message,
		"permanent", ev.Permanent,
		"dead_lettered", ev.DeadLettered)
}
