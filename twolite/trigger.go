// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const triggerKey = "sync_trigger_registered_at"

// SyncRequired asks every subscribed engine to drain its queue
type SyncRequired struct{}

// Trigger is a durable request to sync once connectivity returns. The registration is
// persisted in the local store so it survives a restart.
type Trigger struct {
	store  *Store
	online func() bool
	logger *slog.Logger

	wake chan struct{}
	mu   sync.Mutex
	subs []chan SyncRequired
}

// NewTrigger creates a trigger. online gates delivery; nil means always online.
func NewTrigger(store *Store, online func() bool, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		store:  store,
		online: online,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Register records that a sync is needed. Failures are logged and never returned.
func (t *Trigger) Register(ctx context.Context) {
	if err := t.store.SetValue(ctx, triggerKey, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.logger.Warn("Failed to register background sync", "error", err)
	} else {
		t.logger.Debug("Background sync registered")
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Registered reports whether a registration is pending
func (t *Trigger) Registered(ctx context.Context) (bool, error) {
	_, err := t.store.Value(ctx, triggerKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe returns a channel receiving SyncRequired events. Events coalesce while unread.
func (t *Trigger) Subscribe() <-chan SyncRequired {
	ch := make(chan SyncRequired, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Run delivers the pending registration whenever one exists and the device is online.
// It checks at start, on every Register and on each transition to online.
func (t *Trigger) Run(ctx context.Context, transitions <-chan Transition) error {
	t.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
			t.fire(ctx)
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if tr.Online {
				t.fire(ctx)
			}
		}
	}
}

// fire broadcasts SyncRequired and clears the registration
func (t *Trigger) fire(ctx context.Context) bool {
	if t.online != nil && !t.online() {
		return false
	}
	registered, err := t.Registered(ctx)
	if err != nil {
		t.logger.Warn("Failed to read background sync registration", "error", err)
		return false
	}
	if !registered {
		return false
	}

	t.mu.Lock()
	subs := append([]chan SyncRequired(nil), t.subs...)
	t.mu.Unlock()
	for _, ch := range subs {
		signal(ch)
	}

	if err := t.store.DeleteValue(ctx, triggerKey); err != nil {
		t.logger.Warn("Failed to clear background sync registration", "error", err)
	}
	t.logger.Debug("Background sync delivered", "subscribers", len(subs))
	return true
}
