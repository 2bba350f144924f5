// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transition is a change of connectivity
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor tracks whether the server is reachable. State changes come from the platform
// through SetOnline or from periodic health probes, and are published to subscribers.
type Monitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	online   bool
	subs     []chan Transition
	syncSubs []chan SyncRequired
}

// NewMonitor creates a monitor that starts in the online state. probe may be nil, in which
// case only SetOnline changes the state.
func NewMonitor(probe func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		online:   true,
	}
}

// Online reports the last known connectivity
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving transitions. A slow subscriber only sees the latest one.
func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// SyncSignals returns a channel receiving a signal on every transition to online
func (m *Monitor) SyncSignals() <-chan SyncRequired {
	ch := make(chan SyncRequired, 1)
	m.mu.Lock()
	m.syncSubs = append(m.syncSubs, ch)
	m.mu.Unlock()
	return ch
}

// SetOnline records the platform's connectivity state
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan Transition(nil), m.subs...)
	syncSubs := append([]chan SyncRequired(nil), m.syncSubs...)
	m.mu.Unlock()

	tr := Transition{Online: online, At: time.Now()}
	m.logger.Info("Connectivity changed", "online", online)
	for _, ch := range subs {
		sendLatest(ch, tr)
	}
	if online {
		for _, ch := range syncSubs {
			signal(ch)
		}
	}
}

// Run probes the server every interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	if m.probe == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("Health probe failed", "error", err)
	}
	m.SetOnline(err == nil)
}

// sendLatest replaces an unread value so the receiver always sees the newest transition
func sendLatest(ch chan Transition, tr Transition) {
	for {
		select {
		case ch <- tr:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func signal(ch chan SyncRequired) {
	select {
	case ch <- SyncRequired{}:
	default:
	}
}
