// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmt94800-wq/twokaj/twosync"
)

const deviceIDKey = "device_id"

// Config holds client tuning
type Config struct {
	BaseURL       string
	UploadLimit   int           // operations per sync request; 1 sends one request per operation
	MaxAttempts   int           // transient failures before an operation is dead-lettered; 0 retries forever
	BackoffMin    time.Duration // delay after the first transient failure
	BackoffMax    time.Duration
	HTTPTimeout   time.Duration
	SyncInterval  time.Duration // periodic sync and refresh
	ProbeInterval time.Duration // connectivity health probe
}

// DefaultConfig returns the default client configuration for a server
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		UploadLimit:   50,
		MaxAttempts:   10,
		BackoffMin:    time.Second,
		BackoffMax:    60 * time.Second,
		HTTPTimeout:   15 * time.Second,
		SyncInterval:  30 * time.Second,
		ProbeInterval: 15 * time.Second,
	}
}

// Client is the offline-first marketplace client. Writes land in the local store first and
// reach the server either directly or through the operation queue.
type Client struct {
	Store   *Store
	Engine  *Engine
	Monitor *Monitor
	Trigger *Trigger
	HTTP    *http.Client
	BaseURL string

	config *Config
	logger *slog.Logger
}

// NewClient wires the store, engine, connectivity monitor and background trigger
func NewClient(store *Store, config *Config, logger *slog.Logger, notifier Notifier) *Client {
	if config == nil {
		config = DefaultConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		Store:   store,
		HTTP:    &http.Client{Timeout: config.HTTPTimeout},
		BaseURL: strings.TrimRight(config.BaseURL, "/"),
		config:  config,
		logger:  logger,
	}
	c.Monitor = NewMonitor(c.probeHealth, config.ProbeInterval, logger.With("component", "monitor"))
	c.Trigger = NewTrigger(store, c.Monitor.Online, logger.With("component", "trigger"))
	c.Engine = NewEngine(store, c.send, config, logger.With("component", "engine"), notifier)
	c.Engine.credentials = ownerCredentials{c: c}
	c.Engine.online = c.Monitor.Online
	c.Engine.afterDrain = c.Refresh
	return c
}

// send submits a batch and marks the client offline when the server cannot be reached
func (c *Client) send(ctx context.Context, token string, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
	resp, err := c.sendSyncBatch(ctx, token, req)
	if isNetworkError(err) {
		c.Monitor.SetOnline(false)
	}
	return resp, err
}

// SyncOnce drains the queue once and refreshes the local cache when the server is reachable.
// Offline, nothing is sent and the report only counts what is queued.
func (c *Client) SyncOnce(ctx context.Context) (Report, error) {
	if !c.Monitor.Online() {
		stats, err := c.Store.QueueStats(ctx)
		if err != nil {
			return Report{}, err
		}
		return Report{Remaining: stats.Pending, Stopped: stats.Pending > 0, StopReason: "offline"}, nil
	}

	report, err := c.Engine.SyncOnce(ctx)
	if err != nil {
		return report, err
	}
	if c.Monitor.Online() {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("Refresh failed", "error", err)
		}
	}
	return report, nil
}

// Run starts the connectivity monitor, the background trigger and the sync engine and
// blocks until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	engineTransitions := c.Monitor.Subscribe()
	triggerTransitions := c.Monitor.Subscribe()
	signals := []<-chan SyncRequired{c.Trigger.Subscribe(), c.Monitor.SyncSignals()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = c.Trigger.Run(ctx, triggerTransitions)
	}()

	err := c.Engine.Run(ctx, engineTransitions, signals...)
	wg.Wait()
	return err
}

// DeviceID returns the identifier of this installation, creating it on first use
func (c *Client) DeviceID(ctx context.Context) (string, error) {
	id, err := c.Store.Value(ctx, deviceIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := c.Store.SetValue(ctx, deviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// CheckConnectivity probes the server once and records the result
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	err := c.probeHealth(ctx)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
	}
	c.Monitor.SetOnline(err == nil)
	return err == nil
}
