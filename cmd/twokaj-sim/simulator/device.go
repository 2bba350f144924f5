// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"

	"github.com/jmt94800-wq/twokaj/twolite"
)

var errAirplaneMode = errors.New("airplane mode")

// radio is an http.RoundTripper that can be switched off to simulate a device losing its network
type radio struct {
	next http.RoundTripper
	off  atomic.Bool
}

func (r *radio) RoundTrip(req *http.Request) (*http.Response, error) {
	if r.off.Load() {
		return nil, errAirplaneMode
	}
	return r.next.RoundTrip(req)
}

// Device is one simulated installation of the app with its own local database
type Device struct {
	Name   string
	Client *twolite.Client

	radio  *radio
	logger *slog.Logger
}

// NewDevice opens a fresh local store under dir and connects it to serverURL
func NewDevice(ctx context.Context, name, dir, serverURL string, logger *slog.Logger) (*Device, error) {
	logger = logger.With("device", name)
	store, err := twolite.OpenStore(ctx, filepath.Join(dir, name+".db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store for %s: %w", name, err)
	}

	config := twolite.DefaultConfig(serverURL)
	config.UploadLimit = 10
	client := twolite.NewClient(store, config, logger, twolite.LogNotifier{Logger: logger})

	r := &radio{next: http.DefaultTransport}
	client.HTTP.Transport = r

	d := &Device{Name: name, Client: client, radio: r, logger: logger}
	d.Client.CheckConnectivity(ctx)
	return d, nil
}

// GoOffline cuts the network; requests fail as if the server were unreachable
func (d *Device) GoOffline() {
	d.radio.off.Store(true)
	d.Client.Monitor.SetOnline(false)
	d.logger.Info("Network down")
}

// GoOnline restores the network and reports the transition to the client
func (d *Device) GoOnline(ctx context.Context) {
	d.radio.off.Store(false)
	d.Client.CheckConnectivity(ctx)
	d.logger.Info("Network up", "online", d.Client.Monitor.Online())
}

// Sync runs one sync cycle and fails unless the queue drained
func (d *Device) Sync(ctx context.Context) (twolite.Report, error) {
	report, err := d.Client.SyncOnce(ctx)
	if err != nil {
		return report, err
	}
	if report.Remaining > 0 {
		return report, fmt.Errorf("%s: %d operations still queued (%s)", d.Name, report.Remaining, report.StopReason)
	}
	return report, nil
}

// Pending returns the number of queued operations
func (d *Device) Pending(ctx context.Context) (int, error) {
	stats, err := d.Client.Store.QueueStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// Close releases the local database
func (d *Device) Close() error {
	return d.Client.Store.Close()
}
