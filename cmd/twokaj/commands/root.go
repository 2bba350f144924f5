// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands implements the twokaj command-line client
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmt94800-wq/twokaj/twolite"
)

// appContext is shared by every command. The client is opened lazily so that
// --help never touches the local database.
type appContext struct {
	serverURL string
	dbPath    string
	verbose   bool
	offline   bool

	logger *slog.Logger
	client *twolite.Client
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "twokaj.db"
	}
	return filepath.Join(dir, "twokaj", "twokaj.db")
}

// NewRootCmd builds the twokaj command tree
func NewRootCmd() *cobra.Command {
	app := &appContext{}
	verbose, _ := strconv.ParseBool(os.Getenv("TWOKAJ_VERBOSE"))

	root := &cobra.Command{
		Use:           "twokaj",
		Short:         "Offline-first client for the twokaj bartering marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return app.close()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&app.serverURL, "server", envOr("TWOKAJ_SERVER", "http://localhost:8080"), "server base URL (env TWOKAJ_SERVER)")
	f.StringVar(&app.dbPath, "db", envOr("TWOKAJ_DB", defaultDBPath()), "local database path (env TWOKAJ_DB)")
	f.BoolVarP(&app.verbose, "verbose", "v", verbose, "debug logging (env TWOKAJ_VERBOSE)")
	f.BoolVar(&app.offline, "offline", false, "do not contact the server; queue every write")

	root.AddCommand(
		newRegisterCmd(app),
		newLoginCmd(app),
		newLogoutCmd(app),
		newWhoamiCmd(app),
		newListingsCmd(app),
		newMessagesCmd(app),
		newGalleryCmd(app),
		newSyncCmd(app),
		newQueueCmd(app),
		newRunCmd(app),
	)
	return root
}

// open returns the client, creating the local store on first use and probing the server once
func (a *appContext) open(ctx context.Context, errOut io.Writer) (*twolite.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	if dir := filepath.Dir(a.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := twolite.OpenStore(ctx, a.dbPath, a.logger)
	if err != nil {
		return nil, err
	}

	notifier := twolite.NotifierFunc(func(_ context.Context, ev twolite.FailureEvent) {
		what := "rejected"
		if ev.DeadLettered {
			what = "gave up after repeated failures"
		}
		fmt.Fprintf(errOut, "! %s %s %s: %s\n", ev.Operation.Kind, ev.Operation.EntityID, what, ev.Reason)
	})
	client := twolite.NewClient(store, twolite.DefaultConfig(a.serverURL), a.logger, notifier)

	if a.offline {
		client.Monitor.SetOnline(false)
	} else {
		client.CheckConnectivity(ctx)
	}
	a.client = client
	return client, nil
}

func (a *appContext) close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Store.Close()
	a.client = nil
	return err
}

// describe renders a write result for the user
func describe(res twolite.Result) string {
	if res.Queued {
		return res.ID + " (queued, will sync)"
	}
	return res.ID
}
