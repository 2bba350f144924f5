// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSyncCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued writes and refresh the local cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !client.Monitor.Online() {
				client.Trigger.Register(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "offline: sync will run when the server is reachable")
				return nil
			}

			report, err := client.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "applied %d, rejected %d, dead %d, remaining %d\n",
				report.Applied, report.Failed, report.DeadLettered, report.Remaining)
			if report.Stopped {
				fmt.Fprintf(out, "stopped: %s", report.StopReason)
				if report.StopReason == "unauthorized" {
					fmt.Fprint(out, ", sign in again to send the remaining writes")
				}
				if !report.NextAttemptAt.IsZero() {
					fmt.Fprintf(out, ", next attempt at %s", report.NextAttemptAt.Local().Format(time.DateTime))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newQueueCmd(app *appContext) *cobra.Command {
	var retry string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queued, rejected and abandoned writes",
		Example: `
  twokaj queue
  twokaj queue --retry 3f0a...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if retry != "" {
				if err := client.Store.Requeue(ctx, retry); err != nil {
					return err
				}
				client.Engine.Wake()
				fmt.Fprintf(out, "requeued %s\n", retry)
				return nil
			}

			stats, err := client.Store.QueueStats(ctx)
			if err != nil {
				return err
			}
			pending, err := client.Store.ListQueue(ctx)
			if err != nil {
				return err
			}
			failed, err := client.Store.ListFailed(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "pending %d, rejected %d, dead %d\n", stats.Pending, stats.Failed, stats.Dead)
			if len(pending)+len(failed) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATE\tATTEMPTS\tLAST ERROR")
			for _, op := range append(pending, failed...) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					op.ID, op.Kind, op.EntityID, op.State, op.AttemptCount, op.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&retry, "retry", "", "return a rejected or dead operation to the queue")
	return cmd
}

func newRunCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "syncing, press Ctrl-C to stop")
			return client.Run(cmd.Context())
		},
	}
}
