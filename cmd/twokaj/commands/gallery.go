// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmt94800-wq/twokaj/twosync"
)

func newGalleryCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "Community photo gallery",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached gallery photos",
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				items, err := client.Store.Gallery(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPHOTO\tDESCRIPTION")
				for _, g := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.PhotoURL, g.Description)
				}
				return w.Flush()
			},
		},
		newGalleryAddCmd(app),
	)
	return cmd
}

func newGalleryAddCmd(app *appContext) *cobra.Command {
	var g twosync.GalleryItem

	cmd := &cobra.Command{
		Use:   "add <photo-url>",
		Short: "Add a photo to the gallery (works offline)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			g.PhotoURL = args[0]
			res, err := client.AddGalleryItem(cmd.Context(), g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "photo %s\n", describe(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&g.Description, "description", "", "caption")
	return cmd
}
