// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmt94800-wq/twokaj/twolite"
	"github.com/jmt94800-wq/twokaj/twosync"
)

func newListingsCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "listings",
		Aliases: []string{"ads"},
		Short:   "Browse and manage listings",
	}
	cmd.AddCommand(newListingsListCmd(app), newListingsCreateCmd(app), newListingsCloseCmd(app))
	return cmd
}

func newListingsListCmd(app *appContext) *cobra.Command {
	var filter twosync.ListingFilter
	var mine bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached listings",
		Example: `
  twokaj listings list --category plantes --location Jacmel
  twokaj listings list --mine --status all`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if mine {
				sess, err := client.Store.CurrentUser(cmd.Context())
				if err != nil {
					return twolite.ErrNotSignedIn
				}
				filter.UserID = sess.UserID
			}
			listings, err := client.Store.Listings(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tCATEGORY\tTITLE\tLOCATION\tBY\tSTATUS")
			for _, l := range listings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					l.ID, l.Type, l.Category, l.Title, l.Location, l.Pseudo, l.Status)
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Category, "category", "", "filter by category")
	f.StringVar(&filter.Location, "location", "", "filter by location (substring)")
	f.StringVar(&filter.Type, "type", "", "filter by type: offer or request")
	f.StringVar(&filter.Status, "status", "", "open (default), closed or all")
	f.BoolVar(&mine, "mine", false, "only my listings")
	return cmd
}

func newListingsCreateCmd(app *appContext) *cobra.Command {
	var l twosync.Listing

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a listing (works offline)",
		Example: `
  twokaj listings create --type offer --category plantes --title "Plants de manioc" --location Jacmel`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res, err := client.CreateListing(cmd.Context(), l)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listing %s\n", describe(res))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&l.Type, "type", twosync.ListingOffer, "offer or request")
	f.StringVar(&l.Category, "category", "", "category")
	f.StringVar(&l.Title, "title", "", "title")
	f.StringVar(&l.Description, "description", "", "description")
	f.StringVar(&l.Location, "location", "", "location")
	f.StringVar(&l.StartDate, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&l.EndDate, "end", "", "end date (YYYY-MM-DD)")
	f.StringVar(&l.Photo, "photo", "", "photo URL")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newListingsCloseCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "close <listing-id>",
		Short: "Close one of your listings (works offline)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res, err := client.CloseListing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", describe(res))
			return nil
		},
	}
}
