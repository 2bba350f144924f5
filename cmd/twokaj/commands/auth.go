// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmt94800-wq/twokaj/twolite"
	"github.com/jmt94800-wq/twokaj/twosync"
)

func newRegisterCmd(app *appContext) *cobra.Command {
	var u twosync.User
	var categories string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (works offline)",
		Example: `
  twokaj register --pseudo marie --email marie@example.com --password secret --address Jacmel`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if categories != "" {
				u.Categories = strings.Split(categories, ",")
			}
			res, err := client.Register(cmd.Context(), u)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", describe(res))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&u.Pseudo, "pseudo", "", "public nickname")
	f.StringVar(&u.Email, "email", "", "email address")
	f.StringVar(&u.Password, "password", "", "password")
	f.StringVar(&u.Name, "name", "", "full name")
	f.StringVar(&u.Address, "address", "", "address")
	f.StringVar(&u.Phone, "phone", "", "phone number")
	f.StringVar(&categories, "categories", "", "comma-separated categories of interest")
	_ = cmd.MarkFlagRequired("pseudo")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd(app *appContext) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <email-or-pseudo>",
		Short: "Sign in; cached accounts can sign in offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			u, err := client.Login(cmd.Context(), args[0], password)
			if errors.Is(err, twolite.ErrRequiresConnectivity) {
				return fmt.Errorf("this account is not known on this device; connect to the server to sign in")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", u.Pseudo, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; queued writes stay queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sess, err := client.Store.CurrentUser(cmd.Context())
			if errors.Is(err, twolite.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			if err != nil {
				return err
			}
			var u twosync.User
			pseudo := "?"
			if err := client.Store.Get(cmd.Context(), twolite.CollectionUsers, sess.UserID, &u); err == nil {
				pseudo = u.Pseudo
			}
			mode := "online session"
			if sess.Token == "" {
				mode = "offline session"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s), %s\n", pseudo, sess.UserID, mode)
			return nil
		},
	}
}
