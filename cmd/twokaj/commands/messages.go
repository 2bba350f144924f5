// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmt94800-wq/twokaj/twolite"
	"github.com/jmt94800-wq/twokaj/twosync"
)

func newMessagesCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "Read and send messages",
	}
	cmd.AddCommand(newMessagesListCmd(app), newMessagesSendCmd(app))
	return cmd
}

func newMessagesListCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached messages of the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sess, err := client.Store.CurrentUser(cmd.Context())
			if err != nil {
				return twolite.ErrNotSignedIn
			}
			messages, err := client.Store.Messages(cmd.Context(), sess.UserID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tDIR\tLISTING\tTYPE\tFROM\tCONTENT")
			for _, m := range messages {
				dir := "in"
				if m.SenderID == sess.UserID {
					dir = "out"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.CreatedAt.Local().Format(time.DateTime), dir, m.ListingID, m.Type, m.SenderPseudo, m.Content)
			}
			return w.Flush()
		},
	}
}

func newMessagesSendCmd(app *appContext) *cobra.Command {
	var m twosync.Message

	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Send a message about a listing (works offline)",
		Example: `
  twokaj messages send --listing 6f1c... --to 2b7e... "Je suis intéressé"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m.Content = args[0]
			res, err := client.SendMessage(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message %s\n", describe(res))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&m.ListingID, "listing", "", "listing the message is about")
	f.StringVar(&m.ReceiverID, "to", "", "receiver user id")
	f.StringVar(&m.Type, "type", twosync.MessageContact, "contact, chat, deal or refuse")
	_ = cmd.MarkFlagRequired("listing")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
