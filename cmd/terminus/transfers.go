package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/terminus"
)

// NewTransfersCommand builds the transfer inspection commands.
func NewTransfersCommand(loader *terminus.Loader) *cobra.Command {
	var (
		cf        clientFlags
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List active transfers and recent history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cf.client(cmd, loader)
			if err != nil {
				return err
			}
			report, err := client.Transfers(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict history to one backing session")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum history records")

	cmd.AddCommand(newTransfersCancelCommand(loader))

	return cmd
}

func newTransfersCancelCommand(loader *terminus.Loader) *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "cancel <name>",
		Short: "Abort a running transfer by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cf.client(cmd, loader)
			if err != nil {
				return err
			}
			found, err := client.CancelTransfer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "no running transfer named %q\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %q\n", args[0])
			return nil
		},
	}
	cf.register(cmd)

	return cmd
}
