package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/terminus"
)

// NewSessionsCommand builds the sessions listing command.
func NewSessionsCommand(loader *terminus.Loader) *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live terminal sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cf.client(cmd, loader)
			if err != nil {
				return err
			}
			sessions, err := client.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []terminus.Session{}
			}
			return printJSON(cmd, sessions)
		},
	}
	cf.register(cmd)

	return cmd
}

// NewStatusCommand builds the gateway status command.
func NewStatusCommand(loader *terminus.Loader) *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cf.client(cmd, loader)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
	cf.register(cmd)

	return cmd
}
