package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/terminus"
)

// NewRootCommand builds the root CLI command.
func NewRootCommand(loader *terminus.Loader) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "terminus",
		Short:         "Remote terminal and SFTP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configFile != "" {
				loader.SetConfigFile(configFile)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCommand(loader))
	cmd.AddCommand(NewBootstrapCommand(loader))
	cmd.AddCommand(NewAttachCommand(loader))
	cmd.AddCommand(NewSessionsCommand(loader))
	cmd.AddCommand(NewStatusCommand(loader))
	cmd.AddCommand(NewTransfersCommand(loader))
	cmd.AddCommand(NewTLSCommand())

	return cmd
}
