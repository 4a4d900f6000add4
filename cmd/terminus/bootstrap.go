package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/terminus"
)

// NewBootstrapCommand builds the bootstrap command.
func NewBootstrapCommand(loader *terminus.Loader) *cobra.Command {
	var (
		path       string
		tlsMode    string
		hostname   string
		withAPIKey bool
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Write a first terminus config with fresh keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := pslog.Ctx(cmd.Context()).With("component", "bootstrap")
			cfg := terminus.DefaultConfig()
			cfg.Server.TLS.Mode = tlsMode
			cfg.Server.TLS.Hostname = hostname
			if path == "" {
				if f := loader.Viper().ConfigFileUsed(); f != "" {
					path = f
				}
			}
			res, err := terminus.Bootstrap(cmd.Context(), terminus.BootstrapOptions{
				Config:     cfg,
				Path:       path,
				WithAPIKey: withAPIKey,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", res.Path)
			if res.APIKey != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "api key (shown once): %s\n", res.APIKey)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&path, "output", "o", "", "config file to write (defaults to "+terminus.DefaultConfigPath()+")")
	flags.StringVar(&tlsMode, "tls-mode", terminus.DefaultTLSMode, "tls mode: off, self-signed, bundle or acme")
	flags.StringVar(&hostname, "tls-hostname", "", "hostname for the server certificate")
	flags.BoolVar(&withAPIKey, "api-key", true, "generate an api key")

	return cmd
}
