package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/terminus"
)

// NewTLSCommand builds the TLS management command.
func NewTLSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage the local certificate authority",
	}

	cmd.AddCommand(newTLSNewCommand())
	cmd.AddCommand(newTLSExportCommand())

	return cmd
}

func newTLSNewCommand() *cobra.Command {
	var dir string
	var hostname string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a CA (when missing) and a server certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := pslog.Ctx(cmd.Context()).With("component", "tls")
			if dir == "" {
				dir = terminus.DefaultTLSDir()
			}
			return terminus.TLSNew(cmd.Context(), dir, hostname, logger)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", terminus.DefaultTLSDir(), "tls directory")
	cmd.Flags().StringVar(&hostname, "hostname", "", "server certificate hostname (added to the localhost SANs)")

	return cmd
}

func newTLSExportCommand() *cobra.Command {
	var dir string
	var output string

	cmd := &cobra.Command{
		Use:   "export-ca",
		Short: "Export the CA certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = terminus.DefaultTLSDir()
			}
			var out io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
				if err != nil {
					return err
				}
				out = file
				defer func() {
					if cerr := file.Close(); cerr != nil {
						pslog.Ctx(cmd.Context()).Error("failed to close output file", "err", cerr)
					}
				}()
			}
			if err := terminus.TLSExportCA(dir, out); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "exported CA to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", terminus.DefaultTLSDir(), "tls directory")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to stdout)")

	return cmd
}
