package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/terminus"
)

// NewAttachCommand builds the attach command.
func NewAttachCommand(loader *terminus.Loader) *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "attach [session-id]",
		Short: "Watch a live terminal session (Ctrl-] detaches)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, apiKey, err := cf.resolve(cmd, loader)
			if err != nil {
				return err
			}
			logger, closer, err := openClientLogger()
			if err != nil {
				return err
			}
			defer func() {
				_ = closer.Close()
			}()

			var sessionID string
			if len(args) > 0 {
				sessionID = args[0]
			} else {
				client, err := terminus.NewAPIClient(endpoint, apiKey)
				if err != nil {
					return err
				}
				sessions, err := client.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				switch len(sessions) {
				case 0:
					return fmt.Errorf("no sessions available")
				case 1:
					sessionID = sessions[0].ID
				default:
					return fmt.Errorf("multiple sessions found; pass a session id or run `terminus sessions`")
				}
			}

			return terminus.Attach(cmd.Context(), terminus.AttachOptions{
				Endpoint:  endpoint,
				SessionID: sessionID,
				APIKey:    apiKey,
				Logger:    logger.With("component", "attach"),
			})
		},
	}
	cf.register(cmd)
	cmd.ValidArgsFunction = sessionCompletion(loader, &cf)

	return cmd
}

func sessionCompletion(loader *terminus.Loader, cf *clientFlags) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		client, err := cf.client(cmd, loader)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		sessions, err := client.Sessions(cmd.Context())
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, s := range sessions {
			if strings.HasPrefix(s.ID, toComplete) {
				out = append(out, s.ID)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	}
}
