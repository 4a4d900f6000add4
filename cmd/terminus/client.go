package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/prettyx"
	"pkt.systems/terminus"
)

// clientFlags are the connection flags shared by client commands.
type clientFlags struct {
	endpoint string
	apiKey   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.endpoint, "endpoint", "e", terminus.DefaultClientEndpoint, "gateway endpoint (http/https base URL)")
	flags.StringVar(&f.apiKey, "api-key", "", "api key (overrides client.api_key)")
}

// resolve merges flags over the loaded config.
func (f *clientFlags) resolve(cmd *cobra.Command, loader *terminus.Loader) (endpoint, apiKey string, err error) {
	cfg, err := loader.Load()
	if err != nil {
		return "", "", err
	}
	endpoint = f.endpoint
	if !cmd.Flags().Changed("endpoint") {
		endpoint = cfg.Client.Endpoint
	}
	if endpoint == "" {
		return "", "", fmt.Errorf("endpoint is required")
	}
	apiKey = f.apiKey
	if !cmd.Flags().Changed("api-key") {
		apiKey = cfg.Client.APIKey
	}
	return endpoint, apiKey, nil
}

func (f *clientFlags) client(cmd *cobra.Command, loader *terminus.Loader) (*terminus.APIClient, error) {
	endpoint, apiKey, err := f.resolve(cmd, loader)
	if err != nil {
		return nil, err
	}
	return terminus.NewAPIClient(endpoint, apiKey)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return prettyx.PrettyTo(cmd.OutOrStdout(), data, prettyx.DefaultOptions)
}
