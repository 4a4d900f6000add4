package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/terminus"
)

// NewServeCommand builds the gateway command.
func NewServeCommand(loader *terminus.Loader) *cobra.Command {
	v := loader.Viper()
	var bindErr error

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the terminus gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bindErr != nil {
				return bindErr
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			logger := pslog.Ctx(cmd.Context()).With("component", "serve")
			return terminus.Serve(cmd.Context(), terminus.ServeOptions{
				Config: cfg,
				Logger: logger,
			})
		},
	}

	defaults := terminus.DefaultConfig()
	flags := cmd.Flags()
	flags.String("listen", terminus.DefaultListenAddr, "listen address")
	flags.String("base", terminus.DefaultBasePath, "base path prefix for all HTTP routes")
	flags.String("instance-id", "", "instance id on the fan-out bus (random when empty)")
	flags.StringSlice("cors-origin", defaults.Server.CORS.AllowedOrigins, "allowed browser origin (repeatable)")
	flags.String("tls-mode", terminus.DefaultTLSMode, "tls mode: off, self-signed, bundle or acme")
	flags.StringArray("tls-bundle", nil, "path to PEM bundle file (repeatable)")
	flags.String("tls-dir", defaults.Server.TLS.Dir, "tls directory")
	flags.String("tls-cache-dir", defaults.Server.TLS.CacheDir, "tls cache directory for acme")
	flags.String("tls-hostname", "", "hostname for acme or the self-signed server certificate")
	flags.String("redis-url", "", "redis url for cross-instance fan-out (in-process when empty)")
	flags.String("known-hosts", "", "known_hosts file for ssh host key verification")
	flags.Duration("ssh-dial-timeout", defaults.SSH.DialTimeout, "ssh connect and handshake timeout")
	flags.String("term", defaults.SSH.Term, "TERM requested for remote shells")
	flags.Int("default-cols", defaults.SSH.DefaultCols, "shell columns when the client sends none")
	flags.Int("default-rows", defaults.SSH.DefaultRows, "shell rows when the client sends none")
	flags.String("staging-dir", defaults.Staging.Dir, "local staging directory for transfers")
	flags.String("history-db", "", "transfer history database path (disabled when empty)")

	bind := func(key, name string) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			bindErr = err
		}
	}

	bind("server.listen", "listen")
	bind("server.base", "base")
	bind("server.instance_id", "instance-id")
	bind("server.cors.allowed_origins", "cors-origin")
	bind("server.tls.mode", "tls-mode")
	bind("server.tls.bundle", "tls-bundle")
	bind("server.tls.dir", "tls-dir")
	bind("server.tls.cache_dir", "tls-cache-dir")
	bind("server.tls.hostname", "tls-hostname")
	bind("redis.url", "redis-url")
	bind("ssh.known_hosts", "known-hosts")
	bind("ssh.dial_timeout", "ssh-dial-timeout")
	bind("ssh.term", "term")
	bind("ssh.default_cols", "default-cols")
	bind("ssh.default_rows", "default-rows")
	bind("staging.dir", "staging-dir")
	bind("history.path", "history-db")

	return cmd
}
