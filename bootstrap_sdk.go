package terminus

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/config"
	"pkt.systems/terminus/internal/server"
	"pkt.systems/terminus/internal/sessionstore"
	"pkt.systems/terminus/internal/tlsmgr"
)

// BootstrapOptions configures Bootstrap.
type BootstrapOptions struct {
	Config Config
	// Path defaults to DefaultConfigPath.
	Path string
	// WithAPIKey generates an API key, stores its hash for the server and
	// the key itself for the clients.
	WithAPIKey bool
	Logger     pslog.Logger
}

// BootstrapResult reports what Bootstrap created.
type BootstrapResult struct {
	Path   string
	APIKey string
}

// Bootstrap writes a first configuration: a fresh encryption key, an
// optional API key, the history database path and, in self-signed TLS
// mode, a local CA with a server certificate.
func Bootstrap(ctx context.Context, opts BootstrapOptions) (BootstrapResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	cfg := opts.Config
	res := BootstrapResult{Path: opts.Path}
	if res.Path == "" {
		res.Path = DefaultConfigPath()
	}

	if cfg.Security.EncryptionKey == "" {
		key, err := sessionstore.GenerateKey()
		if err != nil {
			return res, err
		}
		cfg.Security.EncryptionKey = key
	}
	if cfg.History.Path == "" {
		cfg.History.Path = config.DefaultHistoryPath()
	}
	if opts.WithAPIKey {
		key, err := newAPIKey()
		if err != nil {
			return res, err
		}
		hash, err := server.HashAPIKey(key)
		if err != nil {
			return res, err
		}
		cfg.Server.APIKeys = append(cfg.Server.APIKeys, hash)
		cfg.Client.APIKey = key
		res.APIKey = key
	}

	mode, err := tlsmgr.ParseMode(cfg.Server.TLS.Mode)
	if err != nil {
		return res, err
	}
	if mode == tlsmgr.ModeSelfSigned {
		err := tlsmgr.Generate(ctx, cfg.Server.TLS.Dir, cfg.Server.TLS.Hostname, logger)
		if err != nil && !errors.Is(err, tlsmgr.ErrExists) {
			return res, err
		}
	}

	if err := config.Write(res.Path, cfg); err != nil {
		return res, err
	}
	logger.Info("bootstrapped config", "path", res.Path, "tls_mode", string(mode), "api_key", opts.WithAPIKey)
	return res, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
