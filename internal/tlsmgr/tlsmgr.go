// Package tlsmgr builds the gateway's server TLS configuration.
package tlsmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"pkt.systems/pslog"
)

// Mode selects how TLS is configured.
type Mode string

const (
	// ModeOff serves plain HTTP, for use behind a terminating proxy.
	ModeOff Mode = "off"
	// ModeSelfSigned issues a server certificate from a local CA kept in Dir.
	ModeSelfSigned Mode = "self-signed"
	// ModeBundle loads the certificate chain and key from PEM files.
	ModeBundle Mode = "bundle"
	// ModeACME obtains certificates with TLS-ALPN-01.
	ModeACME Mode = "acme"
)

// ErrUnknownMode is returned for an unrecognised mode name.
var ErrUnknownMode = errors.New("unknown tls mode")

// ParseMode normalises a configured mode name. Empty means off.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOff:
		return ModeOff, nil
	case ModeSelfSigned, ModeBundle, ModeACME:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Config configures TLS management behavior.
type Config struct {
	Mode        Mode
	BundleFiles []string
	Hostname    string
	Dir         string
	CacheDir    string
}

// ServerConfig returns the TLS configuration for cfg, or nil in ModeOff.
func ServerConfig(ctx context.Context, cfg Config, logger pslog.Logger) (*tls.Config, error) {
	logger = ensureLogger(logger)
	switch cfg.Mode {
	case "", ModeOff:
		logger.Warn("tls disabled; serving plain http")
		return nil, nil
	case ModeBundle:
		if len(cfg.BundleFiles) == 0 {
			return nil, errors.New("tls bundle mode requires at least one bundle file")
		}
		cert, err := LoadBundle(cfg.BundleFiles)
		if err != nil {
			return nil, err
		}
		return withCert(cert), nil
	case ModeACME:
		if cfg.Hostname == "" {
			return nil, errors.New("acme mode requires a tls hostname")
		}
		if cfg.CacheDir == "" {
			return nil, errors.New("acme mode requires a tls cache dir")
		}
		if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
			return nil, err
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cfg.CacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Hostname),
		}
		logger.Info("acme tls enabled", "hostname", cfg.Hostname, "cache_dir", cfg.CacheDir)
		return &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: manager.GetCertificate,
			NextProtos:     []string{acme.ALPNProto, "h2", "http/1.1"},
		}, nil
	case ModeSelfSigned:
		if cfg.Dir == "" {
			return nil, errors.New("self-signed mode requires a tls dir")
		}
		cert, err := EnsureServerCert(ctx, cfg.Dir, cfg.Hostname, logger)
		if err != nil {
			return nil, err
		}
		return withCert(cert), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func withCert(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
}

func ensureLogger(logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return pslog.LoggerFromEnv()
}

func wrapMissing(err error, hint string) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", hint, err)
	}
	return err
}
