package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// Default timeouts. Writes are unbounded because downloads and WebSocket
// connections stream for as long as they need.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	TLSConfig  *tls.Config
	Logger     pslog.Logger

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// Server runs the gateway HTTP listener.
type Server interface {
	Serve(ln net.Listener) error
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type stdServer struct {
	srv    *http.Server
	logger pslog.Logger
}

// NewServer constructs a Server using the provided handler.
func NewServer(cfg Config, handler http.Handler) Server {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &stdServer{
		logger: logger,
		srv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			TLSConfig:         cfg.TLSConfig,
			ErrorLog:          pslog.LogLogger(logger),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
	}
}

// Serve accepts connections on ln, wrapping it in TLS when configured.
// A clean shutdown returns nil.
func (s *stdServer) Serve(ln net.Listener) error {
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, s.srv.TLSConfig)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", s.srv.TLSConfig != nil)
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *stdServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *stdServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
