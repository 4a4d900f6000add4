package terminus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/broker"
	"pkt.systems/terminus/internal/fanout"
	"pkt.systems/terminus/internal/gateway"
	"pkt.systems/terminus/internal/history"
	"pkt.systems/terminus/internal/metrics"
	"pkt.systems/terminus/internal/server"
	"pkt.systems/terminus/internal/sessionstore"
	"pkt.systems/terminus/internal/sshconn"
	"pkt.systems/terminus/internal/staging"
	"pkt.systems/terminus/internal/tlsmgr"
	"pkt.systems/terminus/internal/transfer"
)

// ServeOptions configures the gateway run.
type ServeOptions struct {
	Config Config
	Logger pslog.Logger
	// Listener replaces Config.Server.Listen when set.
	Listener net.Listener
	// Ready, when set, is called with the bound address once the gateway
	// accepts connections.
	Ready func(addr net.Addr)
}

// Serve runs the gateway until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, opts ServeOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}

	base, err := server.NormalizeBasePath(cfg.Server.BasePath)
	if err != nil {
		return err
	}
	mode, err := tlsmgr.ParseMode(cfg.Server.TLS.Mode)
	if err != nil {
		return err
	}
	tlsCfg, err := tlsmgr.ServerConfig(ctx, tlsmgr.Config{
		Mode:        mode,
		BundleFiles: cfg.Server.TLS.Bundle,
		Hostname:    cfg.Server.TLS.Hostname,
		Dir:         cfg.Server.TLS.Dir,
		CacheDir:    cfg.Server.TLS.CacheDir,
	}, logger)
	if err != nil {
		return err
	}

	sealer, err := sessionstore.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}
	if !sealer.Encrypted() {
		logger.Warn("session metadata is stored unencrypted; set security.encryption_key")
	}

	m := metrics.New()
	var (
		bus   fanout.Bus
		store sessionstore.Store
	)
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		bus = fanout.NewRedisBus(rdb, logger)
		store = sessionstore.NewRedisStore(rdb, sealer)
		logger.Info("using redis for fan-out and session directory", "addr", ropts.Addr)
	} else {
		bus = fanout.NewMemoryBus(fanout.WithDropHook(m.FanoutDropped))
		store = sessionstore.NewMemoryStore(sealer)
	}
	defer bus.Close()

	dialer, err := sshconn.NewDialer(sshconn.Config{
		Timeout:           cfg.SSH.DialTimeout,
		KeepaliveInterval: cfg.SSH.KeepaliveInterval,
		KnownHostsFile:    cfg.SSH.KnownHosts,
		Term:              cfg.SSH.Term,
		Logger:            logger.With("component", "ssh"),
	})
	if err != nil {
		return err
	}

	instance := cfg.Server.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	brk := broker.New(broker.Options{
		Instance: instance,
		Dialer:   broker.SSHDialer(dialer),
		Bus:      bus,
		Store:    store,
		Logger:   logger,
	})
	defer brk.Close()

	hist, err := history.Open(cfg.History.Path, logger)
	if err != nil {
		return err
	}
	defer hist.Close()
	transfers := transfer.NewManager(logger)
	transfers.OnDone(hist.Hook())
	transfers.OnDone(m.TransferDone)

	area, err := staging.New(cfg.Staging.Dir, logger)
	if err != nil {
		return err
	}
	janitor, err := staging.NewJanitor(area, cfg.Staging.SweepSchedule, cfg.Staging.MaxAge)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop(context.Background())

	origins := cfg.Server.CORS.AllowedOrigins
	wsOrigins := origins
	if slices.Contains(origins, "*") {
		wsOrigins = []string{"*"}
	}
	gw := gateway.New(gateway.Options{
		Broker:    brk,
		Dialer:    dialer,
		Transfers: transfers,
		History:   hist,
		Staging:   area,
		Metrics:   m,
		Logger:    logger,
		Intervals: gateway.Intervals{
			Upload:  cfg.Transfer.UploadInterval,
			File:    cfg.Transfer.DownloadInterval,
			Archive: cfg.Transfer.ArchiveInterval,
		},
		DefaultCols:     cfg.SSH.DefaultCols,
		DefaultRows:     cfg.SSH.DefaultRows,
		MaxUploadMemory: cfg.Transfer.MaxUploadMemory,
		OriginPatterns:  wsOrigins,
	})
	defer gw.Close()

	gate := server.NewAPIKeyGate(cfg.Server.APIKeys)
	if !gate.Enabled() {
		logger.Warn("api key gate disabled; set server.api_keys to require keys")
	}
	router := server.NewRouter(server.RouterConfig{
		Logger:         logger.With("component", "access"),
		AllowedOrigins: origins,
	})
	gw.Mount(router, gate.Middleware)

	srv := server.NewServer(server.Config{
		ListenAddr: cfg.Server.Listen,
		TLSConfig:  tlsCfg,
		Logger:     logger.With("component", "http"),
		// Streams and WebSockets need unbounded reads and writes.
		ReadHeaderTimeout: server.DefaultReadHeaderTimeout,
		IdleTimeout:       server.DefaultIdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}, server.WrapBasePath(base, router))

	ln := opts.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return err
		}
	}
	logger.Info("starting gateway", "listen", ln.Addr().String(), "base", base, "tls_mode", string(mode), "instance", instance)
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer cancel()
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
