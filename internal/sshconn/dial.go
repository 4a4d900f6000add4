package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"pkt.systems/pslog"
)

// Dial defaults.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
)

// Config configures a Dialer.
type Config struct {
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	// KnownHostsFile enables host key verification. When empty every host
	// key is accepted.
	KnownHostsFile string
	// Term is the TERM requested for shells. Empty means DefaultTerm.
	Term   string
	Logger pslog.Logger
}

// Dialer opens SSH client connections.
type Dialer struct {
	timeout   time.Duration
	keepalive time.Duration
	hostKeys  ssh.HostKeyCallback
	term      string
	logger    pslog.Logger
}

// NewDialer builds a Dialer from cfg.
func NewDialer(cfg Config) (*Dialer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	d := &Dialer{
		timeout:   cfg.Timeout,
		keepalive: cfg.KeepaliveInterval,
		term:      cfg.Term,
		logger:    logger,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultDialTimeout
	}
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		d.hostKeys = cb
	} else {
		logger.Warn("ssh host key verification disabled; set ssh.known_hosts to enable it")
		d.hostKeys = ssh.InsecureIgnoreHostKey()
	}
	return d, nil
}

// Dial connects and authenticates to target. The banner callback, if any,
// receives the server's pre-auth banner.
func (d *Dialer) Dial(ctx context.Context, target Target, banner func(string)) (*Client, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	auth, err := target.Auth.authMethods()
	if err != nil {
		return nil, err
	}
	var hostKey ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: target.Username,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := d.hostKeys(hostname, remote, key); err != nil {
				return err
			}
			hostKey = key
			return nil
		},
		Timeout: d.timeout,
	}
	if banner != nil {
		cfg.BannerCallback = func(message string) error {
			banner(message)
			return nil
		}
	}

	addr := target.Addr()
	netDialer := net.Dialer{Timeout: d.timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(d.timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stopped := stop()
	if err != nil {
		_ = conn.Close()
		if !stopped && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	if !stopped {
		_ = sshConn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	client := &Client{
		ssh:     ssh.NewClient(sshConn, chans, reqs),
		hostKey: hostKey,
		term:    d.term,
		done:    make(chan struct{}),
		logger:  d.logger.With("addr", addr),
	}
	go client.watch()
	if d.keepalive > 0 {
		go client.keepaliveLoop(d.keepalive)
	}
	return client, nil
}

// Client is an authenticated SSH connection.
type Client struct {
	ssh     *ssh.Client
	hostKey ssh.PublicKey
	term    string
	logger  pslog.Logger

	once sync.Once
	err  error
	done chan struct{}
}

// NewClient wraps an already established ssh.Client.
func NewClient(c *ssh.Client, logger pslog.Logger) *Client {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	client := &Client{ssh: c, done: make(chan struct{}), logger: logger}
	go client.watch()
	return client
}

// HostKey returns the algorithm and SHA256 fingerprint of the key the
// server presented. Both are empty for wrapped clients.
func (c *Client) HostKey() (algorithm, fingerprint string) {
	if c.hostKey == nil {
		return "", ""
	}
	return c.hostKey.Type(), ssh.FingerprintSHA256(c.hostKey)
}

// SSH exposes the underlying client for subsystems such as SFTP.
func (c *Client) SSH() *ssh.Client {
	return c.ssh
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) watch() {
	_ = c.ssh.Wait()
	close(c.done)
}

func (c *Client) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("ssh keepalive failed; closing connection", "err", err)
				_ = c.Close()
				return
			}
		}
	}
}

// Close ends the connection. Further calls are no-ops.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.err = c.ssh.Close()
		if errors.Is(c.err, net.ErrClosed) {
			c.err = nil
		}
	})
	return c.err
}
