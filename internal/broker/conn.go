package broker

import (
	"context"
	"io"

	"golang.org/x/crypto/ssh"

	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/sshconn"
)

// Conn is one client transport: an admin or a viewer.
type Conn interface {
	ID() string
	Send(ctx context.Context, env protocol.Envelope) error
	Close(ctx context.Context, reason string) error
}

// Dialer opens SSH connections.
type Dialer interface {
	Dial(ctx context.Context, target sshconn.Target, banner func(string)) (Client, error)
}

// Client is an authenticated SSH connection.
type Client interface {
	OpenShell(cols, rows int) (Shell, error)
	Close() error
}

// Shell is a PTY shell channel.
type Shell interface {
	io.ReadWriter
	Resize(cols, rows int) error
	Close() error
}

// SSHDialer adapts an sshconn.Dialer.
func SSHDialer(d *sshconn.Dialer) Dialer {
	return sshDialer{d: d}
}

type sshDialer struct {
	d *sshconn.Dialer
}

func (s sshDialer) Dial(ctx context.Context, target sshconn.Target, banner func(string)) (Client, error) {
	c, err := s.d.Dial(ctx, target, banner)
	if err != nil {
		return nil, err
	}
	return sshClient{c: c}, nil
}

type sshClient struct {
	c *sshconn.Client
}

func (s sshClient) OpenShell(cols, rows int) (Shell, error) {
	shell, err := s.c.OpenShell(cols, rows)
	if err != nil {
		return nil, err
	}
	return shell, nil
}

func (s sshClient) Close() error { return s.c.Close() }

func (s sshClient) SSH() *ssh.Client { return s.c.SSH() }

func (s sshClient) HostKey() (string, string) { return s.c.HostKey() }
