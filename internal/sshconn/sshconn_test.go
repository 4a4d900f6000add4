package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

type testServer struct {
	addr    string
	port    int
	hostKey ssh.PublicKey
}

func startTestServer(t *testing.T, clientKey ssh.PublicKey) testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == "deploy" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && string(key.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
		BannerCallback: func(ssh.ConnMetadata) string { return "welcome to test\n" },
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTestConn(conn, cfg)
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return testServer{addr: tcpAddr.IP.String(), port: tcpAddr.Port, hostKey: hostSigner.PublicKey()}
}

func serveTestConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, chReqs)
	}
}

func handleTestSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	var writeMu sync.Mutex
	write := func(s string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = io.WriteString(ch, s)
	}
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "window-change":
			var dims struct {
				Cols, Rows, Width, Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &dims); err == nil {
				write(fmt.Sprintf("resize:%dx%d\n", dims.Cols, dims.Rows))
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			_ = req.Reply(true, nil)
			write("ready\n")
			go func() {
				buf := make([]byte, 1024)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						write("echo:" + string(buf[:n]))
					}
					if err != nil {
						return
					}
				}
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

type outputCollector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func collect(r io.Reader) *outputCollector {
	c := &outputCollector{}
	go func() {
		chunk := make([]byte, 1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(chunk[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *outputCollector) waitFor(t *testing.T, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.buf.String()
		c.mu.Unlock()
		if strings.Contains(got, target) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %q, got %q", target, c.buf.String())
}

func newTestDialer(t *testing.T) *Dialer {
	t.Helper()
	d, err := NewDialer(Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d
}

func TestDialPasswordAndShell(t *testing.T) {
	srv := startTestServer(t, nil)
	var (
		bannerMu sync.Mutex
		banner   string
	)
	client, err := newTestDialer(t).Dial(context.Background(), Target{
		Host:     srv.addr,
		Port:     srv.port,
		Username: "deploy",
		Auth:     Password{Secret: "secret"},
	}, func(msg string) {
		bannerMu.Lock()
		banner = msg
		bannerMu.Unlock()
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	bannerMu.Lock()
	gotBanner := banner
	bannerMu.Unlock()
	if gotBanner != "welcome to test\n" {
		t.Fatalf("banner = %q", gotBanner)
	}
	if algo, fp := client.HostKey(); algo != ssh.KeyAlgoED25519 || fp != ssh.FingerprintSHA256(srv.hostKey) {
		t.Fatalf("host key = %s %s", algo, fp)
	}

	shell, err := client.OpenShell(0, 0)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	out := collect(shell)
	out.waitFor(t, "ready", 2*time.Second)

	if _, err := shell.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out.waitFor(t, "echo:ls", 2*time.Second)

	if err := shell.Resize(100, 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	out.waitFor(t, "resize:100x30", 2*time.Second)

	if err := shell.Resize(9000, -3); err != nil {
		t.Fatalf("Resize clamp: %v", err)
	}
	out.waitFor(t, "resize:500x1", 2*time.Second)

	if err := shell.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := shell.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDialRejectsWrongPassword(t *testing.T) {
	srv := startTestServer(t, nil)
	_, err := newTestDialer(t).Dial(context.Background(), Target{
		Host:     srv.addr,
		Port:     srv.port,
		Username: "deploy",
		Auth:     Password{Secret: "nope"},
	}, nil)
	if err == nil {
		t.Fatalf("expected authentication failure")
	}
}

func TestDialPrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	srv := startTestServer(t, sshPub)

	client, err := newTestDialer(t).Dial(context.Background(), Target{
		Host:     srv.addr,
		Port:     srv.port,
		Username: "deploy",
		Auth:     PrivateKey{PEM: pem.EncodeToMemory(block)},
	}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed after Close")
	}
}

func TestDialValidatesTarget(t *testing.T) {
	d := newTestDialer(t)
	_, err := d.Dial(context.Background(), Target{Username: "x", Auth: Password{Secret: "y"}}, nil)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing host err = %v", err)
	}
	_, err = d.Dial(context.Background(), Target{Host: "h", Username: "x", Auth: PrivateKey{PEM: []byte("garbage")}}, nil)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad key err = %v", err)
	}
}

func TestParseCredentials(t *testing.T) {
	cases := []struct {
		method, password, key string
		want                  AuthMethod
		wantErr               bool
	}{
		{method: "password", password: "p", want: AuthPassword},
		{method: "privateKey", key: "k", want: AuthPrivateKey},
		{password: "p", want: AuthPassword},
		{key: "k", password: "p", want: AuthPrivateKey},
		{wantErr: true},
		{method: "kerberos", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCredentials(tc.method, tc.password, tc.key, "")
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("ParseCredentials(%q) err = %v", tc.method, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseCredentials(%q): %v", tc.method, err)
		}
		if got.Method() != tc.want {
			t.Fatalf("ParseCredentials(%q) = %s, want %s", tc.method, got.Method(), tc.want)
		}
	}
}

func TestTargetAddrAndClamp(t *testing.T) {
	if got := (Target{Host: "example.com"}).Addr(); got != "example.com:22" {
		t.Fatalf("Addr = %q", got)
	}
	if got := (Target{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Fatalf("Addr = %q", got)
	}
	if c, r := ClampSize(0, 0); c != DefaultCols || r != DefaultRows {
		t.Fatalf("ClampSize(0,0) = %d,%d", c, r)
	}
	if c, r := ClampSize(-5, 1000); c != 1 || r != MaxDim {
		t.Fatalf("ClampSize(-5,1000) = %d,%d", c, r)
	}
}
