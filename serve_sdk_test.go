package terminus

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/server"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.TLS.Mode = "off"
	cfg.Server.TLS.Dir = filepath.Join(dir, "tls")
	cfg.Staging.Dir = filepath.Join(dir, "staging")
	cfg.History.Path = filepath.Join(dir, "history.db")
	return cfg
}

// startGateway runs Serve in the background and returns its base URL.
func startGateway(t *testing.T, cfg Config) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- Serve(ctx, ServeOptions{
			Config:   cfg,
			Logger:   testLogger(),
			Listener: ln,
			Ready:    func(net.Addr) { close(ready) },
		})
	}()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("serve did not shut down")
		}
	})
	return "http://" + ln.Addr().String()
}

func TestServeHealthAndShutdown(t *testing.T) {
	base := startGateway(t, testConfig(t))
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(base + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestServeRejectsBadTLSMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS.Mode = "bogus"
	err := Serve(context.Background(), ServeOptions{Config: cfg, Logger: testLogger()})
	if err == nil {
		t.Fatal("expected error for unknown tls mode")
	}
}

func TestServeRejectsBadEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.EncryptionKey = "not-a-key"
	if err := Serve(context.Background(), ServeOptions{Config: cfg, Logger: testLogger()}); err == nil {
		t.Fatal("expected error for invalid encryption key")
	}
}

func TestAPIClientAgainstGateway(t *testing.T) {
	cfg := testConfig(t)
	hash, err := server.HashAPIKey("letmein")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg.Server.APIKeys = []string{hash}
	base := startGateway(t, cfg)
	ctx := context.Background()

	anon, err := NewAPIClient(base, "")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := anon.Sessions(ctx); err == nil {
		t.Fatal("expected sessions to require an api key")
	}
	status, err := anon.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Instance == "" || !status.History {
		t.Fatalf("unexpected status %+v", status)
	}

	c, err := NewAPIClient(base, "letmein")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %v", sessions)
	}
	report, err := c.Transfers(ctx, "", 10)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(report.Active) != 0 || len(report.History) != 0 {
		t.Fatalf("unexpected transfers %+v", report)
	}
	found, err := c.CancelTransfer(ctx, "nothing.bin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if found {
		t.Fatal("cancel of unknown transfer reported found")
	}
}

func TestNormalizeHTTPURL(t *testing.T) {
	cases := map[string]string{
		"https://gw.example.com/": "https://gw.example.com",
		"wss://gw.example.com/x":  "https://gw.example.com/x",
		"ws://localhost:7145":     "http://localhost:7145",
	}
	for in, want := range cases {
		got, err := normalizeHTTPURL(in)
		if err != nil || got != want {
			t.Fatalf("%s: got %q, %v", in, got, err)
		}
	}
	if _, err := normalizeHTTPURL("localhost"); err == nil {
		t.Fatal("expected error without scheme")
	}
}

func TestBootstrapWritesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS.Mode = "self-signed"
	cfg.Server.TLS.Hostname = "gw.test"
	path := filepath.Join(t.TempDir(), "config.yaml")

	res, err := Bootstrap(context.Background(), BootstrapOptions{
		Config:     cfg,
		Path:       path,
		WithAPIKey: true,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res.APIKey == "" || res.Path != path {
		t.Fatalf("unexpected result %+v", res)
	}

	loader := NewLoader()
	loader.SetConfigFile(path)
	got, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Security.EncryptionKey == "" {
		t.Fatal("expected an encryption key")
	}
	if len(got.Server.APIKeys) != 1 || got.Client.APIKey != res.APIKey {
		t.Fatalf("api keys not stored: %+v %+v", got.Server.APIKeys, got.Client)
	}
	if !server.NewAPIKeyGate(got.Server.APIKeys).Check(res.APIKey) {
		t.Fatal("stored hash does not match the generated key")
	}

	_, err = Bootstrap(context.Background(), BootstrapOptions{Config: cfg, Path: path, Logger: testLogger()})
	if !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
}
