package tlsmgr

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":            ModeOff,
		"off":         ModeOff,
		"Self-Signed": ModeSelfSigned,
		" bundle ":    ModeBundle,
		"acme":        ModeACME,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("auto"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("ParseMode(auto) err = %v, want ErrUnknownMode", err)
	}
}

func TestServerConfigOffIsNil(t *testing.T) {
	cfg, err := ServerConfig(t.Context(), Config{Mode: ModeOff}, nil)
	if err != nil || cfg != nil {
		t.Fatalf("ServerConfig(off) = %v, %v", cfg, err)
	}
}

func TestServerConfigBundleRequiresFiles(t *testing.T) {
	if _, err := ServerConfig(t.Context(), Config{Mode: ModeBundle}, nil); err == nil {
		t.Fatalf("expected error for empty bundle")
	}
}

func TestServerConfigACMERequiresHostname(t *testing.T) {
	if _, err := ServerConfig(t.Context(), Config{Mode: ModeACME, CacheDir: t.TempDir()}, nil); err == nil {
		t.Fatalf("expected error for missing hostname")
	}
}

func TestServerConfigACME(t *testing.T) {
	cfg, err := ServerConfig(t.Context(), Config{Mode: ModeACME, Hostname: "gw.example.com", CacheDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.GetCertificate == nil || len(cfg.NextProtos) == 0 {
		t.Fatalf("acme config incomplete: %+v", cfg)
	}
}

func TestServerConfigSelfSignedGenerates(t *testing.T) {
	cfg, err := ServerConfig(t.Context(), Config{Mode: ModeSelfSigned, Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg == nil || len(cfg.Certificates) == 0 {
		t.Fatalf("expected TLS config with certificate")
	}
}
