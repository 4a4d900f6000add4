package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigUsesConstants(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()

	if cfg.Server.Listen != DefaultListenAddr {
		t.Fatalf("Listen = %q, want %q", cfg.Server.Listen, DefaultListenAddr)
	}
	if cfg.Server.BasePath != DefaultBasePath {
		t.Fatalf("BasePath = %q, want %q", cfg.Server.BasePath, DefaultBasePath)
	}
	if cfg.Server.TLS.Mode != DefaultTLSMode {
		t.Fatalf("TLS.Mode = %q, want %q", cfg.Server.TLS.Mode, DefaultTLSMode)
	}

	expectedTLSDir := filepath.Join(home, DefaultConfigDirName, DefaultTLSDirName)
	if cfg.Server.TLS.Dir != expectedTLSDir {
		t.Fatalf("TLS.Dir = %q, want %q", cfg.Server.TLS.Dir, expectedTLSDir)
	}
	expectedCache := filepath.Join(expectedTLSDir, DefaultTLSCacheDirName)
	if cfg.Server.TLS.CacheDir != expectedCache {
		t.Fatalf("TLS.CacheDir = %q, want %q", cfg.Server.TLS.CacheDir, expectedCache)
	}

	if cfg.SSH.DialTimeout != DefaultDialTimeout || cfg.SSH.Term != DefaultTerm {
		t.Fatalf("SSH = %+v", cfg.SSH)
	}
	if cfg.Transfer.ArchiveInterval != DefaultArchiveInterval {
		t.Fatalf("ArchiveInterval = %v, want %v", cfg.Transfer.ArchiveInterval, DefaultArchiveInterval)
	}
	if cfg.Staging.SweepSchedule != DefaultSweepSchedule {
		t.Fatalf("SweepSchedule = %q", cfg.Staging.SweepSchedule)
	}
	if cfg.Redis.URL != "" || cfg.History.Path != "" {
		t.Fatalf("redis and history must default to disabled: %+v %+v", cfg.Redis, cfg.History)
	}
	if cfg.Client.Endpoint != DefaultClientEndpoint {
		t.Fatalf("Client.Endpoint = %q, want %q", cfg.Client.Endpoint, DefaultClientEndpoint)
	}
}
