package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/terminus"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(terminus.NewLoader())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
	root.SetContext(pslog.ContextWithLogger(context.Background(), logger))
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCommand(terminus.NewLoader())
	want := []string{"serve", "bootstrap", "attach", "sessions", "status", "transfers", "tls"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing command %q", name)
		}
	}
}

func TestTLSNewAndExport(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := filepath.Join(t.TempDir(), "tls")
	if _, err := run(t, "tls", "new", "--dir", dir, "--hostname", "gw.test"); err != nil {
		t.Fatalf("tls new: %v", err)
	}
	out, err := run(t, "tls", "export-ca", "--dir", dir)
	if err != nil {
		t.Fatalf("export-ca: %v", err)
	}
	if !strings.Contains(out, "BEGIN CERTIFICATE") {
		t.Fatalf("unexpected export output %q", out)
	}
}

func TestBootstrapCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := run(t, "bootstrap", "--output", path)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !strings.Contains(out, "wrote "+path) || !strings.Contains(out, "api key") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, "bootstrap", "--output", path); err == nil {
		t.Fatal("expected second bootstrap to refuse overwriting")
	}
}
