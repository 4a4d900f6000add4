package tlsmgr

import (
	"bytes"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateCreatesAssets(t *testing.T) {
	dir := t.TempDir()
	if err := Generate(t.Context(), dir, "gw.internal", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, name := range []string{caCertFile, caKeyFile, serverCertFile, serverKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	info, err := os.Stat(filepath.Join(dir, serverKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	cert, err := EnsureServerCert(t.Context(), dir, "gw.internal", nil)
	if err != nil {
		t.Fatalf("EnsureServerCert: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("gw.internal"); err != nil {
		t.Fatalf("VerifyHostname: %v", err)
	}

	roots, err := ClientRoots(dir)
	if err != nil {
		t.Fatalf("ClientRoots: %v", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "gw.internal"}); err != nil {
		t.Fatalf("leaf does not chain to local ca: %v", err)
	}
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := Generate(t.Context(), dir, "", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := Generate(t.Context(), dir, "", nil); !errors.Is(err, ErrExists) {
		t.Fatalf("second Generate err = %v, want ErrExists", err)
	}
}

func TestGenerateReusesCA(t *testing.T) {
	dir := t.TempDir()
	if err := Generate(t.Context(), dir, "", nil); err != nil {
		t.Fatal(err)
	}
	ca, _ := os.ReadFile(filepath.Join(dir, caCertFile))
	_ = os.Remove(filepath.Join(dir, serverCertFile))
	if err := Generate(t.Context(), dir, "", nil); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	again, _ := os.ReadFile(filepath.Join(dir, caCertFile))
	if !bytes.Equal(ca, again) {
		t.Fatalf("ca was regenerated")
	}
}

func TestExportCA(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := ExportCA(dir, &buf); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ExportCA on empty dir err = %v", err)
	}
	if err := Generate(t.Context(), dir, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := ExportCA(dir, &buf); err != nil {
		t.Fatalf("ExportCA: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("BEGIN CERTIFICATE")) {
		t.Fatalf("exported data is not PEM")
	}
}
