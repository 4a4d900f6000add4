package tlsmgr

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	caCertFile     = "ca.pem"
	caKeyFile      = "ca.key"
	serverCertFile = "server.pem"
	serverKeyFile  = "server.key"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 397 * 24 * time.Hour
)

// ErrExists is returned when generation would overwrite existing assets.
var ErrExists = errors.New("tls assets already exist")

// EnsureServerCert loads the server certificate in dir, issuing one from the
// local CA (created on demand) when it is missing.
func EnsureServerCert(ctx context.Context, dir, hostname string, logger pslog.Logger) (tls.Certificate, error) {
	logger = ensureLogger(logger)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, err
	}
	present, err := pairExists(dir, serverCertFile, serverKeyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	if !present {
		if err := Generate(ctx, dir, hostname, logger); err != nil && !errors.Is(err, ErrExists) {
			return tls.Certificate{}, err
		}
	}
	return tls.LoadX509KeyPair(filepath.Join(dir, serverCertFile), filepath.Join(dir, serverKeyFile))
}

// Generate creates the local CA if it is missing and issues a server
// certificate for hostname. It refuses to replace an existing server
// certificate.
func Generate(ctx context.Context, dir, hostname string, logger pslog.Logger) error {
	logger = ensureLogger(logger)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if present, err := pairExists(dir, serverCertFile, serverKeyFile); err != nil {
		return err
	} else if present {
		return fmt.Errorf("%w in %s", ErrExists, dir)
	}

	caPresent, err := pairExists(dir, caCertFile, caKeyFile)
	if err != nil {
		return err
	}
	if !caPresent {
		if err := writeCA(dir); err != nil {
			return err
		}
		logger.Info("generated local ca", "cert", filepath.Join(dir, caCertFile))
	}
	caCert, caKey, err := loadCA(dir)
	if err != nil {
		return err
	}
	if err := writeServerCert(dir, hostname, caCert, caKey); err != nil {
		return err
	}
	logger.Info("issued server certificate", "cert", filepath.Join(dir, serverCertFile), "hostname", hostname)
	return nil
}

// ExportCA copies the CA certificate in dir to w, for clients to trust.
func ExportCA(dir string, w io.Writer) error {
	data, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return wrapMissing(err, "ca certificate not found")
	}
	_, err = w.Write(data)
	return err
}

func writeCA(dir string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "terminus local CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	return writePair(dir, caCertFile, caKeyFile, der, key)
}

func writeServerCert(dir, hostname string, caCert *x509.Certificate, caKey crypto.Signer) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}
	dns, ips := subjectAltNames(hostname)
	cn := "localhost"
	if hostname = strings.TrimSpace(hostname); hostname != "" {
		cn = hostname
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return err
	}
	return writePair(dir, serverCertFile, serverKeyFile, der, key)
}

func loadCA(dir string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, nil, wrapMissing(err, "ca certificate not found")
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, nil, wrapMissing(err, "ca key not found")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("invalid ca certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errors.New("invalid ca key PEM")
	}
	key, err := parsePrivateKey(block)
	if err != nil {
		return nil, nil, fmt.Errorf("ca key: %w", err)
	}
	return cert, key, nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC 1 encodings.
func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key block %q", block.Type)
	}
}

func subjectAltNames(hostname string) ([]string, []net.IP) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return []string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return nil, []net.IP{ip}
	}
	return []string{hostname}, nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func writePair(dir, certName, keyName string, der []byte, key crypto.Signer) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, keyName), keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, certName), certPEM, 0o644)
}

func pairExists(dir, certName, keyName string) (bool, error) {
	for _, name := range []string{certName, keyName} {
		info, err := os.Stat(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", filepath.Join(dir, name))
		}
	}
	return true, nil
}
