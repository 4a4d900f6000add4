package tlsmgr

import (
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
)

// ClientRoots returns the system roots plus the local CA in dir, when one
// exists, so CLI clients can reach a self-signed gateway.
func ClientRoots(dir string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if os.IsNotExist(err) {
		return pool, nil
	}
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("failed to parse local ca certificate")
	}
	return pool, nil
}
