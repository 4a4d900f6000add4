package tlsmgr

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"os"
)

// LoadBundle assembles a certificate chain and its key from PEM files. The
// certificates keep file order; the first private key found is used.
func LoadBundle(files []string) (tls.Certificate, error) {
	var chain bytes.Buffer
	var key []byte
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return tls.Certificate{}, err
		}
		for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
			switch block.Type {
			case "CERTIFICATE":
				_ = pem.Encode(&chain, block)
			case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
				if key == nil {
					key = pem.EncodeToMemory(block)
				}
			}
		}
	}
	if chain.Len() == 0 {
		return tls.Certificate{}, errors.New("no certificates found in tls bundle")
	}
	if key == nil {
		return tls.Certificate{}, errors.New("no private key found in tls bundle")
	}
	return tls.X509KeyPair(chain.Bytes(), key)
}
