// Package sessionstore records which gateway instance owns each live
// terminal session, along with non-secret connection metadata.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// ErrUndecryptable is returned when stored metadata cannot be opened with
// the configured key.
var ErrUndecryptable = errors.New("session metadata cannot be decrypted")

// Meta describes a live session. Credentials are never stored.
type Meta struct {
	SessionID string    `json:"sessionId"`
	Instance  string    `json:"instance"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	StartedAt time.Time `json:"startedAt"`
}

// Store is the session directory shared by gateway instances.
type Store interface {
	Put(ctx context.Context, meta Meta) error
	Get(ctx context.Context, sessionID string) (Meta, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// Sealer encodes metadata blobs, encrypting them when a key is set.
type Sealer struct {
	keys []*fernet.Key
}

// NewSealer returns a Sealer for a base64 fernet key. An empty key stores
// plaintext JSON.
func NewSealer(key string) (*Sealer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Sealer{}, nil
	}
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return &Sealer{keys: []*fernet.Key{k}}, nil
}

// GenerateKey returns a new encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

// Encrypted reports whether blobs are encrypted.
func (s *Sealer) Encrypted() bool {
	return s != nil && len(s.keys) > 0
}

// Seal encodes meta.
func (s *Sealer) Seal(meta Meta) ([]byte, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if !s.Encrypted() {
		return data, nil
	}
	return fernet.EncryptAndSign(data, s.keys[0])
}

// Open decodes a blob produced by Seal.
func (s *Sealer) Open(blob []byte) (Meta, error) {
	data := blob
	if s.Encrypted() {
		data = fernet.VerifyAndDecrypt(blob, 0, s.keys)
		if data == nil {
			return Meta{}, ErrUndecryptable
		}
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}
