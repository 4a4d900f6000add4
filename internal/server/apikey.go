package server

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyAPIKey is returned when hashing an empty key.
var ErrEmptyAPIKey = errors.New("api key is empty")

// HashAPIKey returns the bcrypt hash stored in configuration for key.
func HashAPIKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptyAPIKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyGate checks presented keys against bcrypt hashes. Verified keys are
// remembered by digest so bcrypt runs once per key.
type APIKeyGate struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewAPIKeyGate builds a gate. With no hashes every request passes.
func NewAPIKeyGate(hashes []string) *APIKeyGate {
	g := &APIKeyGate{verified: make(map[[sha256.Size]byte]struct{})}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			g.hashes = append(g.hashes, []byte(h))
		}
	}
	return g
}

// Enabled reports whether keys are required.
func (g *APIKeyGate) Enabled() bool {
	return g != nil && len(g.hashes) > 0
}

// Check reports whether key matches a configured hash.
func (g *APIKeyGate) Check(key string) bool {
	if !g.Enabled() {
		return true
	}
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	g.mu.RLock()
	_, ok := g.verified[digest]
	g.mu.RUnlock()
	if ok {
		return true
	}
	for _, h := range g.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			g.mu.Lock()
			g.verified[digest] = struct{}{}
			g.mu.Unlock()
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key. The key is read from
// X-API-Key, a bearer Authorization header or, for browser WebSockets,
// the apiKey query parameter.
func (g *APIKeyGate) Middleware(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Check(PresentedKey(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":  false,
				"message": "invalid or missing api key",
				"result":  nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PresentedKey extracts the API key a request carries.
func PresentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("apiKey"))
}
