package sessionstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the directory in process. Instances sharing one
// MemoryStore behave like instances sharing a Redis server.
type MemoryStore struct {
	mu     sync.Mutex
	sealer *Sealer
	blobs  map[string][]byte
}

// NewMemoryStore constructs a MemoryStore. A nil sealer stores plaintext.
func NewMemoryStore(sealer *Sealer) *MemoryStore {
	if sealer == nil {
		sealer = &Sealer{}
	}
	return &MemoryStore{sealer: sealer, blobs: make(map[string][]byte)}
}

// Put records meta.
func (s *MemoryStore) Put(_ context.Context, meta Meta) error {
	blob, err := s.sealer.Seal(meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[meta.SessionID] = blob
	s.mu.Unlock()
	return nil
}

// Get returns the metadata of a session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (Meta, bool, error) {
	s.mu.Lock()
	blob, ok := s.blobs[sessionID]
	s.mu.Unlock()
	if !ok {
		return Meta{}, false, nil
	}
	meta, err := s.sealer.Open(blob)
	if err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.blobs, sessionID)
	s.mu.Unlock()
	return nil
}
