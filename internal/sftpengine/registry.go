package sftpengine

import (
	"sync"

	"pkt.systems/pslog"
)

// Registry holds one engine per backing session. An engine lives as long as
// at least one connection of its session is attached.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*backing
	logger   pslog.Logger
}

type backing struct {
	engine *Engine
	conns  map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	return &Registry{sessions: make(map[string]*backing), logger: logger}
}

func (r *Registry) backingLocked(sessionID string) *backing {
	b := r.sessions[sessionID]
	if b == nil {
		b = &backing{conns: make(map[string]struct{})}
		r.sessions[sessionID] = b
	}
	return b
}

// Attach records connID as a user of sessionID.
func (r *Registry) Attach(sessionID, connID string) {
	r.mu.Lock()
	r.backingLocked(sessionID).conns[connID] = struct{}{}
	r.mu.Unlock()
}

// Detach forgets connID. The engine closes once no connection remains.
func (r *Registry) Detach(sessionID, connID string) {
	r.mu.Lock()
	b := r.sessions[sessionID]
	if b == nil {
		r.mu.Unlock()
		return
	}
	delete(b.conns, connID)
	var engine *Engine
	if len(b.conns) == 0 {
		engine = b.engine
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if engine != nil {
		if err := engine.Close(); err != nil {
			r.logger.Debug("sftp close failed", "session_id", sessionID, "err", err)
		}
		r.logger.Info("sftp session closed", "session_id", sessionID)
	}
}

// Set installs engine for sessionID, closing any previous one.
func (r *Registry) Set(sessionID string, engine *Engine) {
	r.mu.Lock()
	b := r.backingLocked(sessionID)
	prev := b.engine
	b.engine = engine
	r.mu.Unlock()
	if prev != nil && prev != engine {
		_ = prev.Close()
	}
}

// Get returns the engine of sessionID, if connected.
func (r *Registry) Get(sessionID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.sessions[sessionID]
	if b == nil || !b.engine.IsConnected() {
		return nil, false
	}
	return b.engine, true
}

// Len returns the number of sessions with a live engine.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.sessions {
		if b.engine.IsConnected() {
			n++
		}
	}
	return n
}

// Close closes every engine.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*backing)
	r.mu.Unlock()
	for _, b := range sessions {
		if b.engine != nil {
			_ = b.engine.Close()
		}
	}
}
