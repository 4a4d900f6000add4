package transfer

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted marks a transfer stopped by an explicit cancellation.
var ErrAborted = errors.New("transfer aborted")

// Token is the cancellation signal of one named transfer.
type Token struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	aborted bool
}

// Name returns the transfer name the token is registered under.
func (t *Token) Name() string {
	return t.name
}

// Context is cancelled when the token is triggered or the parent ends.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Aborted reports whether Abort triggered the token.
func (t *Token) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Token) trigger() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
	t.cancel()
}

// Registry maps transfer names to their live cancellation tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register creates a token for name derived from parent. A live token under
// the same name is replaced without being triggered.
func (r *Registry) Register(parent context.Context, name string) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	tok := &Token{name: name, ctx: ctx, cancel: cancel}
	r.mu.Lock()
	r.tokens[name] = tok
	r.mu.Unlock()
	return tok
}

// Abort triggers the token registered under name. It reports whether a
// token was found; an unknown name is a no-op.
func (r *Registry) Abort(name string) bool {
	r.mu.Lock()
	tok := r.tokens[name]
	r.mu.Unlock()
	if tok == nil {
		return false
	}
	tok.trigger()
	return true
}

// Release removes tok if it is still the registered token for its name and
// frees its context.
func (r *Registry) Release(tok *Token) {
	if tok == nil {
		return
	}
	r.mu.Lock()
	if r.tokens[tok.name] == tok {
		delete(r.tokens, tok.name)
	}
	r.mu.Unlock()
	tok.cancel()
}

// Lookup returns the live token for name.
func (r *Registry) Lookup(name string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[name]
	return tok, ok
}

// Len returns the number of live tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
