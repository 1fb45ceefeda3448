// Package cancel provides explicit cancellation tokens for long-running
// pipeline operations and a registry that lets a new operation supersede
// the previous one in the same scope.
package cancel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSuperseded is the cancellation cause when a newer operation replaced this one
var ErrSuperseded = errors.New("cancel: superseded by a newer request")

// Token is owned by exactly one logical operation. It carries a context that
// is canceled when the token is canceled.
type Token struct {
	id     string
	key    string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New derives a token from parent
func New(parent context.Context, key string) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{
		id:     uuid.NewString(),
		key:    key,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID uniquely identifies the operation
func (t *Token) ID() string { return t.id }

// Key is the logical key the operation works on
func (t *Token) Key() string { return t.key }

// Context returns the context to pass through every blocking call
func (t *Token) Context() context.Context { return t.ctx }

// Cancel stops the operation. Safe to call repeatedly.
func (t *Token) Cancel() { t.cancel(context.Canceled) }

// Supersede cancels the token because a newer operation took its place
func (t *Token) Supersede() { t.cancel(ErrSuperseded) }

// Cancelled reports whether the token has been canceled
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// Done mirrors context.Context.Done
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// IsCancellation reports whether err stems from cancellation rather than failure.
// Deadline expiry is deliberately not a cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded)
}

// Registry tracks the active token per scope. Starting a new operation in a
// scope supersedes whatever was running there.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Token
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Token)}
}

// Begin supersedes the scope's current token and installs a fresh one
func (r *Registry) Begin(parent context.Context, scope, key string) *Token {
	tok := New(parent, key)
	r.mu.Lock()
	prev := r.active[scope]
	r.active[scope] = tok
	r.mu.Unlock()
	if prev != nil {
		prev.Supersede()
	}
	return tok
}

// Current returns the active token for scope, if any
func (r *Registry) Current(scope string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[scope]
}

// IsCurrent reports whether tok is still the active token of its scope
func (r *Registry) IsCurrent(scope string, tok *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[scope] == tok
}

// End removes tok from scope if it is still the active one
func (r *Registry) End(scope string, tok *Token) {
	r.mu.Lock()
	if r.active[scope] == tok {
		delete(r.active, scope)
	}
	r.mu.Unlock()
}

// CancelScope cancels the active token of scope
func (r *Registry) CancelScope(scope string) {
	r.mu.Lock()
	tok := r.active[scope]
	delete(r.active, scope)
	r.mu.Unlock()
	if tok != nil {
		tok.Cancel()
	}
}

// CancelAll cancels every active token
func (r *Registry) CancelAll() {
	r.mu.Lock()
	toks := make([]*Token, 0, len(r.active))
	for scope, tok := range r.active {
		toks = append(toks, tok)
		delete(r.active, scope)
	}
	r.mu.Unlock()
	for _, tok := range toks {
		tok.Cancel()
	}
}
