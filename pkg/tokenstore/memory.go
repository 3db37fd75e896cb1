package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for a single session.
type MemoryStore struct {
	mu       sync.RWMutex
	token    *Token
	redirect string

	sets   int
	clears int
}

// NewMemoryStore creates an empty session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreWithToken creates a session store already holding tok.
func NewMemoryStoreWithToken(tok *Token) *MemoryStore {
	return &MemoryStore{token: tok}
}

func (m *MemoryStore) Get(_ context.Context) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil, ErrTokenNotFound
	}
	return m.token, nil
}

func (m *MemoryStore) Set(_ context.Context, tok *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	m.sets++
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.clears++
	return nil
}

func (m *MemoryStore) RedirectAfterAuth(_ context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redirect
}

func (m *MemoryStore) SetRedirectAfterAuth(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirect = target
	return nil
}

// Writes returns how many times Set and Clear were called.
func (m *MemoryStore) Writes() (sets, clears int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets, m.clears
}
