package auth

import (
	"context"
	"sync"
)

// NewInMemoryTokenStore returns a TokenStore backed by process memory.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{}
}

// InMemoryTokenStore implements TokenStore for tests and ephemeral runs.
type InMemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// Save replaces the stored token.
func (s *InMemoryTokenStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Load returns the stored token.
func (s *InMemoryTokenStore) Load(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrTokenNotFound
	}
	return s.token, nil
}

// Delete clears the stored token.
func (s *InMemoryTokenStore) Delete(_ context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return nil
}
