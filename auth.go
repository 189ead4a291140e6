package realtime

import (
	"context"
	"sync"
)

// TokenGate is the credential layer as seen by the core. The core only reads
// tokens; refresh and logout belong to the implementation.
type TokenGate interface {
	// CurrentToken returns a currently valid token, or "" when none is available.
	CurrentToken(ctx context.Context) (string, error)
	// Invalidate reports that the server rejected the credential.
	Invalidate(reason error)
}

// StaticToken is a TokenGate holding a single token. Invalidate clears it and
// calls OnInvalidate, if set.
type StaticToken struct {
	mu           sync.RWMutex
	token        string
	OnInvalidate func(reason error)
}

// NewStaticToken returns a gate serving token until it is invalidated.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

func (s *StaticToken) CurrentToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *StaticToken) Invalidate(reason error) {
	s.mu.Lock()
	s.token = ""
	cb := s.OnInvalidate
	s.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

// SetToken replaces the token, e.g. after a refresh.
func (s *StaticToken) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
