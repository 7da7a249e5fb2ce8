package push

import "sync"

// TokenStore maps usernames to device push tokens. Entries never expire and
// the last registration wins.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]string)}
}

func (s *TokenStore) Set(username, token string) {
	s.mu.Lock()
	s.tokens[username] = token
	s.mu.Unlock()
}

func (s *TokenStore) Get(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[username]
	return tok, ok
}

func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
