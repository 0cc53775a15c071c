package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// wsTokenTTL is how long an unconsumed token stays valid.
	wsTokenTTL = 30 * time.Second
	// wsTokenBytes is the raw token length; hex encoding doubles it.
	wsTokenBytes = 32
)

// WSTokenStore issues one-time CSRF tokens for WebSocket upgrades. The
// browser fetches a token over the authenticated API and presents it in
// the upgrade URL, which cookie-only cross-site requests cannot do.
type WSTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*wsTokenEntry
}

type wsTokenEntry struct {
	username  string
	createdAt time.Time
}

// NewWSTokenStore creates a token store with background expiry.
func NewWSTokenStore() *WSTokenStore {
	store := &WSTokenStore{
		tokens: make(map[string]*wsTokenEntry),
	}
	go store.cleanupLoop()
	return store
}

// Generate mints a one-time token bound to username.
func (s *WSTokenStore) Generate(username string) (string, error) {
	raw := make([]byte, wsTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	s.tokens[token] = &wsTokenEntry{
		username:  username,
		createdAt: time.Now(),
	}
	s.mu.Unlock()

	return token, nil
}

// Validate consumes a token and returns the username it was minted for.
// A token validates at most once; expired tokens fail even when still
// present in the map.
func (s *WSTokenStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tokens[token]
	if !exists {
		return "", false
	}
	delete(s.tokens, token)

	if time.Since(entry.createdAt) > wsTokenTTL {
		return "", false
	}
	return entry.username, true
}

func (s *WSTokenStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for token, entry := range s.tokens {
			if now.Sub(entry.createdAt) > wsTokenTTL {
				delete(s.tokens, token)
			}
		}
		s.mu.Unlock()
	}
}
