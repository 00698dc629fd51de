// ABOUTME: In-memory per-server OAuth credential store.
// ABOUTME: Holds discovered metadata, client credentials, and issued tokens.

package oauth

import (
	"sync"

	"golang.org/x/oauth2"
)

// State is everything the gateway knows about one server's authorization.
type State struct {
	Metadata     *AuthServerMetadata `json:"auth_server_metadata"`
	ClientID     string              `json:"client_id,omitempty"`
	ClientSecret string              `json:"client_secret,omitempty"`
	Token        *oauth2.Token       `json:"token,omitempty"`
}

// TokenStore keeps OAuth state per backend server id.
type TokenStore struct {
	mu      sync.RWMutex
	entries map[string]*State
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{entries: make(map[string]*State)}
}

// Get returns the state for a server id, if any.
func (s *TokenStore) Get(serverID string) (*State, bool) {
	s.mu.RLock()
	st, ok := s.entries[serverID]
	s.mu.RUnlock()
	return st, ok
}

// Set stores the state for a server id.
func (s *TokenStore) Set(serverID string, st *State) {
	s.mu.Lock()
	s.entries[serverID] = st
	s.mu.Unlock()
}

// Remove deletes a server's state and reports whether it existed.
func (s *TokenStore) Remove(serverID string) bool {
	s.mu.Lock()
	_, existed := s.entries[serverID]
	delete(s.entries, serverID)
	s.mu.Unlock()
	return existed
}

// ServerIDs returns the ids with stored state.
func (s *TokenStore) ServerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
