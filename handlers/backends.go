package handlers

import (
	"sync"

	"deepagent/backend"
)

// BackendStore caches the sandbox execution backend built for each
// (agentID, username) pair, so a Docker container or local process
// launched for a caller's first request is reused on later requests
// instead of being spun up again.
type BackendStore struct {
	mu   sync.RWMutex
	byID map[string]backend.Backend
}

// NewBackendStore returns an empty backend store.
func NewBackendStore() *BackendStore {
	return &BackendStore{byID: make(map[string]backend.Backend)}
}

func backendCacheKey(agentID, username string) string {
	return agentID + ":" + username
}

// Get returns the cached backend for (agentID, username), or nil if
// none has been built yet.
func (bs *BackendStore) Get(agentID, username string) backend.Backend {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.byID[backendCacheKey(agentID, username)]
}

// Set caches b as the backend for (agentID, username).
func (bs *BackendStore) Set(agentID, username string, b backend.Backend) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.byID[backendCacheKey(agentID, username)] = b
}

// Remove evicts and tears down the cached backend for (agentID,
// username), stopping any container it manages.
func (bs *BackendStore) Remove(agentID, username string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	key := backendCacheKey(agentID, username)
	b, ok := bs.byID[key]
	if !ok {
		return
	}
	if cm, ok := b.(backend.ContainerManager); ok {
		cm.CancelLaunch()
		cm.StopContainer()
	}
	delete(bs.byID, key)
}
