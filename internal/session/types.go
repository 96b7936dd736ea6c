// Package session implements the gateway's session store: creation,
// lookup, rotation, expiry, LRU eviction, and per-plugin namespaced
// key/value storage.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session doesn't exist or has expired.
var ErrNotFound = errors.New("session not found")

// ErrAlreadyExists is returned by Rotate when the destination id collides
// with a live session.
var ErrAlreadyExists = errors.New("session already exists")

// ErrCapacityReached is returned by Create when the store is at MaxSessions
// and no eviction candidate is older than MinEvictionAge — the caller
// should retry.
var ErrCapacityReached = errors.New("session store at capacity")

// Session is connection-level context established by an MCP initialize
// call, identified by an opaque id, carrying per-plugin state.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastAccess time.Time
	TTL        time.Duration

	mu      sync.Mutex
	plugins map[string]*pluginStore
}

func newSession(id string, ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:         id,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		plugins:    make(map[string]*pluginStore),
	}
}

// IsExpired reports whether the session's TTL has elapsed since LastAccess.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.LastAccess.Add(s.TTL))
}

// touch updates LastAccess to now. Called on every successful lookup.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.LastAccess = now
	s.mu.Unlock()
}

// pluginStoreFor returns (creating if necessary) the namespaced store for
// the given plugin id. The session's lock guards only the lookup and
// creation; reads and writes inside the returned store are serialized by
// that store's own lock.
func (s *Session) pluginStoreFor(pluginID string) *pluginStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plugins[pluginID]
	if !ok {
		ps = newPluginStore()
		s.plugins[pluginID] = ps
	}
	return ps
}

// snapshotPlugins returns copies of every plugin store, used by Rotate to
// move all stored data to a new session id atomically.
func (s *Session) snapshotPlugins() map[string]*pluginStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*pluginStore, len(s.plugins))
	for id, ps := range s.plugins {
		out[id] = ps
	}
	return out
}
