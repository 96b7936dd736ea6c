package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the default session expiry, matching a typical MCP client's
// idle threshold.
const DefaultTTL = 30 * time.Minute

// DefaultSweepInterval is how often the background sweep scans for expired
// sessions, independent of the lazy expiry check done on Get.
const DefaultSweepInterval = 1 * time.Minute

// DefaultMaxSessions bounds the store's size; once reached, Create evicts
// the least-recently-accessed live session.
const DefaultMaxSessions = 10_000

// DefaultMinEvictionAge is the minimum idle time a session must have before
// it is considered as an eviction candidate, avoiding thrashing a store
// that is momentarily all hot.
const DefaultMinEvictionAge = 1 * time.Second

// EvictedFunc is invoked whenever Create evicts a session to make room,
// for observability.
type EvictedFunc func(id string)

// Config configures a Store's capacity and timing policy.
type Config struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	MaxSessions    int
	MinEvictionAge time.Duration
	OnEvict        EvictedFunc
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MinEvictionAge <= 0 {
		c.MinEvictionAge = DefaultMinEvictionAge
	}
	return c
}

// entry pairs a session with its position in the LRU list, so eviction can
// find the least-recently-accessed session in O(1).
type entry struct {
	sess *Session
	elem *list.Element // element.Value is the session id
}

// Store is the in-memory session store. Safe for concurrent use; create,
// get, rotate, and delete are each guarded by a single mutex protecting the
// id->entry map and the LRU list, with rotate and LRU eviction
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	now func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStore creates a Store. Call StartSweep to begin the background
// expiry scan; call Stop to end it.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Create allocates a new session with a fresh UUIDv4 id. If the store is at
// capacity and no session is old enough to evict, returns
// ErrCapacityReached.
func (s *Store) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.cfg.MaxSessions {
		if !s.evictLRULocked(now) {
			return nil, ErrCapacityReached
		}
	}

	sess := newSession(id, s.cfg.TTL, now)
	elem := s.lru.PushFront(id)
	s.entries[id] = &entry{sess: sess, elem: elem}
	return sess, nil
}

// evictLRULocked evicts the least-recently-accessed session whose idle time
// is at least MinEvictionAge. Returns false if none qualifies. Caller must
// hold s.mu.
func (s *Store) evictLRULocked(now time.Time) bool {
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(string)
		ent := s.entries[id]
		if ent == nil {
			continue
		}
		if now.Sub(ent.sess.LastAccess) < s.cfg.MinEvictionAge {
			continue
		}
		s.removeLocked(id)
		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(id)
		}
		s.logger.Debug("evicted least-recently-used session", "session_id", id)
		return true
	}
	return false
}

// removeLocked deletes the entry and its LRU node, reporting whether an
// entry was actually present. Caller must hold s.mu.
func (s *Store) removeLocked(id string) bool {
	ent, ok := s.entries[id]
	if !ok {
		return false
	}
	s.lru.Remove(ent.elem)
	delete(s.entries, id)
	return true
}

// Get looks up a session by id, updating its last-access time and LRU
// position on a hit. Returns ErrNotFound if absent or expired (lazy expiry,
// (c)).
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ent.sess.IsExpired(now) {
		s.removeLocked(id)
		return nil, ErrNotFound
	}

	ent.sess.touch(now)
	s.lru.MoveToFront(ent.elem)
	return ent.sess, nil
}

// Rotate atomically moves a session's id, metadata, and all plugin stores
// from oldID to newID. Used on privilege elevation to prevent session
// fixation. Fails if oldID is missing/expired or newID already
// exists.
func (s *Store) Rotate(ctx context.Context, oldID, newID string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[oldID]
	if !ok || ent.sess.IsExpired(now) {
		return ErrNotFound
	}
	if _, exists := s.entries[newID]; exists {
		return ErrAlreadyExists
	}

	rotated := newSession(newID, ent.sess.TTL, now)
	rotated.CreatedAt = ent.sess.CreatedAt
	for pluginID, ps := range ent.sess.snapshotPlugins() {
		rotated.plugins[pluginID] = ps.clone()
	}

	s.removeLocked(oldID)
	elem := s.lru.PushFront(newID)
	s.entries[newID] = &entry{sess: rotated, elem: elem}
	return nil
}

// Delete removes a session and frees its plugin stores. Returns
// ErrNotFound if the session is absent or already expired, so a repeated
// DELETE of the same session id is idempotent only in effect, not in
// result: the second call reports not-found.
func (s *Store) Delete(ctx context.Context, id string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	expired := ent.sess.IsExpired(now)
	s.removeLocked(id)
	if expired {
		return ErrNotFound
	}
	return nil
}

// PluginStore returns the namespaced key/value handle for pluginID within
// the given session. Returns ErrNotFound if the session is absent/expired.
func (s *Store) PluginStore(ctx context.Context, pluginID, sessionID string) (KVStore, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.pluginStoreFor(pluginID), nil
}

// Len returns the number of live (not-yet-swept) sessions in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartSweep launches the background cleanup goroutine that periodically
// removes expired sessions). Call Stop to end it.
func (s *Store) StartSweep(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	var expired []string
	for id, ent := range s.entries {
		if ent.sess.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger.Debug("swept expired sessions", "count", len(expired))
	}
}

// Stop ends the background sweep goroutine, if running. Safe to call
// multiple times and safe to call even if StartSweep was never called.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
