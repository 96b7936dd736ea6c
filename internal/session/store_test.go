package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("Create() returned session with empty ID")
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("ID = %q, want %q", got.ID, sess.ID)
	}
}

func TestStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	_, err := store.Get(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ExpiredSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{TTL: time.Millisecond}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	_, err = store.Get(ctx, sess.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() for expired session error = %v, want ErrNotFound", err)
	}

	// Lazy expiry should have removed it from the store too.
	if store.Len() != 0 {
		t.Errorf("Len() = %d after expired Get, want 0", store.Len())
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	_, err = store.Get(ctx, sess.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() should return ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	if err := store.Delete(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() on non-existent session should return ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteTwiceReturnsNotFoundOnSecondCall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("first Delete() error: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}

func TestStore_RotatePreservesPluginData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	ps, err := store.PluginStore(ctx, "auth-plugin", sess.ID)
	if err != nil {
		t.Fatalf("PluginStore() error: %v", err)
	}
	ps.Set("role", "admin")

	if err := store.Rotate(ctx, sess.ID, "new-id"); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}

	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old session id should be gone after Rotate, got err=%v", err)
	}

	rotated, err := store.Get(ctx, "new-id")
	if err != nil {
		t.Fatalf("Get(new-id) error: %v", err)
	}
	if rotated.CreatedAt != sess.CreatedAt {
		t.Errorf("Rotate() should preserve CreatedAt, got %v want %v", rotated.CreatedAt, sess.CreatedAt)
	}

	rotatedPS, err := store.PluginStore(ctx, "auth-plugin", "new-id")
	if err != nil {
		t.Fatalf("PluginStore(new-id) error: %v", err)
	}
	v, ok := rotatedPS.Get("role")
	if !ok || v != "admin" {
		t.Errorf("Rotate() should carry plugin data, got %v, %v", v, ok)
	}
}

func TestStore_RotateNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	err := store.Rotate(ctx, "nonexistent", "new-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Rotate() error = %v, want ErrNotFound", err)
	}
}

func TestStore_RotateCollision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	a, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	b, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	err = store.Rotate(ctx, a.ID, b.ID)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Rotate() error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_PluginStoreIsolatedAcrossPlugins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{}, nil)

	sess, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	a, err := store.PluginStore(ctx, "plugin-a", sess.ID)
	if err != nil {
		t.Fatalf("PluginStore(plugin-a) error: %v", err)
	}
	b, err := store.PluginStore(ctx, "plugin-b", sess.ID)
	if err != nil {
		t.Fatalf("PluginStore(plugin-b) error: %v", err)
	}

	a.Set("key", "from-a")
	if _, ok := b.Get("key"); ok {
		t.Error("plugin-b should not see plugin-a's data")
	}
}

func TestStore_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var evicted []string
	store := NewStore(Config{
		MaxSessions:    2,
		MinEvictionAge: 0,
		OnEvict:        func(id string) { evicted = append(evicted, id) },
	}, nil)
	// A zero MinEvictionAge falls back to DefaultMinEvictionAge; advance a
	// fake clock past it on every call so each session is old enough.
	clock := time.Now()
	store.now = func() time.Time {
		clock = clock.Add(DefaultMinEvictionAge)
		return clock
	}

	first, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	_, err = store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Touch the first session so the second becomes the LRU candidate.
	if _, err := store.Get(ctx, first.ID); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	third, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() at capacity error: %v", err)
	}

	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after eviction", store.Len())
	}
	if len(evicted) != 1 {
		t.Fatalf("expected exactly one eviction, got %d", len(evicted))
	}

	if _, err := store.Get(ctx, first.ID); err != nil {
		t.Errorf("most-recently-used session should survive eviction, Get() error: %v", err)
	}
	if _, err := store.Get(ctx, third.ID); err != nil {
		t.Errorf("newly created session should survive, Get() error: %v", err)
	}
}

func TestStore_CapacityReachedWithoutEvictionCandidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{
		MaxSessions:    1,
		MinEvictionAge: time.Hour,
	}, nil)

	if _, err := store.Create(ctx); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err := store.Create(ctx)
	if !errors.Is(err, ErrCapacityReached) {
		t.Errorf("Create() at capacity error = %v, want ErrCapacityReached", err)
	}
}

func TestStore_SweepRemovesExpiredSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(Config{TTL: 50 * time.Millisecond, SweepInterval: 20 * time.Millisecond}, nil)
	store.StartSweep(ctx)
	defer store.Stop()

	if _, err := store.Create(ctx); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}

	time.Sleep(150 * time.Millisecond)

	if store.Len() != 0 {
		t.Errorf("Len() after sweep = %d, want 0", store.Len())
	}
}

func TestStore_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore(Config{SweepInterval: 20 * time.Millisecond}, nil)
	store.StartSweep(ctx)

	for i := 0; i < 5; i++ {
		sess, _ := store.Create(ctx)
		_, _ = store.Get(ctx, sess.ID)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	store.Stop()
}

func TestStore_StopMultipleCalls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(Config{SweepInterval: 20 * time.Millisecond}, nil)
	store.StartSweep(ctx)

	store.Stop()
	store.Stop()
	store.Stop()
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(Config{MaxSessions: 1000}, nil)

	ids := make([]string, 20)
	for i := range ids {
		sess, err := store.Create(ctx)
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids[i] = sess.ID
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 400)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := store.Get(ctx, ids[idx%len(ids)])
			if err != nil && !errors.Is(err, ErrNotFound) {
				errCh <- err
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Create(ctx); err != nil && !errors.Is(err, ErrCapacityReached) {
				errCh <- err
			}
		}()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := store.Delete(ctx, ids[idx%len(ids)]); err != nil && !errors.Is(err, ErrNotFound) {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}
