package dialect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis for one test.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDistributedLock_BasicLockRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release, err := lock.Lock(ctx, "entities/orders/WzFd.json", 5*time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if !mr.Exists("test:lock:entities/orders/WzFd.json") {
		t.Error("lock key should exist in Redis")
	}

	release()

	if mr.Exists("test:lock:entities/orders/WzFd.json") {
		t.Error("lock key should be removed after release")
	}
}

func TestDistributedLock_ConcurrentAcquisition(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release1, err := lock.Lock(ctx, "test-key", 5*time.Second)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}
	defer release1()

	_, err = lock.Lock(ctx, "test-key", 5*time.Second)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got: %v", err)
	}
	if !IsRetryable(err) {
		t.Errorf("ErrLockHeld should be retryable")
	}
}

func TestDistributedLock_ReleaseKeepsForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release, err := lock.Lock(ctx, "test-key", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lock acquisition failed: %v", err)
	}

	// The lock expires and another holder takes it
	mr.FastForward(200 * time.Millisecond)
	if err := mr.Set("test:lock:test-key", "someone-else"); err != nil {
		t.Fatalf("mr.Set: %v", err)
	}

	release()

	got, err := mr.Get("test:lock:test-key")
	if err != nil || got != "someone-else" {
		t.Errorf("release removed a lock it did not own: %q, %v", got, err)
	}
}

func TestDistributedLock_TryLockWithRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release1, err := lock.Lock(ctx, "test-key", 5*time.Second)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		release1()
	}()

	start := time.Now()
	release2, err := lock.TryLockWithRetry(ctx, "test-key", 5*time.Second, 8)
	if err != nil {
		t.Fatalf("retry lock acquisition failed: %v", err)
	}
	defer release2()

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("lock should have waited for the first holder, elapsed: %v", elapsed)
	}
}

func TestDistributedLock_TryLockTimeout(t *testing.T) {
	client, _ := setupTestRedis(t)
	metrics := NewInMemoryMetrics()
	lock := NewDistributedLock(client, "test").WithObservability(nil, metrics)
	ctx := context.Background()

	release, err := lock.Lock(ctx, "test-key", 5*time.Second)
	if err != nil {
		t.Fatalf("lock acquisition failed: %v", err)
	}
	defer release()

	_, err = lock.TryLockWithRetry(ctx, "test-key", 5*time.Second, 2)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if metrics.Count(MetricLockContention) != 2 {
		t.Errorf("contention = %d, want 2", metrics.Count(MetricLockContention))
	}
	if metrics.Count(MetricLockFailed) != 1 {
		t.Errorf("failed = %d, want 1", metrics.Count(MetricLockFailed))
	}
}

func TestDistributedLock_ContextCancellation(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release1, err := lock.Lock(ctx, "test-key", 10*time.Second)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}
	defer release1()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = lock.TryLockWithRetry(ctx, "test-key", 5*time.Second, 20)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestDistributedLock_TTLExpiration(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release, err := lock.Lock(ctx, "test-key", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lock acquisition failed: %v", err)
	}
	defer release()

	if !mr.Exists("test:lock:test-key") {
		t.Error("lock should exist immediately after acquisition")
	}
	mr.FastForward(150 * time.Millisecond)
	if mr.Exists("test:lock:test-key") {
		t.Error("lock should have expired after TTL")
	}
}

func TestDistributedLock_MultipleKeys(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	var releases []func()
	for _, key := range []string{"a", "b", "c"} {
		release, err := lock.Lock(ctx, key, 5*time.Second)
		if err != nil {
			t.Fatalf("lock %s failed: %v", key, err)
		}
		releases = append(releases, release)
	}
	for _, release := range releases {
		release()
	}
}

func TestDistributedLock_WithOwnedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	lock := NewDistributedLockWithOwnedClient(client, "test")
	if err := lock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err == nil {
		t.Error("owned client should be closed with the lock")
	}

	shared, _ := setupTestRedis(t)
	if err := NewDistributedLock(shared, "test").Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := shared.Ping(context.Background()).Err(); err != nil {
		t.Errorf("shared client must stay open: %v", err)
	}
}

func TestLockedObjectStore_ConditionalWrites(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	store := NewLockedObjectStore(NewFilesystemStore(t.TempDir()), NewDistributedLock(client, "test"))

	etag, err := store.PutIfAbsent(ctx, "entities/orders/WzFd.json", []byte(`{"version":0}`))
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if _, err := store.PutIfMatch(ctx, "entities/orders/WzFd.json", []byte(`{"version":1}`), etag); err != nil {
		t.Fatalf("PutIfMatch failed: %v", err)
	}
	if _, err := store.PutIfMatch(ctx, "entities/orders/WzFd.json", []byte(`{"version":2}`), etag); !IsConflict(err) {
		t.Fatalf("stale PutIfMatch should conflict, got %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("locks left behind: %v", mr.Keys())
	}
}

func TestLockedObjectStore_HeldLock(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	lock := NewDistributedLock(client, "test")
	store := NewLockedObjectStore(NewFilesystemStore(t.TempDir()), lock)

	release, err := lock.Lock(ctx, "entities/orders/WzFd.json", 5*time.Second)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer release()

	_, err = store.PutIfAbsent(ctx, "entities/orders/WzFd.json", []byte(`{}`))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while another writer holds the lock, got %v", err)
	}
}

func TestLockedObjectStore_ConcurrentCounter(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	store := NewLockedObjectStore(NewFilesystemStore(t.TempDir()), NewDistributedLock(client, "test"))
	store.maxRetries = 50

	key := "counters/_sequences/b3JkZXJz.json"
	if _, err := store.PutIfAbsent(ctx, key, []byte("0")); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	var wg sync.WaitGroup
	var applied atomic.Int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				data, etag, err := store.GetWithETag(ctx, key)
				if err != nil {
					t.Errorf("GetWithETag failed: %v", err)
					return
				}
				next := []byte{data[0] + 1}
				if _, err := store.PutIfMatch(ctx, key, next, etag); err == nil {
					applied.Add(1)
					return
				} else if !IsConflict(err) && !errors.Is(err, ErrLockTimeout) {
					t.Errorf("PutIfMatch failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if applied.Load() != 5 || data[0] != '5' {
		t.Errorf("expected 5 serialized increments, got %d applied and value %q", applied.Load(), data)
	}
}
