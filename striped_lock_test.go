package dialect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		if got := len(NewStripedLocks(n).stripes); got != 32 {
			t.Errorf("NewStripedLocks(%d) has %d stripes, want 32", n, got)
		}
	}
	if got := len(NewStripedLocks(4).stripes); got != 4 {
		t.Errorf("NewStripedLocks(4) has %d stripes", got)
	}
}

func TestStripedLocksSameKeyStripe(t *testing.T) {
	locks := NewStripedLocks(16)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("entities/orders/%d.json", i)
		if locks.stripe(key) != locks.stripe(key) {
			t.Fatalf("key %s hashed to different stripes", key)
		}
		if s := locks.stripe(key); s < 0 || s >= 16 {
			t.Fatalf("stripe %d out of range", s)
		}
	}
}

func TestStripedLocksExclusiveBlocking(t *testing.T) {
	locks := NewStripedLocks(32)
	key := "entities/orders/WzFd.json"

	unlock := locks.Lock(key)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		u := locks.Lock(key)
		acquired.Store(true)
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second Lock should block while the first is held")
	}
	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}

func TestStripedLocksSerializesCounter(t *testing.T) {
	locks := NewStripedLocks(8)
	counts := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%4)
			for j := 0; j < 50; j++ {
				unlock := locks.Lock("counter")
				counts[key]++
				unlock()
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 1000 {
		t.Errorf("total = %d, want 1000", total)
	}
}

func TestStripedLocksHashDistribution(t *testing.T) {
	locks := NewStripedLocks(32)
	used := map[int]bool{}
	for i := 0; i < 1000; i++ {
		used[locks.stripe(fmt.Sprintf("entities/orders/%d.json", i))] = true
	}
	if len(used) < 24 {
		t.Errorf("1000 keys used only %d of 32 stripes", len(used))
	}
}
