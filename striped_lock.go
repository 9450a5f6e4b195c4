package dialect

import (
	"hash/fnv"
	"sync"
)

// StripedLocks serializes work per key with a fixed set of mutexes. Keys that
// hash to the same stripe share a mutex; the same key always does.
type StripedLocks struct {
	stripes []sync.Mutex
}

// NewStripedLocks creates stripeCount stripes, 32 when stripeCount <= 0.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{stripes: make([]sync.Mutex, stripeCount)}
}

// Lock locks the stripe of key and returns its unlock function.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	mu := &sl.stripes[sl.stripe(key)]
	mu.Lock()
	return mu.Unlock
}

// stripe hashes key with FNV-1a.
func (sl *StripedLocks) stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(sl.stripes)))
}
