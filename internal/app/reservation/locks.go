package reservation

import "sync"

// keyedMutex hands out one process-local mutex per key. A key's entry lives
// only while some caller holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of keys currently tracked.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// lockPair takes the product lock, then the user lock. Every mutator goes
// through here so the acquisition order is fixed.
func (e *Engine) lockPair(productID, userID string) func() {
	unlockProduct := e.productLocks.lock(productID)
	unlockUser := e.userLocks.lock(userID)
	return func() {
		unlockUser()
		unlockProduct()
	}
}
