package db

import "sync"

// LockRegistry hands out named mutexes so callers can serialize work
// on a logical key (an order row, a token account) without holding
// database locks. SQLite has no row-level SELECT FOR UPDATE; this is
// the process-local equivalent.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use, and
// returns the unlock function.
func (r *LockRegistry) Lock(key string) func() {
	r.mu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
