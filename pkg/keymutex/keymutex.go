// Package keymutex provides per-key mutual exclusion for serializing
// operations on independent aggregates (one subject's attestation flow,
// one actor's heartbeat state) without a shared global lock.
package keymutex

import "sync"

// KeyMutex hands out a mutex per string key. Locks for distinct keys are
// independent; entries are reference counted and removed when the last
// holder unlocks, so the map does not grow with the key space.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is available.
func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not held
// panics, matching sync.Mutex semantics.
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("keymutex: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding the mutex for key.
func (k *KeyMutex) WithLock(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}
