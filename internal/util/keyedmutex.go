package util

import "sync"

// KeyedMutex serializes operations per string key. Inner mutexes are never
// removed, so the map stays valid for concurrent holders; it is bounded by
// the number of distinct keys.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.held[key]
	if !ok {
		m = &sync.Mutex{}
		k.held[key] = m
	}
	return m
}

// Lock acquires the mutex for key.
func (k *KeyedMutex) Lock(key string) { k.get(key).Lock() }

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) { k.get(key).Unlock() }
