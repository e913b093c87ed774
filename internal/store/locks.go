package store

import "sync"

// KeyedRWMutex hands out one RWMutex per key. Locks on different keys never
// contend. Entries live for the life of the process; keys are namespace tokens.
type KeyedRWMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewKeyedRWMutex returns an empty lock table.
func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{locks: map[string]*sync.RWMutex{}}
}

func (k *KeyedRWMutex) get(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}

// Lock takes the exclusive lock for key and returns its release function.
func (k *KeyedRWMutex) Lock(key string) func() {
	l := k.get(key)
	l.Lock()
	return l.Unlock
}

// RLock takes a shared lock for key and returns its release function.
func (k *KeyedRWMutex) RLock(key string) func() {
	l := k.get(key)
	l.RLock()
	return l.RUnlock
}
