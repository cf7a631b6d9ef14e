// Package syncutil provides small synchronization helpers shared across
// services: fixed-pool mutexes keyed by string, with and without context
// support. They bound memory regardless of how many keys are seen, at the
// cost of occasional false sharing between keys that hash to the same shard.
package syncutil

import "sync"

const shardCount = 128

// KeyedMutex serializes work per string key. Callers touching the same key
// run one at a time; callers on different keys usually proceed in parallel.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the key's mutex.
func (m *KeyedMutex) Do(key string, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}

// shardIndex is inline FNV-1a, avoiding a hasher allocation per lock.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
