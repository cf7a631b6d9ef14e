package syncutil

import (
	"context"
	"sync"
)

// CtxKeyedMutex is a keyed mutex whose acquisition respects context
// cancellation. Each shard is a buffered channel so a waiter can select
// against ctx.Done() instead of blocking unconditionally.
type CtxKeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewCtxKeyedMutex creates a context-aware keyed mutex.
func NewCtxKeyedMutex() *CtxKeyedMutex {
	m := &CtxKeyedMutex{}
	m.init()
	return m
}

func (m *CtxKeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, giving up if ctx is cancelled
// first. On success it returns an unlock function the caller must invoke;
// on cancellation it returns nil and the context error.
func (m *CtxKeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIndex(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
