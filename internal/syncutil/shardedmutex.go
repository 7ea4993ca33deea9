// Package syncutil provides keyed locking primitives.
package syncutil

import "sync"

const shardCount = 128

// ShardedMutex is a fixed pool of mutexes indexed by key hash. Memory use
// stays bounded no matter how many distinct keys pass through; keys that
// hash to the same shard contend with each other.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex is FNV-1a over key.
func shardIndex(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h % shardCount
}
