package syncutil

import "sync"

// ShardedMutex serializes work per string key over a fixed mutex table.
// It never allocates per key, so a hot path can lock on raw wallet ids
// without growing an unbounded map. Keys that collide into one shard
// contend with each other, which is acceptable for short critical
// sections.
//
// The zero value is ready to use.
type ShardedMutex struct {
	table [slotCount]sync.Mutex
}

// Lock blocks until the shard owning key is free, then returns the
// release func.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.table[slotFor(key)]
	mu.Lock()
	return mu.Unlock
}
