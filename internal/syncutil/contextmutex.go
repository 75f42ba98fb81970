package syncutil

import (
	"context"
	"hash/fnv"
)

// ContextShardedMutex is a keyed lock whose acquisition can be abandoned
// when the caller's context ends. Keys map onto a fixed table of
// channel-backed slots, so memory stays bounded no matter how many wallet
// or agent ids pass through; two keys landing in the same slot simply
// serialize against each other.
//
// The zero value is not usable. Construct with NewContextShardedMutex.
type ContextShardedMutex struct {
	slots []chan token
}

type token struct{}

const slotCount = 256

// NewContextShardedMutex returns a lock table with every slot free.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{slots: make([]chan token, slotCount)}
	for i := range m.slots {
		m.slots[i] = make(chan token, 1)
		m.slots[i] <- token{}
	}
	return m
}

// LockContext takes the slot for key, blocking until it is free or ctx is
// done. On success the returned func releases the slot and must be called
// exactly once; on cancellation the func is nil and err carries ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	slot := m.slots[slotFor(key)]
	select {
	case tok := <-slot:
		return func() { slot <- tok }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func slotFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % slotCount
}
