package store

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyLock is a set of mutexes addressed by key. Waiting honors ctx.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: map[string]*semaphore.Weighted{}}
}

// Lock acquires every key in sorted order and returns a func releasing them.
// Duplicate keys are locked once. When ctx ends first, keys already taken are
// released and ctx.Err() is returned.
func (k *KeyLock) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	held := make([]*semaphore.Weighted, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, key := range sorted {
		s := k.get(key)
		if err := s.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, s)
	}
	return release, nil
}

func (k *KeyLock) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.locks[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		k.locks[key] = s
	}
	return s
}
