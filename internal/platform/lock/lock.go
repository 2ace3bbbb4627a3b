// Package lock serializes work on shared identities. Keys are always taken
// in sorted order so two holders of overlapping key sets cannot deadlock.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires every key or none. The returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// normalize sorts keys and drops blanks and duplicates.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.acquire(ctx, k); err != nil {
			m.release(held)
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { m.release(held) }) }, nil
}

func (m *KeyedMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.drop(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		e := m.keys[keys[i]]
		m.mu.Unlock()
		<-e.ch
		m.drop(keys[i], e)
	}
}

func (m *KeyedMutex) drop(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}
