// Package serial serializes work per key: a keyed mutex for state
// mutations and a keyed FIFO queue for background jobs. Different keys
// never block each other.
package serial

import (
	"context"
	"sync"
)

// Mutex is a keyed lock that admits waiters for the same key strictly in
// the order Lock was called.
type Mutex struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	depth map[string]int
}

// NewMutex returns an empty keyed mutex.
func NewMutex() *Mutex {
	return &Mutex{tails: make(map[string]chan struct{}), depth: make(map[string]int)}
}

// Lock blocks until every earlier holder of key has unlocked. The returned
// func releases the lock and must be called exactly once. If ctx is done
// first the caller's place in line is forfeited and ctx.Err() is returned.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	mine := make(chan struct{})

	m.mu.Lock()
	prev := m.tails[key]
	m.tails[key] = mine
	m.depth[key]++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.tails[key] == mine {
			delete(m.tails, key)
		}
		if m.depth[key]--; m.depth[key] <= 0 {
			delete(m.depth, key)
		}
		m.mu.Unlock()
		close(mine)
	}

	if prev == nil {
		return sync.OnceFunc(release), nil
	}
	select {
	case <-prev:
		return sync.OnceFunc(release), nil
	case <-ctx.Done():
		// Keep the chain intact for waiters queued behind us.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Do runs fn while holding key.
func (m *Mutex) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Waiting reports the holder plus queued waiters for key.
func (m *Mutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth[key]
}

// Len reports how many keys currently have a holder or waiters.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}
