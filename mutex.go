package corlib

import (
	"context"
	"sync"
)

// Mutex provides mutual exclusion for coroutines. It allows only one
// coroutine to hold the lock at a time, suspending others that attempt
// to acquire it until it's released.
type Mutex struct {
	noCopy noCopy
	mu     sync.Mutex // guards locked; the lock itself is enforced by sema's queue discipline
	locked bool
	sema   sema
}

// Lock acquires the mutex. If it is already held, the calling
// coroutine (found via ctx) suspends until it is released. Returns the
// context to continue with.
func (m *Mutex) Lock(ctx context.Context) context.Context {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return ctx
	}
	m.mu.Unlock()

	ctx = m.sema.acquire(ctx)

	m.mu.Lock()
	m.locked = true
	m.mu.Unlock()
	return ctx
}

// Unlock releases the mutex. If a coroutine is waiting to acquire it,
// that coroutine is rescheduled to run next.
func (m *Mutex) Unlock(ctx context.Context) {
	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
	m.sema.release(ctx)
}

// WaitCount returns the number of coroutines waiting to acquire the
// mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.waitCount()
}
