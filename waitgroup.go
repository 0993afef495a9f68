package corlib

import (
	"context"
	"sync"
)

// WaitGroup is used to wait for a collection of coroutines to finish.
// Coroutines call Add(ctx, 1) when they start and Done(ctx) when they
// finish. Other coroutines can call Wait(ctx) to suspend until the
// counter reaches zero.
type WaitGroup struct {
	noCopy noCopy
	mu     sync.Mutex
	v      int32
	w      uint32
	sema   sema
}

// Add adds delta to the counter. If the counter reaches zero and
// coroutines are waiting, each is rescheduled to run. Add panics if the
// counter goes negative, or if it is called with a positive delta from
// zero while a Wait is already in flight (the same misuse stdlib's
// sync.WaitGroup detects).
func (wg *WaitGroup) Add(ctx context.Context, delta int) {
	wg.mu.Lock()
	wg.v += int32(delta)
	v := wg.v
	w := wg.w
	bad := v < 0
	misuse := w != 0 && delta > 0 && v == int32(delta)
	release := v == 0 && w != 0
	if release {
		wg.w = 0
	}
	wg.mu.Unlock()

	if bad {
		panic("corlib: negative WaitGroup counter")
	}
	if misuse {
		panic("corlib: WaitGroup misuse: Add called concurrently with Wait")
	}
	if !release {
		return
	}
	for i := uint32(0); i < w; i++ {
		wg.sema.release(ctx)
	}
}

// Done decrements the counter by one; a convenience for Add(ctx, -1).
func (wg *WaitGroup) Done(ctx context.Context) {
	wg.Add(ctx, -1)
}

// Wait suspends the calling coroutine until the counter is zero,
// returning immediately if it already is.
func (wg *WaitGroup) Wait(ctx context.Context) context.Context {
	wg.mu.Lock()
	if wg.v == 0 {
		wg.mu.Unlock()
		return ctx
	}
	wg.w++
	wg.mu.Unlock()
	return wg.sema.acquire(ctx)
}
