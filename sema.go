package corlib

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// sema is a counting semaphore whose waiters are corlib coroutines: a
// coroutine that calls acquire while no permit is free suspends until
// some other coroutine's release hands one to it directly.
type sema struct {
	noCopy noCopy
	mu     sync.Mutex
	v      uint32
	w      deque.Deque[*Coroutine]
}

// acquire takes one permit, suspending the calling coroutine (found via
// ctx) until one becomes available. It returns the context to continue
// with, which is ctx unchanged on the uncontended path.
func (s *sema) acquire(ctx context.Context) context.Context {
	s.mu.Lock()
	if s.v > 0 {
		s.v--
		s.mu.Unlock()
		return ctx
	}

	co := MustCoroutineFromContext(ctx)
	s.w.PushBack(co)
	s.mu.Unlock()

	return co.Yield(ctx)
}

// release returns one permit. If a coroutine is queued, the permit is
// handed directly to the longest-waiting one by rescheduling it on
// ctx's scheduler; otherwise the free-permit count is incremented.
func (s *sema) release(ctx context.Context) {
	s.mu.Lock()
	if s.w.Len() == 0 {
		s.v++
		s.mu.Unlock()
		return
	}
	co := s.w.PopFront()
	s.mu.Unlock()

	MustSchedulerFromContext(ctx).Schedule(TaskFromCoroutine(co), AnyWorker)
}

// waitCount reports how many coroutines are currently queued.
func (s *sema) waitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Len()
}
