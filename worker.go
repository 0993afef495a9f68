package corlib

import (
	"fmt"
	"runtime"
	"sync"
)

// worker wraps one OS thread dedicated to running a scheduler's
// workerLoop. It locks the goroutine to the OS thread for its entire
// lifetime so that its numeric id and name are meaningful, and exposes
// a startup barrier so the constructor only returns once the thread id
// has been populated.
type worker struct {
	idx  int // scheduler-assigned affinity key, stable and known ahead of Start
	name string
	id   int // OS thread id, observability only

	ready chan struct{}
	done  chan struct{}

	joinOnce sync.Once
}

// newWorker starts fn on a freshly locked OS thread named name
// (truncated to 15 bytes, the Linux prctl(PR_SET_NAME) limit) and
// blocks until the thread has recorded its id. idx is the scheduler's
// stable affinity key for this worker (0-based, assigned at Start).
func newWorker(idx int, name string, fn func()) *worker {
	w := &worker{
		idx:   idx,
		name:  truncateThreadName(name),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		w.id = currentThreadID()
		setThreadName(w.name)
		close(w.ready)

		fn()
	}()
	<-w.ready
	return w
}

// ID returns the worker's OS thread id.
func (w *worker) ID() int { return w.id }

// Name returns the (possibly truncated) thread name this worker was
// given.
func (w *worker) Name() string { return w.name }

// Join waits for the worker's goroutine to return. It is safe to call
// more than once; only the first call actually waits.
func (w *worker) Join() {
	w.joinOnce.Do(func() { <-w.done })
}

func truncateThreadName(name string) string {
	const maxLen = 15
	if len(name) <= maxLen {
		return name
	}
	return name[:maxLen]
}

func workerName(schedName string, idx int) string {
	return truncateThreadName(fmt.Sprintf("%s-%d", schedName, idx))
}
