// Package corlib is a user-space coroutine runtime providing
// synchronous-style blocking I/O on top of non-blocking kernel
// primitives. Application code writes straight-line blocking calls
// (Connect, Read, Write, Sleep); the runtime transparently suspends the
// calling coroutine on would-block, registers interest with the kernel
// readiness notifier, and resumes the coroutine when the descriptor
// becomes ready or a timer fires. An M:N scheduler multiplexes many
// coroutines over a small pool of worker threads.
//
// Key components:
//
//   - Coroutine: a stackful-style execution context with explicit
//     yield/resume, backed by a dedicated goroutine parked on a
//     handshake channel pair.
//
//   - Scheduler: the task queue and worker-thread pool that resumes
//     coroutines and runs callables to completion.
//
//   - IOManager: a Scheduler coupled to a kernel readiness notifier
//     (epoll/kqueue) and a TimerSet, driving the transparent-blocking
//     behavior.
//
//   - Runtime: the I/O shim facade (Read, Write, Connect, Accept, ...)
//     application code calls instead of the raw syscalls.
//
//   - Synchronization primitives: Mutex, WaitGroup, ErrGroup, and
//     SingleFlight, built on an internal coroutine semaphore and on
//     coroutine suspension rather than OS thread blocking.
package corlib
