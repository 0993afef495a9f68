package corlib

import "errors"

// Sentinel errors surfaced across the runtime facade.
var (
	// ErrTimedOut is returned by an I/O shim whose per-direction deadline
	// elapsed before the descriptor became ready.
	ErrTimedOut = errors.New("corlib: operation timed out")

	// ErrBadFd is returned when a descriptor is closed while a coroutine
	// is suspended waiting on it.
	ErrBadFd = errors.New("corlib: bad file descriptor")

	// ErrAlready is returned by AddEvent when the requested direction is
	// already registered for the fd.
	ErrAlready = errors.New("corlib: event already registered")

	// ErrKernelFailure wraps a readiness-notifier control-plane error
	// (epoll_ctl/kevent). The runtime logs it and continues; callers see
	// it only as the return value of the specific operation that failed.
	ErrKernelFailure = errors.New("corlib: kernel notifier failure")

	// ErrClosed is returned by IOManager.AddEvent once Close has been
	// called. IOManager.AddTimer returns a nil *Timer in that case instead.
	ErrClosed = errors.New("corlib: runtime closed")

	// ErrNoCoroutine is returned by a shim that needs to suspend the
	// caller (hook enabled, about to register and yield) but finds no
	// coroutine in ctx. Shims that can fall back to a plain syscall
	// instead (e.g. Sleep) do so silently rather than returning this.
	ErrNoCoroutine = errors.New("corlib: no coroutine in context")
)
