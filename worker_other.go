//go:build !linux

package corlib

// currentThreadID and setThreadName have no portable equivalent outside
// Linux's prctl/gettid; Darwin's pthread_setname_np/pthread_threadid_np
// are reachable via cgo only, which this repository avoids (see
// DESIGN.md). Workers on non-Linux platforms still run, just without a
// populated OS thread id or a renamed thread.
func currentThreadID() int { return -1 }

func setThreadName(name string) {}
