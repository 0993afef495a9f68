//go:build linux

package corlib

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func currentThreadID() int {
	return unix.Gettid()
}

// setThreadName mirrors the OS thread name via prctl(PR_SET_NAME), the
// same call the source uses. Failure is not worth surfacing: the name
// is purely for observability (e.g. what shows up in `top`/`ps -T`).
func setThreadName(name string) {
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
