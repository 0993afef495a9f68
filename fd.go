package corlib

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// noTimeout is the FdAttr sentinel meaning "block forever" for a given
// direction's timeout, matching the source's use of 0 as "never".
const noTimeout time.Duration = 0

// FdAttr is one descriptor's worth of state the runtime needs to decide
// whether an I/O shim may suspend the calling coroutine on it: whether
// it is a socket at all, whether the kernel has been forced nonblocking
// underneath a blocking-looking user API, and any per-direction timeout
// installed via SetSockoptTimeout.
type FdAttr struct {
	mu sync.Mutex

	fd             int
	isSocket       bool
	sysNonblock    bool
	userNonblock   bool
	closed         bool
	recvTimeout    time.Duration
	sendTimeout    time.Duration
}

// IsSocket reports whether fd was classified as a socket.
func (a *FdAttr) IsSocket() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isSocket
}

// SystemNonblocking reports whether the kernel-level O_NONBLOCK bit is
// set, which for a socket is forced on regardless of user intent.
func (a *FdAttr) SystemNonblocking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sysNonblock
}

// UserNonblocking reports the user-visible nonblocking flag, which the
// runtime keeps distinct from the kernel-forced flag so Fcntl's
// F_GETFL can answer as the caller expects even though the fd is
// always kernel-nonblocking underneath.
func (a *FdAttr) UserNonblocking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userNonblock
}

// SetUserNonblocking records the user's intent, independent of the
// kernel-forced flag.
func (a *FdAttr) SetUserNonblocking(v bool) {
	a.mu.Lock()
	a.userNonblock = v
	a.mu.Unlock()
}

// Closed reports whether Close has already been observed for this fd.
func (a *FdAttr) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *FdAttr) markClosed() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// Timeout returns the configured timeout for dir (Read maps to the
// receive timeout, Write to the send timeout). The zero value means
// "never" (no conditional timer is installed for the direction).
func (a *FdAttr) Timeout(dir Event) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir == EventWrite {
		return a.sendTimeout
	}
	return a.recvTimeout
}

// SetTimeout installs a timeout for dir, translating the same way the
// source's setTimeout(SO_RCVTIMEO/SO_SNDTIMEO) does.
func (a *FdAttr) SetTimeout(dir Event, d time.Duration) {
	a.mu.Lock()
	if dir == EventWrite {
		a.sendTimeout = d
	} else {
		a.recvTimeout = d
	}
	a.mu.Unlock()
}

// FdTable is a process-wide-shaped but explicitly-owned table of
// FdAttr records keyed by descriptor number. It is constructed
// alongside a Runtime/IOManager rather than reached via a singleton
// (REDESIGN FLAGS): code that genuinely needs one table shared across
// multiple IOManagers constructs a single FdTable and passes it to
// each.
type FdTable struct {
	mu   sync.RWMutex
	data []*FdAttr
}

// NewFdTable constructs an empty table pre-sized the way the source's
// FdManager constructor pre-sizes its vector.
func NewFdTable() *FdTable {
	return &FdTable{data: make([]*FdAttr, 64)}
}

// Get returns the FdAttr for fd, constructing one via a stat-like probe
// if autoCreate is true and no record exists yet. A newly-probed socket
// is forced to kernel-nonblocking immediately: the user-visible flag
// stays whatever it already was (false, for a freshly observed fd),
// but every I/O shim thereafter sees a kernel-nonblocking descriptor
// regardless of what the caller asked for.
func (t *FdTable) Get(fd int, autoCreate bool) *FdAttr {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.data) && t.data[fd] != nil {
		attr := t.data[fd]
		t.mu.RUnlock()
		return attr
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.data) {
		grown := make([]*FdAttr, int(float64(fd)*1.5)+1)
		copy(grown, t.data)
		t.data = grown
	}
	if t.data[fd] != nil {
		return t.data[fd]
	}

	attr := &FdAttr{fd: fd}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFSOCK {
		attr.isSocket = true
		if err := unix.SetNonblock(fd, true); err == nil {
			attr.sysNonblock = true
		}
	}
	t.data[fd] = attr
	return attr
}

// Del drops fd's record, marking it closed first so any attribute
// pointer a suspended shim is still holding observes the fd as gone.
func (t *FdTable) Del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.data) && t.data[fd] != nil {
		t.data[fd].markClosed()
		t.data[fd] = nil
	}
}
