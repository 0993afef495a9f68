//go:build linux

package corlib

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// poller is the readiness-notifier seam: epoll on Linux, kqueue on
// Darwin. Both platform types share one method set, and the I/O
// manager only ever touches the poller through it.
type poller struct {
	epfd int
	buf  []unix.EpollEvent
}

func newPoller(bufSize int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("corlib: epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, buf: make([]unix.EpollEvent, bufSize)}, nil
}

func (p *poller) add(fd int, ev Event) error {
	e := unix.EpollEvent{Fd: int32(fd), Events: epollBits(ev)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return fmt.Errorf("%w: epoll_ctl(ADD, %d): %v", ErrKernelFailure, fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, ev Event) error {
	e := unix.EpollEvent{Fd: int32(fd), Events: epollBits(ev)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return fmt.Errorf("%w: epoll_ctl(MOD, %d): %v", ErrKernelFailure, fd, err)
	}
	return nil
}

func (p *poller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("%w: epoll_ctl(DEL, %d): %v", ErrKernelFailure, fd, err)
	}
	return nil
}

// wait blocks for up to timeout (negative means forever) and appends
// ready events to out, returning the extended slice. EINTR is retried silently,
// matching the source's idle-loop retry.
func (p *poller) wait(timeout time.Duration, out []readyEvent) []readyEvent {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, p.buf, ms)
		if err == unix.EINTR {
			continue
		}
		break
	}

	for i := 0; i < n; i++ {
		ev := p.buf[i]
		re := readyEvent{fd: int(ev.Fd)}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			re.errHup = true
		}
		if ev.Events&unix.EPOLLIN != 0 {
			re.mask |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			re.mask |= EventWrite
		}
		out = append(out, re)
	}
	return out
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func epollBits(ev Event) uint32 {
	var bits uint32 = unix.EPOLLET
	if ev&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}
