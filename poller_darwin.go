//go:build darwin

package corlib

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// poller is the kqueue-backed readiness notifier used on Darwin. Unlike
// epoll, kqueue tracks read and write interest as independent filters,
// so add/modify/del translate one Event mask into up to two kevent
// changes.
type poller struct {
	kq  int
	buf []unix.Kevent_t
}

func newPoller(bufSize int) (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("corlib: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq, buf: make([]unix.Kevent_t, bufSize)}, nil
}

func (p *poller) changeFilters(fd int, filters map[int16]bool) error {
	var changes []unix.Kevent_t
	for filter, want := range filters {
		flags := uint16(unix.EV_ADD | unix.EV_CLEAR)
		if !want {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("%w: kevent(%d): %v", ErrKernelFailure, fd, err)
	}
	return nil
}

func (p *poller) add(fd int, ev Event) error {
	return p.changeFilters(fd, map[int16]bool{
		unix.EVFILT_READ:  ev&EventRead != 0,
		unix.EVFILT_WRITE: ev&EventWrite != 0,
	})
}

func (p *poller) modify(fd int, ev Event) error {
	return p.changeFilters(fd, map[int16]bool{
		unix.EVFILT_READ:  ev&EventRead != 0,
		unix.EVFILT_WRITE: ev&EventWrite != 0,
	})
}

func (p *poller) del(fd int) error {
	return p.changeFilters(fd, map[int16]bool{
		unix.EVFILT_READ:  false,
		unix.EVFILT_WRITE: false,
	})
}

func (p *poller) wait(timeout time.Duration, out []readyEvent) []readyEvent {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	var n int
	for {
		var err error
		n, err = unix.Kevent(p.kq, nil, p.buf, ts)
		if err == unix.EINTR {
			continue
		}
		break
	}

	merged := map[int]*readyEvent{}
	var order []int
	for i := 0; i < n; i++ {
		kv := p.buf[i]
		fd := int(kv.Ident)
		re, ok := merged[fd]
		if !ok {
			re = &readyEvent{fd: fd}
			merged[fd] = re
			order = append(order, fd)
		}
		if kv.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
			re.errHup = true
		}
		switch kv.Filter {
		case unix.EVFILT_READ:
			re.mask |= EventRead
		case unix.EVFILT_WRITE:
			re.mask |= EventWrite
		}
	}
	for _, fd := range order {
		out = append(out, *merged[fd])
	}
	return out
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}
