//go:build linux

package corlib

import "golang.org/x/sys/unix"

// createWakeup returns the same fd for both ends of the wakeup
// primitive: a Linux eventfd, incremented by tickle and drained by the
// idle loop.
func createWakeup() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func wakeupSignal(writeFd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(writeFd, buf[:])
	if err == unix.EAGAIN {
		// Already has a pending increment; nothing more to do.
		return nil
	}
	return err
}

// wakeupDrain reads the eventfd's accumulated counter down to zero.
func wakeupDrain(readFd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
