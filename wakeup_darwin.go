//go:build darwin

package corlib

import "golang.org/x/sys/unix"

// createWakeup returns the read/write ends of a pipe, since Darwin has
// no eventfd equivalent.
func createWakeup() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func wakeupSignal(writeFd int) error {
	_, err := unix.Write(writeFd, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func wakeupDrain(readFd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
