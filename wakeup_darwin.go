//go:build darwin

package fiber

import (
	"golang.org/x/sys/unix"
)

// wakeOpen creates the wake descriptor: a non-blocking self-pipe, read end
// first.
func wakeOpen() (r, w int32, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return -1, -1, err
	}
	return int32(fds[0]), int32(fds[1]), nil
}

func wakeClose(r, w int32) {
	if r >= 0 {
		_ = unix.Close(int(r))
	}
	if w != r && w >= 0 {
		_ = unix.Close(int(w))
	}
}

// wakeWrite makes the wake descriptor readable. Write errors are ignored:
// EAGAIN means the pipe is already full, EBADF that the poller is closing,
// and both leave a wake pending or moot.
func wakeWrite(fd int32) {
	buf := [1]byte{1}
	_, _ = unix.Write(int(fd), buf[:])
}

// wakeDrain empties the wake descriptor.
func wakeDrain(fd int32) {
	var buf [64]byte
	for {
		if _, err := unix.Read(int(fd), buf[:]); err != nil {
			return
		}
	}
}
