//go:build linux

package fiber

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// wakeOpen creates the wake descriptor: a single eventfd serving as both
// read and write end.
func wakeOpen() (r, w int32, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return int32(fd), int32(fd), nil
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
// EAGAIN means the counter is already nonzero, EBADF that the poller is
// closing, and both leave a wake pending or moot.
func wakeWrite(fd int32) {
	// PERFORMANCE: native endianness, no binary encoding overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, _ = unix.Write(int(fd), buf)
}

// wakeDrain empties the wake descriptor.
func wakeDrain(fd int32) {
	var buf [8]byte
	for {
		if _, err := unix.Read(int(fd), buf[:]); err != nil {
			return
		}
	}
}
