//go:build darwin

package fiber

import (
	"golang.org/x/sys/unix"
)

// IOEvents represents the type of socket events to wait for.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

func pollerCreate() (int32, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(kq)
	return int32(kq), nil
}

func pollerClose(pollfd int32) {
	if pollfd >= 0 {
		_ = unix.Close(int(pollfd))
	}
}

// pollerArm arms fd for a single delivery of events. Read and write
// interest are separate kqueue filters; when re-arming, filters left over
// from an earlier mask are removed first so a stale direction cannot fire.
// A fired one-shot filter deletes itself, hence no modify operation.
func pollerArm(pollfd, fd int32, events IOEvents, attached bool) error {
	if attached {
		deletes := eventsToKevents(fd, EventRead|EventWrite, unix.EV_DELETE)
		// ENOENT per filter is the common case and not an error.
		_, _ = unix.Kevent(int(pollfd), deletes, nil, nil)
	}
	adds := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_CLEAR|unix.EV_ONESHOT)
	_, err := unix.Kevent(int(pollfd), adds, nil, nil)
	return err
}

// pollerArmWake registers the wake descriptor level-triggered: an unread
// wake byte must keep waking polls until one of them drains it.
func pollerArmWake(pollfd, fd int32) error {
	changes := eventsToKevents(fd, EventRead, unix.EV_ADD)
	_, err := unix.Kevent(int(pollfd), changes, nil, nil)
	return err
}

func pollerDel(pollfd, fd int32) error {
	var firstErr error
	for _, filter := range []int16{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		change := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
		if _, err := unix.Kevent(int(pollfd), []unix.Kevent_t{change}, nil, nil); err != nil && err != unix.ENOENT && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pollerWait polls once, handing each raw event to deliver. EINTR is
// swallowed; the caller sees an empty poll.
func pollerWait(pollfd int32, timeoutMs int, deliver func(fd int32, events IOEvents)) error {
	// Per-call buffer: concurrent polls on the shared kqueue descriptor
	// must not share event storage.
	var buf [128]unix.Kevent_t
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(int(pollfd), nil, buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		deliver(int32(buf[i].Ident), keventToEvents(&buf[i]))
	}
	return nil
}

// eventsToKevents converts IOEvents to kqueue change structures.
func eventsToKevents(fd int32, events IOEvents, flags uint16) []unix.Kevent_t {
	kevents := make([]unix.Kevent_t, 0, 2)
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts a kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
