//go:build linux

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
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return int32(epfd), nil
}

func pollerClose(pollfd int32) {
	if pollfd >= 0 {
		_ = unix.Close(int(pollfd))
	}
}

// pollerArm arms fd for a single edge-triggered delivery of events.
// attached selects modify over add: a fired one-shot stays in the epoll
// set, disabled, until re-armed or deleted.
func pollerArm(pollfd, fd int32, events IOEvents, attached bool) error {
	ev := unix.EpollEvent{
		Events: eventsToEpoll(events) | unix.EPOLLONESHOT | unix.EPOLLET,
		Fd:     fd,
	}
	op := unix.EPOLL_CTL_ADD
	if attached {
		op = unix.EPOLL_CTL_MOD
	}
	return unix.EpollCtl(int(pollfd), op, int(fd), &ev)
}

// pollerArmWake registers the wake descriptor level-triggered: an unread
// wake byte must keep waking polls until one of them drains it.
func pollerArmWake(pollfd, fd int32) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     fd,
	}
	return unix.EpollCtl(int(pollfd), unix.EPOLL_CTL_ADD, int(fd), &ev)
}

func pollerDel(pollfd, fd int32) error {
	return unix.EpollCtl(int(pollfd), unix.EPOLL_CTL_DEL, int(fd), nil)
}

// pollerWait polls once, handing each raw event to deliver. EINTR is
// swallowed; the caller sees an empty poll.
func pollerWait(pollfd int32, timeoutMs int, deliver func(fd int32, events IOEvents)) error {
	// Per-call buffer: concurrent polls on the shared epoll descriptor
	// must not share event storage.
	var buf [128]unix.EpollEvent
	n, err := unix.EpollWait(int(pollfd), buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		deliver(buf[i].Fd, epollToEvents(buf[i].Events))
	}
	return nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
