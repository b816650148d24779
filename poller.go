package fiber

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Socket readiness for fibers.
//
// One poller instance is shared by the whole scheduler. Waits are one-shot:
// a fiber parks on a descriptor via Fiber.YieldOnSocket, the descriptor is
// armed edge-triggered for exactly one delivery, and the fiber is made
// runnable again when the readiness event fires. Workers only ever poll
// non-blocking, from the work-search path; blocking polls are driven from
// outside the worker pool through Scheduler.ExternalPoll.
//
// Arming happens strictly after the waiting fiber has switched out, in the
// post-switch callback. Arming before the switch completes would let the
// event fire, and the wakeup run, while the fiber is still running.
//
// The syscall layer (descriptor creation, arming, waiting, the wake
// descriptor) is implemented in platform-specific files:
//   - poller_linux.go, wakeup_linux.go (epoll, eventfd)
//   - poller_darwin.go, wakeup_darwin.go (kqueue, self-pipe)

// maxPollFD is the largest descriptor value accepted for registration.
const maxPollFD = 100000000 // enough for production with ulimit -n > 1M

// pollDesc is the registration state of one descriptor. Guarded by
// netPoller.mu except for the waiter's delivered mask, which is handed
// over through the fiber wakeup.
type pollDesc struct {
	fd        int32
	f         *Fiber   // parked waiter, nil when none
	requested IOEvents // mask the waiter asked for
	pending   bool     // wait accepted, fiber not yet switched out and armed
	armed     bool     // one-shot armed, not yet fired
	attached  bool     // fd currently known to the kernel poller
}

type netPoller struct {
	s *Scheduler

	pollfd int32 // epoll or kqueue descriptor

	// Wake descriptor, registered level-triggered so a blocked external
	// poll can be interrupted. Readiness persists until a blocking poll
	// drains the byte; once closed it is never drained again.
	wakeReadFd  int32
	wakeWriteFd int32
	wakePending atomic.Uint32

	// Polls between entry and return. close waits for zero before the
	// descriptors go away.
	polling atomic.Int32

	mu   sync.Mutex
	regs map[int32]*pollDesc

	// armedCount mirrors the number of armed waiters so the work-search
	// path can skip the poll syscall entirely.
	armedCount atomic.Int32

	closed atomic.Bool
}

func (np *netPoller) open(s *Scheduler) error {
	np.s = s
	np.regs = make(map[int32]*pollDesc)
	pollfd, err := pollerCreate()
	if err != nil {
		return err
	}
	np.pollfd = pollfd
	r, w, err := wakeOpen()
	if err != nil {
		pollerClose(pollfd)
		return err
	}
	np.wakeReadFd, np.wakeWriteFd = r, w
	if err := pollerArmWake(np.pollfd, np.wakeReadFd); err != nil {
		pollerClose(pollfd)
		wakeClose(r, w)
		return err
	}
	return nil
}

func (np *netPoller) close() {
	if !np.closed.CompareAndSwap(false, true) {
		return
	}
	// One undrained byte flushes out every blocked poll, including polls
	// that raced past the entry check: nothing drains after closed, so
	// the wake descriptor stays readable.
	wakeWrite(np.wakeWriteFd)
	for np.polling.Load() != 0 {
		runtime.Gosched()
	}
	np.mu.Lock()
	pollerClose(np.pollfd)
	wakeClose(np.wakeReadFd, np.wakeWriteFd)
	np.mu.Unlock()
}

func (np *netPoller) waiters() int32 { return np.armedCount.Load() }

// kick interrupts one blocked poll. Deduplicated: kicks while a previous
// wake byte is still unread are dropped.
func (np *netPoller) kick() {
	if np.closed.Load() {
		return
	}
	if np.wakePending.CompareAndSwap(0, 1) {
		wakeWrite(np.wakeWriteFd)
	}
}

// ensure validates a wait request and returns the descriptor's
// registration, creating it if needed. The waiter itself is attached later,
// under arm, once the fiber has switched out; the registration is reserved
// from here on, so a second wait arriving before the first is armed bounces
// busy rather than repurposing the slot.
func (np *netPoller) ensure(fd int32, events IOEvents) (*pollDesc, error) {
	if fd < 0 || fd >= maxPollFD {
		return nil, ErrFDOutOfRange
	}
	np.mu.Lock()
	defer np.mu.Unlock()
	if np.closed.Load() {
		return nil, ErrPollerClosed
	}
	pd := np.regs[fd]
	if pd == nil {
		pd = &pollDesc{fd: fd}
		np.regs[fd] = pd
	} else if pd.f != nil || pd.armed || pd.pending {
		return nil, ErrFDBusy
	}
	pd.pending = true
	pd.requested = events
	return pd, nil
}

// arm attaches the parked fiber as pd's waiter and arms the one-shot
// registration. Runs on the scheduling context after the switch. Any
// failure leaves no waiter behind; the caller force-requeues the fiber.
func (np *netPoller) arm(pd *pollDesc, f *Fiber) error {
	np.mu.Lock()
	defer np.mu.Unlock()
	pd.pending = false
	if np.closed.Load() {
		return ErrPollerClosed
	}
	if np.regs[pd.fd] != pd {
		// Revoked between the validation and the switch.
		return ErrFDNotRegistered
	}
	if err := pollerArm(np.pollfd, pd.fd, pd.requested, pd.attached); err != nil {
		return err
	}
	pd.attached = true
	pd.f = f
	pd.armed = true
	np.armedCount.Add(1)
	return nil
}

// poll waits up to timeoutMs (0 returns immediately, negative blocks) and
// detaches every fiber whose one-shot fired. The fibers are returned still
// waiting; the caller owns the transition to runnable.
func (np *netPoller) poll(timeoutMs int) (fiberList, error) {
	var list fiberList
	np.polling.Add(1)
	defer np.polling.Add(-1)
	if np.closed.Load() {
		return list, ErrPollerClosed
	}
	err := pollerWait(np.pollfd, timeoutMs, func(fd int32, got IOEvents) {
		if fd == np.wakeReadFd {
			// Only a blocking poll consumes the wake byte, and never
			// after close: a non-blocking poll must leave it for
			// whichever poll is actually parked on it.
			if timeoutMs != 0 && !np.closed.Load() {
				wakeDrain(np.wakeReadFd)
				np.wakePending.Store(0)
			}
			return
		}
		np.mu.Lock()
		pd := np.regs[fd]
		if pd == nil || pd.f == nil || !pd.armed {
			// Stale event; the registration fired or was revoked
			// concurrently with this poll.
			np.mu.Unlock()
			return
		}
		delivered := got & pd.requested
		if delivered == 0 {
			// Error or hangup with none of the requested bits: report
			// the requested mask and let the subsequent I/O call
			// surface the failure. The delivered mask is never empty.
			delivered = pd.requested
		}
		f := pd.f
		pd.f = nil
		pd.armed = false
		np.armedCount.Add(-1)
		np.mu.Unlock()
		f.delivered = delivered
		list.push(f)
	})
	if err != nil {
		np.s.warnRated("poller.poll", err, "poll failed")
		return list, err
	}
	if !list.empty() {
		np.s.stats.pollWakes.Add(int64(list.size))
	}
	return list, nil
}

// unregister revokes fd's registration. A parked waiter is woken through
// the global queue with an empty delivered mask, the registration-failure
// signal.
func (np *netPoller) unregister(fd int32) bool {
	if fd < 0 || fd >= maxPollFD {
		return false
	}
	np.mu.Lock()
	if np.closed.Load() {
		np.mu.Unlock()
		return false
	}
	pd := np.regs[fd]
	if pd == nil {
		np.mu.Unlock()
		return false
	}
	var f *Fiber
	if pd.f != nil {
		f = pd.f
		f.delivered = 0
		pd.f = nil
	}
	if pd.armed {
		pd.armed = false
		np.armedCount.Add(-1)
	}
	attached := pd.attached
	delete(np.regs, fd)
	if attached {
		if err := pollerDel(np.pollfd, fd); err != nil {
			np.s.warnRated("poller.unregister", err, "detach failed")
		}
	}
	np.mu.Unlock()
	if f != nil {
		np.s.ready(f, nil, false)
	}
	return true
}

// update replaces the event mask of an existing registration, re-arming in
// place when a waiter is already parked.
func (np *netPoller) update(fd int32, events IOEvents) bool {
	if fd < 0 || fd >= maxPollFD || events&(EventRead|EventWrite) == 0 {
		return false
	}
	np.mu.Lock()
	defer np.mu.Unlock()
	if np.closed.Load() {
		return false
	}
	pd := np.regs[fd]
	if pd == nil {
		return false
	}
	if !pd.armed {
		pd.requested = events
		return true
	}
	if err := pollerArm(np.pollfd, fd, events, pd.attached); err != nil {
		np.s.warnRated("poller.update", err, "re-arm failed")
		return false
	}
	pd.requested = events
	return true
}

// YieldOnSocket parks the fiber until socket is ready for one of the
// requested events, which must include EventRead or EventWrite. It returns
// the delivered subset of the requested mask: never empty on success, and
// empty exactly when the registration failed (bad descriptor, another
// fiber already waiting, poller closed, or the wait revoked by
// SocketUnregister).
func (f *Fiber) YieldOnSocket(socket int, events IOEvents) IOEvents {
	if f.status.load() != statusRunning {
		throw("YieldOnSocket: fiber handle is not running")
	}
	if events&(EventRead|EventWrite) == 0 {
		return 0
	}
	np := &f.sched.poller
	pd, err := np.ensure(int32(socket), events)
	if err != nil {
		np.s.warnRated("poller.register", err, "socket wait rejected")
		return 0
	}
	f.delivered = 0
	f.waitFD = pd.fd
	f.park(statusWaiting, "socket wait", parkOnSocket, pd)
	f.waitFD = -1
	return f.delivered
}

// parkOnSocket is the socket wait's post-switch callback. Returning false
// bounces the fiber straight back to the run queue with an empty delivered
// mask: poller failures cost a spurious wakeup, never a lost fiber.
func parkOnSocket(w *worker, f *Fiber, arg any) bool {
	pd := arg.(*pollDesc)
	np := &w.sched.poller
	if err := np.arm(pd, f); err != nil {
		np.s.warnRated("poller.arm", err, "socket wait arming failed")
		return false
	}
	return true
}

// SocketUpdate replaces the requested event mask for a registered socket,
// including one with a parked waiter.
func (s *Scheduler) SocketUpdate(socket int, events IOEvents) bool {
	return s.poller.update(int32(socket), events)
}

// SocketUnregister revokes a socket registration. A fiber parked on the
// socket resumes with an empty delivered mask.
func (s *Scheduler) SocketUnregister(socket int) bool {
	return s.poller.unregister(int32(socket))
}

// SocketUpdate is shorthand for [Scheduler.SocketUpdate], letting fiber code
// adjust a registration without yielding.
func (f *Fiber) SocketUpdate(socket int, events IOEvents) bool {
	return f.sched.SocketUpdate(socket, events)
}

// SocketUnregister is shorthand for [Scheduler.SocketUnregister].
func (f *Fiber) SocketUnregister(socket int) bool {
	return f.sched.SocketUnregister(socket)
}

// ExternalPoll performs one blocking poll on behalf of the scheduler:
// timeoutMs < 0 blocks until readiness or a shutdown kick, 0 polls without
// blocking. Every fiber whose wait completed is made runnable, and the
// count of them returned. Workers never block in the poller, so a program
// whose fibers wait on sockets needs some thread calling this in a loop.
func (s *Scheduler) ExternalPoll(timeoutMs int) (int, error) {
	s.stats.pollWaits.Add(1)
	list, err := s.poller.poll(timeoutMs)
	if err != nil {
		return 0, err
	}
	n := int(list.size)
	s.injectFiberList(&list)
	return n, nil
}
