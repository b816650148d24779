package fiber

import (
	"sync/atomic"
)

// fiberStatus is the lifecycle state of a single fiber.
//
// State Machine:
//
//	statusIdle (0)     → statusRunnable    [Spawn: entry function installed]
//	statusRunnable     → statusRunning     [execute: claimed by a worker]
//	statusRunning      → statusRunnable    [Yield: re-queued by park callback]
//	statusRunning      → statusWaiting     [socket wait, channel block]
//	statusRunning      → statusSyscall     [EnterSyscall]
//	statusSyscall      → statusRunning     [ExitSyscall fast/idle reacquire]
//	statusSyscall      → statusRunnable    [ExitSyscall slow: global queue]
//	statusWaiting      → statusRunnable    [ready: wake condition fired]
//	statusRunning      → statusDead        [entry function returned]
//	statusDead         → statusRunnable    [free-cache reuse by Spawn]
//
// Transition Rules:
//   - runnable→running and waiting→runnable are CAS-guarded; a failed CAS
//     means another party already owns the fiber and is an invariant
//     violation (throw).
//   - All other transitions are plain stores performed either by the
//     scheduling context after a switch completes, or by the fiber itself
//     while it exclusively owns its worker (syscall bracketing).
type fiberStatus uint32

const (
	statusIdle fiberStatus = iota // allocated, no entry function yet
	statusRunnable
	statusRunning
	statusWaiting
	statusSyscall
	statusDead
	// statusPreempted is reserved. The scheduler is strictly cooperative;
	// the value exists so status codes remain stable if preemption is ever
	// introduced.
	statusPreempted //nolint:unused
)

// String returns a human-readable representation of the status.
func (s fiberStatus) String() string {
	switch s {
	case statusIdle:
		return "Idle"
	case statusRunnable:
		return "Runnable"
	case statusRunning:
		return "Running"
	case statusWaiting:
		return "Waiting"
	case statusSyscall:
		return "Syscall"
	case statusDead:
		return "Dead"
	case statusPreempted:
		return "Preempted"
	default:
		return "Unknown"
	}
}

// procStatus is the state of a logical processor.
//
//	procIdle:    on the idle list (or being transferred), held by no worker
//	procRunning: held by a worker thread executing the scheduling loop
//	procSyscall: released by EnterSyscall; claimable by the exiting fiber
//	             (fast reacquire CAS) or by wakeWorker (retake CAS),
//	             whichever wins
type procStatus uint32

const (
	procIdle procStatus = iota
	procRunning
	procSyscall
)

func (s procStatus) String() string {
	switch s {
	case procIdle:
		return "Idle"
	case procRunning:
		return "Running"
	case procSyscall:
		return "Syscall"
	default:
		return "Unknown"
	}
}

// schedState is the lifecycle of the scheduler as a whole.
//
//	schedNew (0)   → schedRunning  [Start]
//	schedRunning   → schedStopping [Shutdown requested]
//	schedStopping  → schedStopped  [all workers exited, poller closed]
//	schedNew       → schedStopping [Shutdown before Start]
type schedState uint32

const (
	schedNew schedState = iota
	schedRunning
	schedStopping
	schedStopped
)

// statusVal wraps an atomic fiber status.
type statusVal struct {
	v atomic.Uint32
}

func (x *statusVal) load() fiberStatus { return fiberStatus(x.v.Load()) }

func (x *statusVal) store(s fiberStatus) { x.v.Store(uint32(s)) }

func (x *statusVal) cas(old, new fiberStatus) bool {
	return x.v.CompareAndSwap(uint32(old), uint32(new))
}

// procStatusVal wraps an atomic processor status.
type procStatusVal struct {
	v atomic.Uint32
}

func (x *procStatusVal) load() procStatus { return procStatus(x.v.Load()) }

func (x *procStatusVal) store(s procStatus) { x.v.Store(uint32(s)) }

func (x *procStatusVal) cas(old, new procStatus) bool {
	return x.v.CompareAndSwap(uint32(old), uint32(new))
}
