package fiber

import (
	"fmt"
)

// Func is a fiber entry point. The *Fiber handle identifies the running
// fiber and is the context object for every scheduler operation (Yield,
// YieldOnSocket, EnterSyscall, channel Send/Receive, nested Spawn). It is
// only valid on the fiber's own stack: retaining it past the function's
// return, or calling its methods from another goroutine, is a logic error.
type Func func(f *Fiber, arg any)

// parkFunc runs on the scheduling context after the parking fiber has fully
// switched out. It performs the step that must never run on the fiber's own
// stack: re-queueing, poller arming, or releasing a channel lock. Returning
// false abandons the park; the scheduling loop then forces the fiber
// straight back onto the local run queue.
type parkFunc func(w *worker, f *Fiber, arg any) bool

// A Fiber is a cooperatively scheduled unit of execution. Fibers are
// created by Spawn, multiplexed over worker threads, and recycled through
// free caches after their entry function returns.
type Fiber struct {
	id    uint64
	sched *Scheduler

	// gate carries this fiber's single run token. Capacity one: a wake
	// that races the fiber's own switch-out is buffered, never lost, and
	// never blocks the waker.
	gate chan struct{}

	status statusVal

	fn  Func
	arg any

	// w is the owning worker while the fiber is running or inside a
	// syscall bracket. Written by the worker before the run token is sent.
	w *worker

	// Socket-wait bookkeeping, meaningful only across one YieldOnSocket.
	waitFD    int32
	delivered IOEvents

	waitReason string

	schedlink *Fiber
}

// ID returns the fiber's unique identity.
func (f *Fiber) ID() uint64 { return f.id }

// String describes the fiber and its current state.
func (f *Fiber) String() string {
	if r := f.waitReason; r != "" {
		return fmt.Sprintf("fiber %d [%s: %s]", f.id, f.status.load(), r)
	}
	return fmt.Sprintf("fiber %d [%s]", f.id, f.status.load())
}

// newFiber allocates a fiber with a fresh execution context: a goroutine
// parked on its gate.
func (s *Scheduler) newFiber() *Fiber {
	f := &Fiber{
		id:     s.fiberID.Add(1),
		sched:  s,
		gate:   make(chan struct{}, 1),
		waitFD: -1,
	}
	go f.loop()
	return f
}

// loop is the trampoline at the base of every fiber's execution context.
// The fiber's natural return lands here, never in arbitrary caller state:
// the entry function's completion hands control to the scheduling context
// and the goroutine parks awaiting reuse. A run token with no entry
// function installed is the teardown signal.
func (f *Fiber) loop() {
	for {
		<-f.gate
		if f.fn == nil {
			return
		}
		f.call()
		f.exit()
	}
}

// call invokes the entry function. A panic there is fatal to the process,
// but it is reported through the logger before the abort so the failing
// fiber is identifiable.
func (f *Fiber) call() {
	defer func() {
		if r := recover(); r != nil {
			f.sched.logCritical("fiber panicked", fmt.Errorf("fiber %d: %v", f.id, r))
			panic(r)
		}
	}()
	fn, arg := f.fn, f.arg
	fn(f, arg)
}

// park suspends the running fiber. The status and callback are recorded on
// the owning worker, control transfers to the scheduling context, and the
// fiber blocks until some worker delivers its next run token. The callback
// runs strictly after the switch completes.
func (f *Fiber) park(status fiberStatus, reason string, fn parkFunc, arg any) {
	w := f.w
	if w == nil {
		throw("park on a fiber with no worker")
	}
	if fn == nil {
		throw("park with no callback")
	}
	f.waitReason = reason
	w.parkStatus = status
	w.parkFn = fn
	w.parkArg = arg
	w.gate <- struct{}{}
	<-f.gate
	f.waitReason = ""
}

// exit hands a finished fiber to the scheduling context. Unlike park it
// does not wait for a resume: the goroutine returns to the trampoline,
// which blocks on the gate until the fiber struct is reused or torn down.
func (f *Fiber) exit() {
	w := f.w
	if w == nil {
		throw("exit on a fiber with no worker")
	}
	w.parkStatus = statusDead
	w.parkFn = exitFiber
	w.parkArg = nil
	w.gate <- struct{}{}
}

// exitFiber is the park callback for fiber completion: scrub the fiber and
// cache it for reuse. Clearing fn is what marks the cached context
// reusable; it doubles as the teardown signal for the goroutine.
func exitFiber(w *worker, f *Fiber, _ any) bool {
	f.fn = nil
	f.arg = nil
	f.w = nil
	f.waitFD = -1
	f.delivered = 0
	w.sched.stats.completed.Add(1)
	w.sched.freePut(w.p, f)
	return true
}

// allocFiber draws a fiber from the local cache, then the global cache,
// then allocates fresh. pp may be nil when spawning from outside the
// worker pool.
func (s *Scheduler) allocFiber(pp *processor) *Fiber {
	var f *Fiber
	if pp != nil {
		f = pp.freeGet()
	}
	if f == nil {
		f = s.freeGetGlobal(pp)
	}
	if f == nil {
		f = s.newFiber()
	}
	return f
}

// freePut caches a dead fiber on the processor, spilling half the local
// cache to the global cache when the local limit is hit. With no processor
// attached the fiber goes straight to the global cache.
func (s *Scheduler) freePut(pp *processor, f *Fiber) {
	if f.status.load() != statusDead {
		throw("freePut on a live fiber")
	}
	if pp == nil {
		s.freeMu.Lock()
		f.schedlink = s.freeList
		s.freeList = f
		s.freeCount++
		s.freeMu.Unlock()
		return
	}
	f.schedlink = pp.freeList
	pp.freeList = f
	pp.freeCount++
	if pp.freeCount < s.freeListLimit {
		return
	}
	// Spill half.
	s.freeMu.Lock()
	for pp.freeCount > s.freeListLimit/2 {
		spill := pp.freeList
		pp.freeList = spill.schedlink
		pp.freeCount--
		spill.schedlink = s.freeList
		s.freeList = spill
		s.freeCount++
	}
	s.freeMu.Unlock()
}

// freeGetGlobal pops one fiber from the global free cache, refilling the
// local cache with a few more while the lock is held.
func (s *Scheduler) freeGetGlobal(pp *processor) *Fiber {
	s.freeMu.Lock()
	f := s.freeList
	if f == nil {
		s.freeMu.Unlock()
		return nil
	}
	s.freeList = f.schedlink
	s.freeCount--
	if pp != nil {
		for pp.freeCount < s.freeListLimit/2 && s.freeList != nil {
			refill := s.freeList
			s.freeList = refill.schedlink
			s.freeCount--
			refill.schedlink = pp.freeList
			pp.freeList = refill
			pp.freeCount++
		}
	}
	s.freeMu.Unlock()
	f.schedlink = nil
	return f
}
