package fiber

import "sync/atomic"

// processor is a logical scheduling slot. A fixed set is allocated by New
// and never destroyed; a worker thread must hold one to run fibers.
type processor struct {
	id     int32
	sched  *Scheduler
	status procStatusVal

	// w is the attached worker. Only the attaching/detaching worker
	// touches it; idle and syscall processors have none.
	w *worker

	// Local run queue: fixed ring plus the runnext fast slot. head is
	// CASed by the owner and by stealers; tail is advanced only by the
	// owner; slots are speculatively copied by stealers before their head
	// CAS claims them.
	runqHead atomic.Uint32
	runqTail atomic.Uint32
	runq     [runqCapacity]atomic.Pointer[Fiber]
	runnext  atomic.Pointer[Fiber]

	// schedtick counts scheduling iterations, driving the periodic
	// global-queue fairness check. Owner only.
	schedtick uint32

	// Local free-fiber cache. Owner only.
	freeList  *Fiber
	freeCount int

	idlelink *processor
}

// pidlePut pushes pp onto the idle list. Scheduler lock held; pp must be
// owned by the caller and out of every other structure.
func (s *Scheduler) pidlePut(pp *processor) {
	if !pp.runqEmpty() {
		throw("pidlePut: processor has local work")
	}
	pp.status.store(procIdle)
	pp.idlelink = s.pidleList
	s.pidleList = pp
	s.npidle.Add(1)
}

// pidleGet pops an idle processor, or nil. Scheduler lock held. The
// returned processor stays procIdle until a worker acquires it.
func (s *Scheduler) pidleGet() *processor {
	pp := s.pidleList
	if pp != nil {
		s.pidleList = pp.idlelink
		pp.idlelink = nil
		s.npidle.Add(-1)
	}
	return pp
}

// freeGet pops a cached fiber context from the local free list. Owner only.
func (pp *processor) freeGet() *Fiber {
	f := pp.freeList
	if f != nil {
		pp.freeList = f.schedlink
		pp.freeCount--
		f.schedlink = nil
	}
	return f
}

// acquire attaches an owned, idle processor to w.
func (w *worker) acquire(pp *processor) {
	if w.p != nil {
		throw("acquire: worker already has a processor")
	}
	if pp.w != nil || pp.status.load() != procIdle {
		throw("acquire: processor in use")
	}
	pp.status.store(procRunning)
	pp.w = w
	w.p = pp
}

// release detaches w's processor, leaving it idle and owned by the caller.
func (w *worker) release() *processor {
	pp := w.p
	if pp == nil {
		throw("release: no processor")
	}
	if pp.w != w {
		throw("release: processor attached elsewhere")
	}
	w.p = nil
	pp.w = nil
	pp.status.store(procIdle)
	return pp
}
