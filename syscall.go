package fiber

// EnterSyscall marks the fiber as blocked in external code and detaches its
// processor so other fibers keep running. Call it immediately before a
// potentially blocking call made outside the scheduler, and pair it with
// ExitSyscall. The fiber keeps executing on its current thread throughout;
// only the processor changes hands.
//
// The processor is left in syscall limbo for a cheap reacquire on exit,
// unless it has pending work, in which case it is handed to another worker
// at once.
func (f *Fiber) EnterSyscall() {
	if f.status.load() != statusRunning {
		throw("EnterSyscall: fiber handle is not running")
	}
	w := f.w
	pp := w.p
	if pp == nil {
		throw("EnterSyscall: running fiber has no processor")
	}
	f.status.store(statusSyscall)
	w.oldp = pp
	w.p = nil
	pp.w = nil
	pp.status.store(procSyscall)
	s := f.sched
	if !pp.runqEmpty() || s.globalSize.Load() > 0 {
		if pp.status.cas(procSyscall, procIdle) {
			s.handoffp(pp)
		}
	}
}

// ExitSyscall reattaches the fiber to the scheduler after EnterSyscall.
// Fast path: the original processor is still in syscall limbo and is
// reclaimed with a single compare-and-swap, so the fiber resumes on the
// same thread with no queueing. Failing that it takes any idle processor.
// Failing that too, the fiber re-queues globally and its thread rejoins
// the scheduling loop, parking until a processor is handed to it.
func (f *Fiber) ExitSyscall() {
	if f.status.load() != statusSyscall {
		throw("ExitSyscall: fiber is not in a syscall")
	}
	w := f.w
	s := f.sched
	oldp := w.oldp
	w.oldp = nil
	if oldp != nil && oldp.status.cas(procSyscall, procIdle) {
		w.acquire(oldp)
		f.status.store(statusRunning)
		return
	}
	s.lock.Lock()
	pp := s.pidleGet()
	s.lock.Unlock()
	if pp != nil {
		w.acquire(pp)
		f.status.store(statusRunning)
		return
	}
	f.status.store(statusRunning)
	f.park(statusRunnable, "syscall exit", exitSyscallPark, nil)
}

func exitSyscallPark(w *worker, f *Fiber, _ any) bool {
	s := w.sched
	s.lock.Lock()
	s.globalPut(f)
	s.lock.Unlock()
	s.stats.globalPuts.Add(1)
	s.wakeWorker()
	return true
}

// handoffp passes a processor released during a syscall to another worker
// when it has, or may soon be needed for, pending work; otherwise it goes
// back on the idle list.
func (s *Scheduler) handoffp(pp *processor) {
	if !pp.runqEmpty() || s.globalSize.Load() > 0 {
		s.stats.syscallHandoffs.Add(1)
		s.startWorker(pp, false)
		return
	}
	// No work anywhere, but with nobody idle and nobody spinning a
	// submission racing this handoff could find no one to wake.
	if s.nmspinning.Load() == 0 && s.npidle.Load() == 0 && s.nmspinning.CompareAndSwap(0, 1) {
		s.stats.syscallHandoffs.Add(1)
		s.stats.spinningWakes.Add(1)
		s.startWorker(pp, true)
		return
	}
	s.lock.Lock()
	if s.globalQ.size > 0 {
		s.lock.Unlock()
		s.stats.syscallHandoffs.Add(1)
		s.startWorker(pp, false)
		return
	}
	s.pidlePut(pp)
	s.lock.Unlock()
}

// retakeSyscall reclaims a processor stuck in syscall limbo so its work
// capacity is not lost while the syscall runs. Called from wakeWorker when
// the idle list is empty; the syscall's fiber finds out via the failed
// compare-and-swap in ExitSyscall.
func (s *Scheduler) retakeSyscall() *processor {
	for _, pp := range s.allp {
		if pp.status.load() == procSyscall && pp.status.cas(procSyscall, procIdle) {
			s.stats.syscallRetakes.Add(1)
			s.logger.Debug().
				Str("category", "sched").
				Int("processor", int(pp.id)).
				Log("syscall processor retaken")
			return pp
		}
	}
	return nil
}

func (s *Scheduler) anySyscallProcessor() bool {
	for _, pp := range s.allp {
		if pp.status.load() == procSyscall {
			return true
		}
	}
	return false
}
