package fiber

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// schedTickGlobal is the fairness interval: every schedTickGlobal-th
// scheduling iteration of a processor consults the global queue before the
// local one, so a processor stuffing its own ring cannot starve the rest
// of the system. Tuning constant.
const schedTickGlobal = 61

// stealTries is the number of randomized passes over the other processors
// before a worker gives up searching; only the last pass may take a
// victim's runnext slot.
const stealTries = 4

// Scheduler multiplexes fibers over a fixed set of logical processors
// served by worker OS threads. Construct with New, run with Start, and
// tear down with Shutdown; all other operations hang off the *Fiber handle
// passed to each entry function.
type Scheduler struct {
	// lock guards the global run queue, the idle-processor list, and the
	// idle-worker list.
	lock sync.Mutex

	allp []*processor

	globalQ fiberList
	// globalSize mirrors globalQ.size for lock-free emptiness checks.
	globalSize atomic.Int32

	pidleList *processor
	npidle    atomic.Int32

	midleList *worker
	nmidle    int32

	nmspinning atomic.Int32

	// Global free-fiber cache, overflow from the per-processor caches.
	freeMu        sync.Mutex
	freeList      *Fiber
	freeCount     int
	freeListLimit int

	fiberID  atomic.Uint64
	workerID atomic.Int64

	state atomic.Uint32 // schedState

	// teardownOnce guards the post-drain tail of Shutdown, which timed-out
	// and repeated calls converge on.
	teardownOnce sync.Once

	poller netPoller

	// nworkers counts live worker threads; workersCond signals it reaching
	// zero. Guarded by lock: worker creation is refused under the same
	// lock once shutdown has begun, so the count is strictly decreasing
	// from that point.
	nworkers    int32
	workersCond *sync.Cond

	logger      *logiface.Logger[logiface.Event]
	warnLimiter *catrate.Limiter

	stats statCounters
}

// worker is an OS-thread-backed scheduling context: the permanent "g0" of
// one thread. It never appears in a run queue and regains control at every
// fiber suspension point.
type worker struct {
	id    int64
	sched *Scheduler

	// gate receives the run token back from a fiber switching out.
	gate chan struct{}

	// note parks the worker between processor assignments.
	note chan struct{}

	p    *processor
	oldp *processor // syscall fast-reacquire target

	curFiber *Fiber

	// Pending park callback, recorded by the switching-out fiber and run
	// by this worker once the switch has completed.
	parkStatus fiberStatus
	parkFn     parkFunc
	parkArg    any

	spinning bool

	// Assignment handed over by startWorker before a note wake.
	nextp        *processor
	nextSpinning bool

	idlelink *worker
}

// New creates a stopped scheduler. The default processor count is
// runtime.NumCPU; see the With* options.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	limiter, err := newWarnLimiter(cfg.pollWarnRates)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		logger:        cfg.logger,
		warnLimiter:   limiter,
		freeListLimit: cfg.freeListLimit,
	}
	s.workersCond = sync.NewCond(&s.lock)
	s.allp = make([]*processor, cfg.processors)
	for i := range s.allp {
		s.allp[i] = &processor{id: int32(i), sched: s}
	}
	if err := s.poller.open(s); err != nil {
		return nil, err
	}
	s.lock.Lock()
	for i := len(s.allp) - 1; i >= 0; i-- {
		s.pidlePut(s.allp[i])
	}
	s.lock.Unlock()
	return s, nil
}

// Processors returns the fixed processor count.
func (s *Scheduler) Processors() int { return len(s.allp) }

// Start locks the calling goroutine to its OS thread and enters the
// scheduling loop as the first worker. It returns nil once the scheduler
// has been shut down, so callers that need the current thread back run it
// from a dedicated goroutine.
func (s *Scheduler) Start() error {
	if !s.casState(schedNew, schedRunning) {
		if s.loadState() == schedRunning {
			return ErrAlreadyStarted
		}
		return ErrStopped
	}
	s.logger.Info().
		Str("category", "sched").
		Int("processors", len(s.allp)).
		Log("scheduler started")
	w := s.newWorkerStruct()
	if w == nil {
		// Shutdown raced the state transition.
		return ErrStopped
	}
	s.lock.Lock()
	pp := s.pidleGet()
	s.lock.Unlock()
	w.acquire(pp)
	if s.globalSize.Load() > 0 {
		// Pre-Start backlog: bring up a helper; the spinning cascade
		// recruits the rest on demand.
		s.wakeWorker()
	}
	w.run()
	return nil
}

// Shutdown stops the scheduler. Parked workers are woken to exit, the
// poller is kicked so blocked ExternalPoll callers return, and the call
// waits (bounded by ctx) for every worker to leave its loop before closing
// the poller. Fibers still queued or parked are abandoned, never cancelled;
// their goroutines are only reclaimed at process exit. Cached (completed)
// fibers are fully released.
//
// A call that returns ctx's error leaves the scheduler stopping with the
// poller still open; a later Shutdown resumes the wait and finishes the
// teardown.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.casState(schedRunning, schedStopping) || s.casState(schedNew, schedStopping) {
		s.logger.Info().
			Str("category", "sched").
			Log("scheduler stopping")
	} else if s.loadState() != schedStopping {
		return ErrStopped
	}

	s.lock.Lock()
	for w := s.midleGet(); w != nil; w = s.midleGet() {
		w.note <- struct{}{}
	}
	s.lock.Unlock()
	s.poller.kick()

	done := make(chan struct{})
	go func() {
		s.lock.Lock()
		for s.nworkers > 0 {
			s.workersCond.Wait()
		}
		s.lock.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.teardownOnce.Do(s.teardown)
	return nil
}

// teardown is the tail of Shutdown, run once the last worker has left its
// loop: release the cached execution contexts, close the poller, and
// publish the stopped state.
func (s *Scheduler) teardown() {
	s.releaseFreeFibers()
	s.poller.close()
	s.storeState(schedStopped)
	s.logger.Info().
		Str("category", "sched").
		Log("scheduler stopped")
}

// releaseFreeFibers drains the free caches and ends each drained fiber's
// goroutine with a run token carrying no entry function. Cache membership
// alone selects a fiber: one already claimed by a Spawn that slipped past
// the state check gets no token and is abandoned with its queue position,
// like any other unfinished fiber.
func (s *Scheduler) releaseFreeFibers() {
	s.freeMu.Lock()
	free := s.freeList
	s.freeList = nil
	s.freeCount = 0
	s.freeMu.Unlock()
	// Workers are gone, so the per-processor caches are quiescent.
	for _, pp := range s.allp {
		for f := pp.freeList; f != nil; {
			next := f.schedlink
			f.schedlink = free
			free = f
			f = next
		}
		pp.freeList = nil
		pp.freeCount = 0
	}
	for f := free; f != nil; {
		next := f.schedlink
		f.schedlink = nil
		f.gate <- struct{}{}
		f = next
	}
}

// Spawn creates a fiber running fn(f, arg). Called from outside the worker
// pool (including before Start) the fiber lands on the global queue; use
// the *Fiber method from inside a fiber for the local fast path.
func (s *Scheduler) Spawn(fn Func, arg any) (*Fiber, error) {
	return s.spawn(nil, fn, arg)
}

// Spawn creates a fiber from within a running fiber. The new fiber takes
// the runnext slot of the caller's processor, so it is typically the next
// fiber the processor runs.
func (f *Fiber) Spawn(fn Func, arg any) (*Fiber, error) {
	if f.status.load() != statusRunning {
		throw("Spawn: fiber handle is not running")
	}
	return f.sched.spawn(f.w.p, fn, arg)
}

func (s *Scheduler) spawn(pp *processor, fn Func, arg any) (*Fiber, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if st := s.loadState(); st == schedStopping || st == schedStopped {
		return nil, ErrStopped
	}
	f := s.allocFiber(pp)
	switch f.status.load() {
	case statusIdle, statusDead:
	default:
		throw("spawn: recycled fiber in unexpected state")
	}
	f.fn = fn
	f.arg = arg
	f.status.store(statusRunnable)
	s.stats.spawned.Add(1)
	if pp != nil {
		pp.runqPut(f, true)
	} else {
		s.lock.Lock()
		s.globalPut(f)
		s.lock.Unlock()
		s.stats.globalPuts.Add(1)
	}
	s.wakeWorker()
	return f, nil
}

// Yield voluntarily suspends the running fiber; it is re-queued on its
// processor by the post-switch callback, never by its own code.
func (f *Fiber) Yield() {
	if f.status.load() != statusRunning {
		throw("Yield: fiber handle is not running")
	}
	f.park(statusRunnable, "yield", yieldPark, nil)
}

func yieldPark(w *worker, f *Fiber, _ any) bool {
	w.p.runqPut(f, false)
	return true
}

// newWorkerStruct allocates a worker and registers it with the live-worker
// count, or returns nil if shutdown has begun. The stopping check and the
// increment share s.lock, so once Shutdown observes the count it can only
// fall.
func (s *Scheduler) newWorkerStruct() *worker {
	w := &worker{
		id:    s.workerID.Add(1),
		sched: s,
		gate:  make(chan struct{}, 1),
		note:  make(chan struct{}, 1),
	}
	s.lock.Lock()
	if s.stopping() {
		s.lock.Unlock()
		return nil
	}
	s.nworkers++
	s.lock.Unlock()
	return w
}

// exitWorker deregisters a worker thread, signalling Shutdown when the
// last one leaves.
func (s *Scheduler) exitWorker() {
	s.lock.Lock()
	s.nworkers--
	if s.nworkers == 0 {
		s.workersCond.Broadcast()
	}
	s.lock.Unlock()
}

// newWorker spawns a new worker thread for pp. New threads are created
// only when no parked worker is available to claim an assignment.
func (s *Scheduler) newWorker(pp *processor, spinning bool) {
	w := s.newWorkerStruct()
	if w == nil {
		// Shutdown won the race; pp stays idle and the spinning
		// reservation is returned.
		if spinning {
			if s.nmspinning.Add(-1) < 0 {
				throw("newWorker: negative nmspinning")
			}
		}
		return
	}
	w.nextp = pp
	w.nextSpinning = spinning
	s.logger.Debug().
		Str("category", "sched").
		Int64("worker", w.id).
		Log("worker thread spawned")
	go w.run()
}

// run is a worker thread's entry point.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.sched.exitWorker()
	if w.nextp != nil {
		w.acquire(w.nextp)
		w.nextp = nil
	}
	w.spinning = w.nextSpinning
	w.nextSpinning = false
	w.schedule()
}

// schedule is the steady-state worker loop: ensure a processor, find a
// runnable fiber, switch into it, and run the deferred park step when it
// switches back.
func (w *worker) schedule() {
	s := w.sched
	for {
		if s.stopping() {
			w.shutdownRelease()
			return
		}
		if w.p == nil {
			if !w.stop() {
				w.shutdownRelease()
				return
			}
			continue
		}
		f, inheritTime := w.findRunnable()
		if f == nil {
			continue
		}
		if w.spinning {
			s.resetSpinning(w)
		}
		w.execute(f, inheritTime)
	}
}

// shutdownRelease drops any held state on the way out of the loop.
func (w *worker) shutdownRelease() {
	if w.spinning {
		w.spinning = false
		w.sched.nmspinning.Add(-1)
	}
	if w.p != nil {
		w.release()
	}
}

// execute switches into f and, once f switches back, runs the pending park
// callback. A callback signalling failure forces the fiber straight back
// onto the run queue rather than losing it.
func (w *worker) execute(f *Fiber, inheritTime bool) {
	if !f.status.cas(statusRunnable, statusRunning) {
		throw("execute: fiber not runnable")
	}
	if !inheritTime {
		w.p.schedtick++
	}
	f.w = w
	w.curFiber = f
	f.gate <- struct{}{}
	<-w.gate
	w.afterSwitch()
}

func (w *worker) afterSwitch() {
	f := w.curFiber
	w.curFiber = nil
	fn, arg, status := w.parkFn, w.parkArg, w.parkStatus
	w.parkFn, w.parkArg = nil, nil
	if fn == nil {
		throw("switch back with no park callback")
	}
	f.status.store(status)
	w.sched.stats.parks.Add(1)
	if !fn(w, f, arg) {
		if w.p == nil {
			throw("forced requeue with no processor")
		}
		f.status.store(statusRunnable)
		w.p.runqPut(f, false)
		w.sched.stats.forcedRequeues.Add(1)
	}
}

// findRunnable locates the next fiber for w's processor, in order: the
// periodic global fairness check, the local queue, the global queue, a
// non-blocking poll, work stealing, and a final locked global recheck.
// Finding nothing it releases the processor and parks; it returns nil only
// on shutdown.
func (w *worker) findRunnable() (*Fiber, bool) {
	s := w.sched
top:
	pp := w.p
	if s.stopping() {
		return nil, false
	}

	// Fairness: occasionally prefer the global queue so local spawning
	// cannot monopolize the processor.
	if pp.schedtick%schedTickGlobal == 0 && s.globalSize.Load() > 0 {
		s.lock.Lock()
		f := s.globalGet(pp, 1)
		s.lock.Unlock()
		if f != nil {
			return f, false
		}
	}

	if f, inheritTime := pp.runqGet(); f != nil {
		return f, inheritTime
	}

	if s.globalSize.Load() > 0 {
		s.lock.Lock()
		f := s.globalGet(pp, 0)
		s.lock.Unlock()
		if f != nil {
			return f, false
		}
	}

	// Opportunistic poll: run the first ready fiber, inject the rest.
	if s.poller.waiters() > 0 {
		if list, _ := s.poller.poll(0); !list.empty() {
			f := list.pop()
			s.injectFiberList(&list)
			if !f.status.cas(statusWaiting, statusRunnable) {
				throw("findRunnable: polled fiber not waiting")
			}
			return f, false
		}
	}

	// Steal, throttled: at most half the busy processors get a spinner.
	if w.spinning || 2*s.nmspinning.Load() < int32(len(s.allp))-s.npidle.Load() {
		if !w.spinning {
			w.becomeSpinning()
		}
		if f := w.steal(); f != nil {
			return f, false
		}
	}

	// Nothing found; final recheck under the lock, then go idle.
	s.lock.Lock()
	if s.globalQ.size > 0 {
		f := s.globalGet(pp, 0)
		s.lock.Unlock()
		return f, false
	}
	if s.stopping() {
		s.lock.Unlock()
		return nil, false
	}
	pp = w.release()
	s.pidlePut(pp)
	s.lock.Unlock()

	wasSpinning := w.spinning
	if wasSpinning {
		w.spinning = false
		if s.nmspinning.Add(-1) < 0 {
			throw("findRunnable: negative spinning count")
		}
		// Work published between the last scan and the decrement above
		// would see a spinner and skip its wake; rescan before parking.
		if pp := s.reclaimIdleIfWork(); pp != nil {
			w.acquire(pp)
			w.becomeSpinning()
			goto top
		}
	}

	if !w.stop() {
		return nil, false
	}
	goto top
}

// steal makes stealTries randomized passes over the other processors,
// taking half a victim's ring, or on the final pass its runnext slot.
func (w *worker) steal() *Fiber {
	s := w.sched
	pp := w.p
	s.stats.steals.Add(1)
	for i := 0; i < stealTries; i++ {
		stealNext := i == stealTries-1
		offset := rand.IntN(len(s.allp))
		for j := 0; j < len(s.allp); j++ {
			victim := s.allp[(offset+j)%len(s.allp)]
			if victim == pp {
				continue
			}
			if victim.runqEmpty() && (!stealNext || victim.runnext.Load() == nil) {
				continue
			}
			if f := pp.runqSteal(victim, stealNext); f != nil {
				return f
			}
		}
	}
	return nil
}

// reclaimIdleIfWork reacquires an idle processor when any run queue has
// work: the ex-spinning recheck of the park path.
func (s *Scheduler) reclaimIdleIfWork() *processor {
	work := s.globalSize.Load() > 0
	if !work {
		for _, pp := range s.allp {
			if !pp.runqEmpty() {
				work = true
				break
			}
		}
	}
	if !work {
		return nil
	}
	s.lock.Lock()
	pp := s.pidleGet()
	s.lock.Unlock()
	return pp
}

func (w *worker) becomeSpinning() {
	w.spinning = true
	w.sched.nmspinning.Add(1)
}

// resetSpinning clears the spinning state after finding work and wakes a
// replacement spinner, the unparking cascade that keeps pickup latency low
// without a thundering herd.
func (s *Scheduler) resetSpinning(w *worker) {
	if !w.spinning {
		throw("resetSpinning: worker not spinning")
	}
	w.spinning = false
	if s.nmspinning.Add(-1) < 0 {
		throw("resetSpinning: negative spinning count")
	}
	s.wakeWorker()
}

// wakeWorker ensures somebody is searching for newly published work. It
// fires only when no spinner exists (the 0→1 reservation) and an idle or
// retakable syscall processor is available.
func (s *Scheduler) wakeWorker() {
	if s.loadState() != schedRunning {
		return
	}
	if s.npidle.Load() == 0 && !s.anySyscallProcessor() {
		return
	}
	if !s.nmspinning.CompareAndSwap(0, 1) {
		return
	}
	s.lock.Lock()
	pp := s.pidleGet()
	s.lock.Unlock()
	if pp == nil {
		pp = s.retakeSyscall()
	}
	if pp == nil {
		if s.nmspinning.Add(-1) < 0 {
			throw("wakeWorker: negative spinning count")
		}
		return
	}
	s.stats.spinningWakes.Add(1)
	s.startWorker(pp, true)
}

// startWorker hands pp to a parked worker, spawning a new thread only when
// none is parked. With spinning set the caller holds the nmspinning
// reservation and the target worker inherits it.
func (s *Scheduler) startWorker(pp *processor, spinning bool) {
	s.lock.Lock()
	if pp == nil {
		pp = s.pidleGet()
		if pp == nil {
			s.lock.Unlock()
			if spinning && s.nmspinning.Add(-1) < 0 {
				throw("startWorker: negative spinning count")
			}
			return
		}
	}
	w := s.midleGet()
	s.lock.Unlock()
	if w == nil {
		s.newWorker(pp, spinning)
		return
	}
	if w.spinning {
		throw("startWorker: parked worker is spinning")
	}
	if w.nextp != nil {
		throw("startWorker: parked worker already has an assignment")
	}
	w.nextp = pp
	w.nextSpinning = spinning
	w.note <- struct{}{}
}

// stop parks the worker until it is handed a processor. Returns false when
// woken for shutdown.
func (w *worker) stop() bool {
	s := w.sched
	if w.p != nil {
		throw("stop: worker still holds a processor")
	}
	if w.spinning {
		throw("stop: worker still spinning")
	}
	s.lock.Lock()
	if s.stopping() {
		s.lock.Unlock()
		return false
	}
	s.midlePut(w)
	s.lock.Unlock()
	<-w.note
	if w.nextp == nil {
		return false
	}
	w.acquire(w.nextp)
	w.nextp = nil
	w.spinning = w.nextSpinning
	w.nextSpinning = false
	return true
}

func (s *Scheduler) midlePut(w *worker) {
	w.idlelink = s.midleList
	s.midleList = w
	s.nmidle++
}

func (s *Scheduler) midleGet() *worker {
	w := s.midleList
	if w != nil {
		s.midleList = w.idlelink
		w.idlelink = nil
		s.nmidle--
	}
	return w
}

// ready transitions a waiting fiber to runnable and queues it: on the
// calling fiber's processor when there is one (next requests the runnext
// slot), otherwise globally.
func (s *Scheduler) ready(f *Fiber, caller *Fiber, next bool) {
	if !f.status.cas(statusWaiting, statusRunnable) {
		throw("ready: fiber not waiting")
	}
	if caller != nil && caller.status.load() == statusRunning && caller.w != nil && caller.w.p != nil {
		caller.w.p.runqPut(f, next)
	} else {
		s.lock.Lock()
		s.globalPut(f)
		s.lock.Unlock()
		s.stats.globalPuts.Add(1)
	}
	s.wakeWorker()
}

// injectFiberList marks a batch of woken fibers runnable and splices them
// onto the global queue in one lock acquisition.
func (s *Scheduler) injectFiberList(list *fiberList) {
	if list.empty() {
		return
	}
	n := list.size
	for f := list.head; f != nil; f = f.schedlink {
		if !f.status.cas(statusWaiting, statusRunnable) {
			throw("injectFiberList: fiber not waiting")
		}
	}
	s.lock.Lock()
	s.globalPutBatch(list)
	s.lock.Unlock()
	s.stats.globalPuts.Add(int64(n))
	s.wakeWorker()
}

func (s *Scheduler) loadState() schedState { return schedState(s.state.Load()) }

func (s *Scheduler) storeState(st schedState) { s.state.Store(uint32(st)) }

func (s *Scheduler) casState(old, new schedState) bool {
	return s.state.CompareAndSwap(uint32(old), uint32(new))
}

func (s *Scheduler) stopping() bool {
	st := s.loadState()
	return st == schedStopping || st == schedStopped
}
