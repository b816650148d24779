package fiber

import (
	"math/rand/v2"
	"time"
)

// runqCapacity is the fixed size of a processor's local ring. Power of two.
// Tuning constant: anything preserving the overflow-to-global behavior is
// acceptable.
const runqCapacity = 256

// fiberList is an intrusive FIFO linked through Fiber.schedlink.
type fiberList struct {
	head *Fiber
	tail *Fiber
	size int32
}

func (q *fiberList) empty() bool { return q.head == nil }

func (q *fiberList) push(f *Fiber) {
	f.schedlink = nil
	if q.tail != nil {
		q.tail.schedlink = f
	} else {
		q.head = f
	}
	q.tail = f
	q.size++
}

func (q *fiberList) pop() *Fiber {
	f := q.head
	if f == nil {
		return nil
	}
	q.head = f.schedlink
	if q.head == nil {
		q.tail = nil
	}
	f.schedlink = nil
	q.size--
	return f
}

// concat appends other to q, emptying other. The fibers in other must
// already be linked head→tail.
func (q *fiberList) concat(other *fiberList) {
	if other.head == nil {
		return
	}
	if q.tail != nil {
		q.tail.schedlink = other.head
	} else {
		q.head = other.head
	}
	q.tail = other.tail
	q.size += other.size
	other.head, other.tail, other.size = nil, nil, 0
}

// runqPut places f on the local run queue. With next set it goes into the
// runnext slot, displacing any current occupant into the ring; the slot is
// the fast path that always wins the next pop. Ring overflow spills half
// the queue to the global queue. Only the owning worker calls runqPut, so
// the tail store is a plain release publish; head is loaded with acquire
// semantics to observe stealers.
func (pp *processor) runqPut(f *Fiber, next bool) {
	if next {
		for {
			old := pp.runnext.Load()
			if pp.runnext.CompareAndSwap(old, f) {
				if old == nil {
					return
				}
				// Displaced; push the old runnext into the ring.
				f = old
				break
			}
		}
	}
	for {
		h := pp.runqHead.Load()
		t := pp.runqTail.Load()
		if t-h < runqCapacity {
			pp.runq[t%runqCapacity].Store(f)
			pp.runqTail.Store(t + 1)
			return
		}
		if pp.runqPutSlow(f, h, t) {
			return
		}
		// The ring drained under us; retry the fast path.
	}
}

// runqPutSlow moves half of the local ring plus f to the global queue in
// one lock acquisition, shuffled so unlucky spawn orders cannot starve a
// fiber behind a tight loop of its siblings.
func (pp *processor) runqPutSlow(f *Fiber, h, t uint32) bool {
	var batch [runqCapacity/2 + 1]*Fiber

	n := t - h
	n = n / 2
	if n != runqCapacity/2 {
		throw("runqPutSlow: queue is not full")
	}
	for i := uint32(0); i < n; i++ {
		batch[i] = pp.runq[(h+i)%runqCapacity].Load()
	}
	if !pp.runqHead.CompareAndSwap(h, h+n) {
		return false
	}
	batch[n] = f

	for i := uint32(1); i <= n; i++ {
		j := rand.Uint32N(i + 1)
		batch[i], batch[j] = batch[j], batch[i]
	}

	for i := uint32(0); i < n; i++ {
		batch[i].schedlink = batch[i+1]
	}
	batch[n].schedlink = nil
	q := fiberList{head: batch[0], tail: batch[n], size: int32(n + 1)}

	s := pp.sched
	s.lock.Lock()
	s.globalPutBatch(&q)
	s.lock.Unlock()
	s.stats.globalPuts.Add(int64(n + 1))
	return true
}

// runqGet pops from the local queue, runnext slot first. inheritTime is
// true for a runnext pop: the fiber inherits the displacing fiber's time
// slice and does not advance the schedule tick.
func (pp *processor) runqGet() (f *Fiber, inheritTime bool) {
	for {
		next := pp.runnext.Load()
		if next == nil {
			break
		}
		if pp.runnext.CompareAndSwap(next, nil) {
			return next, true
		}
	}
	for {
		h := pp.runqHead.Load()
		t := pp.runqTail.Load()
		if t == h {
			return nil, false
		}
		f := pp.runq[h%runqCapacity].Load()
		if pp.runqHead.CompareAndSwap(h, h+1) {
			return f, false
		}
	}
}

// runqEmpty reports whether pp has no local work. The double read of tail
// guards against the transient head>tail view a concurrent runqPut(next)
// can expose; a stale answer in either direction is otherwise tolerable.
func (pp *processor) runqEmpty() bool {
	for {
		h := pp.runqHead.Load()
		t := pp.runqTail.Load()
		next := pp.runnext.Load()
		if t == pp.runqTail.Load() {
			return h == t && next == nil
		}
	}
}

// runqLen is a racy size estimate for stats and heuristics.
func (pp *processor) runqLen() int {
	n := int(pp.runqTail.Load() - pp.runqHead.Load())
	if pp.runnext.Load() != nil {
		n++
	}
	return n
}

// runqGrab bulk-copies roughly half of victim's ring into pp's ring at
// tail position t, without publishing (the caller advances pp's tail). The
// copies are speculative: they only become real if the head CAS claims
// them, otherwise they are garbage slots that the failed CAS guarantees
// will be overwritten before publication. On the final steal attempt an
// empty ring falls back to the victim's runnext slot, after a brief pause
// that gives a victim mid-spawn the chance to use it first.
func (pp *processor) runqGrab(victim *processor, t uint32, stealRunNext bool) uint32 {
	for {
		h := victim.runqHead.Load()
		vt := victim.runqTail.Load()
		n := vt - h
		n = n - n/2
		if n == 0 {
			if !stealRunNext {
				return 0
			}
			next := victim.runnext.Load()
			if next == nil {
				return 0
			}
			if victim.status.load() == procRunning {
				// The victim may be between queueing the fiber and
				// popping it; give that window a moment to close.
				time.Sleep(3 * time.Microsecond)
			}
			if !victim.runnext.CompareAndSwap(next, nil) {
				continue
			}
			pp.runq[t%runqCapacity].Store(next)
			return 1
		}
		if n > runqCapacity/2 {
			// Inconsistent head/tail snapshot.
			continue
		}
		for i := uint32(0); i < n; i++ {
			f := victim.runq[(h+i)%runqCapacity].Load()
			pp.runq[(t+i)%runqCapacity].Store(f)
		}
		if victim.runqHead.CompareAndSwap(h, h+n) {
			return n
		}
	}
}

// runqSteal takes half of victim's queue into pp's and returns one of the
// stolen fibers to run immediately. Returns nil when there was nothing to
// take.
func (pp *processor) runqSteal(victim *processor, stealRunNext bool) *Fiber {
	t := pp.runqTail.Load()
	n := pp.runqGrab(victim, t, stealRunNext)
	if n == 0 {
		return nil
	}
	pp.sched.stats.stolen.Add(int64(n))
	n--
	f := pp.runq[(t+n)%runqCapacity].Load()
	if n == 0 {
		return f
	}
	h := pp.runqHead.Load()
	if t-h+n >= runqCapacity {
		throw("runqSteal: local queue overflow")
	}
	pp.runqTail.Store(t + n)
	return f
}

// globalPut appends one fiber to the global FIFO. Scheduler lock held.
func (s *Scheduler) globalPut(f *Fiber) {
	s.globalQ.push(f)
	s.globalSize.Store(s.globalQ.size)
}

// globalPutBatch splices a pre-linked list onto the global FIFO in one
// step. Scheduler lock held.
func (s *Scheduler) globalPutBatch(q *fiberList) {
	s.globalQ.concat(q)
	s.globalSize.Store(s.globalQ.size)
}

// globalGet pops a share of the global queue: one fiber is returned and
// the rest of the share refills pp's local ring. The share is
// size/nprocs+1, capped at max (when positive) and at half the ring so a
// single processor cannot monopolize a burst. Scheduler lock held.
func (s *Scheduler) globalGet(pp *processor, max int32) *Fiber {
	if s.globalQ.size == 0 {
		return nil
	}
	n := s.globalQ.size/int32(len(s.allp)) + 1
	if n > s.globalQ.size {
		n = s.globalQ.size
	}
	if max > 0 && n > max {
		n = max
	}
	if n > runqCapacity/2 {
		n = runqCapacity / 2
	}

	f := s.globalQ.pop()
	n--
	for ; n > 0; n-- {
		f1 := s.globalQ.pop()
		pp.runqPut(f1, false)
	}
	s.globalSize.Store(s.globalQ.size)
	return f
}
