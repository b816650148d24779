package fiber

import (
	"testing"
)

// TestRunqPutGet_Order verifies the local ring is FIFO for plain puts.
func TestRunqPutGet_Order(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	fibers := make([]*Fiber, 5)
	for i := range fibers {
		fibers[i] = &Fiber{id: uint64(i + 1)}
		pp.runqPut(fibers[i], false)
	}
	if got := pp.runqLen(); got != 5 {
		t.Fatalf("runqLen = %d, want 5", got)
	}
	for i := range fibers {
		f, inheritTime := pp.runqGet()
		if f != fibers[i] {
			t.Fatalf("pop %d: got fiber %v, want %v", i, f, fibers[i])
		}
		if inheritTime {
			t.Fatalf("pop %d: ring pop should not inherit the time slice", i)
		}
	}
	if f, _ := pp.runqGet(); f != nil {
		t.Fatalf("pop from drained queue: got %v, want nil", f)
	}
}

// TestRunqPut_RunnextDisplace verifies that a second priority put bumps the
// previous runnext fiber into the ring, and that runqGet prefers runnext.
func TestRunqPut_RunnextDisplace(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	a := &Fiber{id: 1}
	b := &Fiber{id: 2}
	pp.runqPut(a, true)
	if got := pp.runnext.Load(); got != a {
		t.Fatalf("runnext = %v, want %v", got, a)
	}
	pp.runqPut(b, true)
	if got := pp.runnext.Load(); got != b {
		t.Fatalf("runnext after displace = %v, want %v", got, b)
	}

	f, inheritTime := pp.runqGet()
	if f != b || !inheritTime {
		t.Fatalf("first pop = %v (inherit %v), want %v (inherit true)", f, inheritTime, b)
	}
	f, inheritTime = pp.runqGet()
	if f != a || inheritTime {
		t.Fatalf("second pop = %v (inherit %v), want %v (inherit false)", f, inheritTime, a)
	}
}

// TestRunqPutSlow_SpillHalf verifies that overflowing the ring moves half
// of it, plus the incoming fiber, to the global queue.
func TestRunqPutSlow_SpillHalf(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	for i := 0; i < runqCapacity; i++ {
		pp.runqPut(&Fiber{id: uint64(i + 1)}, false)
	}
	if got := pp.runqLen(); got != runqCapacity {
		t.Fatalf("runqLen = %d, want %d", got, runqCapacity)
	}

	pp.runqPut(&Fiber{id: runqCapacity + 1}, false)

	if got := pp.runqLen(); got != runqCapacity/2 {
		t.Fatalf("runqLen after spill = %d, want %d", got, runqCapacity/2)
	}
	wantGlobal := int32(runqCapacity/2 + 1)
	if got := s.globalSize.Load(); got != wantGlobal {
		t.Fatalf("globalSize after spill = %d, want %d", got, wantGlobal)
	}
	if got := s.globalQ.size; got != wantGlobal {
		t.Fatalf("globalQ.size after spill = %d, want %d", got, wantGlobal)
	}
}

// TestRunqSteal_TakesHalf verifies the steal transfer: half the victim's
// ring moves to the thief, which runs the last transferred fiber.
func TestRunqSteal_TakesHalf(t *testing.T) {
	s := newBareScheduler(2)
	victim, thief := s.allp[0], s.allp[1]

	fibers := make([]*Fiber, 6)
	for i := range fibers {
		fibers[i] = &Fiber{id: uint64(i + 1)}
		victim.runqPut(fibers[i], false)
	}

	f := thief.runqSteal(victim, false)
	if f != fibers[2] {
		t.Fatalf("stolen fiber = %v, want %v", f, fibers[2])
	}
	if got := thief.runqLen(); got != 2 {
		t.Fatalf("thief runqLen = %d, want 2", got)
	}
	if got := victim.runqLen(); got != 3 {
		t.Fatalf("victim runqLen = %d, want 3", got)
	}
	for i := 0; i < 2; i++ {
		got, _ := thief.runqGet()
		if got != fibers[i] {
			t.Fatalf("thief pop %d = %v, want %v", i, got, fibers[i])
		}
	}
	for i := 3; i < 6; i++ {
		got, _ := victim.runqGet()
		if got != fibers[i] {
			t.Fatalf("victim pop %d = %v, want %v", i, got, fibers[i])
		}
	}
	if got := s.stats.stolen.Load(); got != 3 {
		t.Fatalf("stolen counter = %d, want 3", got)
	}
}

// TestRunqSteal_Disjoint verifies that repeated steals drain a victim with
// no fiber lost or duplicated.
func TestRunqSteal_Disjoint(t *testing.T) {
	s := newBareScheduler(3)
	victim := s.allp[0]
	thieves := []*processor{s.allp[1], s.allp[2]}

	const total = 100
	for i := 0; i < total; i++ {
		victim.runqPut(&Fiber{id: uint64(i + 1)}, false)
	}

	seen := make(map[uint64]int)
	record := func(f *Fiber) {
		if f != nil {
			seen[f.id]++
		}
	}
	for round := 0; !victim.runqEmpty(); round++ {
		thief := thieves[round%len(thieves)]
		record(thief.runqSteal(victim, false))
		for {
			f, _ := thief.runqGet()
			if f == nil {
				break
			}
			record(f)
		}
	}

	if len(seen) != total {
		t.Fatalf("distinct fibers stolen = %d, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("fiber %d stolen %d times, want exactly once", id, n)
		}
	}
}

// TestRunqSteal_ConcurrentOwnerPop races the owning processor's pops
// against a stealer over repeated refills; every fiber must surface
// exactly once, on exactly one side.
func TestRunqSteal_ConcurrentOwnerPop(t *testing.T) {
	s := newBareScheduler(2)
	victim, thief := s.allp[0], s.allp[1]

	const rounds = 50
	seen := make(map[uint64]int)
	var nextID uint64
	for round := 0; round < rounds; round++ {
		for i := 0; i < runqCapacity; i++ {
			nextID++
			victim.runqPut(&Fiber{id: nextID}, false)
		}

		var thiefGot []*Fiber
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				f := thief.runqSteal(victim, false)
				if f == nil {
					return
				}
				thiefGot = append(thiefGot, f)
				for {
					g, _ := thief.runqGet()
					if g == nil {
						break
					}
					thiefGot = append(thiefGot, g)
				}
			}
		}()
		var ownerGot []*Fiber
		for {
			f, _ := victim.runqGet()
			if f == nil {
				break
			}
			ownerGot = append(ownerGot, f)
		}
		waitDone(t, done, "stealer to observe the drained victim")

		if got := len(ownerGot) + len(thiefGot); got != runqCapacity {
			t.Fatalf("round %d: surfaced %d fibers, want %d", round, got, runqCapacity)
		}
		for _, f := range ownerGot {
			seen[f.id]++
		}
		for _, f := range thiefGot {
			seen[f.id]++
		}
	}

	if len(seen) != rounds*runqCapacity {
		t.Fatalf("distinct fibers = %d, want %d", len(seen), rounds*runqCapacity)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("fiber %d surfaced %d times, want exactly once", id, n)
		}
	}
}

// TestRunqSteal_RunnextFinalAttempt verifies that only the final steal
// attempt may take a victim's runnext slot.
func TestRunqSteal_RunnextFinalAttempt(t *testing.T) {
	s := newBareScheduler(2)
	victim, thief := s.allp[0], s.allp[1]

	f := &Fiber{id: 1}
	victim.runnext.Store(f)
	victim.status.store(procRunning)

	if got := thief.runqSteal(victim, false); got != nil {
		t.Fatalf("non-final steal took runnext: %v", got)
	}
	if victim.runnext.Load() != f {
		t.Fatal("non-final steal cleared runnext")
	}

	got := thief.runqSteal(victim, true)
	if got != f {
		t.Fatalf("final steal = %v, want %v", got, f)
	}
	if victim.runnext.Load() != nil {
		t.Fatal("runnext not cleared by successful steal")
	}
	if !victim.runqEmpty() {
		t.Fatal("victim should be empty after runnext steal")
	}
}

// TestRunqEmpty_IncludesRunnext verifies runnext counts as local work.
func TestRunqEmpty_IncludesRunnext(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	if !pp.runqEmpty() {
		t.Fatal("fresh queue should be empty")
	}
	pp.runqPut(&Fiber{id: 1}, true)
	if pp.runqEmpty() {
		t.Fatal("queue with only runnext should not be empty")
	}
	if f, _ := pp.runqGet(); f == nil {
		t.Fatal("runqGet should pop the runnext fiber")
	}
	if !pp.runqEmpty() {
		t.Fatal("queue should be empty again")
	}
}

// TestGlobalGet_RefillsLocal verifies the global share computation: one
// fiber returned, the rest of the share moved to the local ring in order.
func TestGlobalGet_RefillsLocal(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	fibers := make([]*Fiber, 10)
	s.lock.Lock()
	for i := range fibers {
		fibers[i] = &Fiber{id: uint64(i + 1)}
		s.globalPut(fibers[i])
	}
	s.lock.Unlock()

	s.lock.Lock()
	f := s.globalGet(pp, 0)
	s.lock.Unlock()
	if f != fibers[0] {
		t.Fatalf("globalGet = %v, want %v", f, fibers[0])
	}
	if got := s.globalSize.Load(); got != 0 {
		t.Fatalf("globalSize = %d, want 0 (single processor takes the lot)", got)
	}
	for i := 1; i < 10; i++ {
		got, _ := pp.runqGet()
		if got != fibers[i] {
			t.Fatalf("refill pop %d = %v, want %v", i, got, fibers[i])
		}
	}
}

// TestGlobalGet_MaxOne verifies the fairness path takes a single fiber and
// leaves the local ring untouched.
func TestGlobalGet_MaxOne(t *testing.T) {
	s := newBareScheduler(1)
	pp := s.allp[0]

	a := &Fiber{id: 1}
	b := &Fiber{id: 2}
	s.lock.Lock()
	s.globalPut(a)
	s.globalPut(b)
	s.lock.Unlock()

	s.lock.Lock()
	f := s.globalGet(pp, 1)
	s.lock.Unlock()
	if f != a {
		t.Fatalf("globalGet = %v, want %v", f, a)
	}
	if got := s.globalSize.Load(); got != 1 {
		t.Fatalf("globalSize = %d, want 1", got)
	}
	if got := pp.runqLen(); got != 0 {
		t.Fatalf("local ring length = %d, want 0", got)
	}
}

// TestGlobalPutBatch verifies list splicing keeps FIFO order and updates
// the size mirror.
func TestGlobalPutBatch(t *testing.T) {
	s := newBareScheduler(2)

	var list fiberList
	fibers := make([]*Fiber, 4)
	for i := range fibers {
		fibers[i] = &Fiber{id: uint64(i + 1)}
		list.push(fibers[i])
	}

	s.lock.Lock()
	s.globalPut(&Fiber{id: 99})
	s.globalPutBatch(&list)
	s.lock.Unlock()

	if got := s.globalSize.Load(); got != 5 {
		t.Fatalf("globalSize = %d, want 5", got)
	}
	s.lock.Lock()
	first := s.globalQ.pop()
	s.lock.Unlock()
	if first.id != 99 {
		t.Fatalf("head of global queue = fiber %d, want 99", first.id)
	}
	for i := range fibers {
		s.lock.Lock()
		f := s.globalQ.pop()
		s.lock.Unlock()
		if f != fibers[i] {
			t.Fatalf("batch pop %d = %v, want %v", i, f, fibers[i])
		}
	}
}
