// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import "sync/atomic"

// statCounters accumulates scheduler activity. All fields are atomic and
// updated lock-free from the hot paths they instrument.
type statCounters struct {
	spawned         atomic.Int64
	completed       atomic.Int64
	parks           atomic.Int64
	forcedRequeues  atomic.Int64
	steals          atomic.Int64
	stolen          atomic.Int64
	globalPuts      atomic.Int64
	spinningWakes   atomic.Int64
	syscallHandoffs atomic.Int64
	syscallRetakes  atomic.Int64
	pollWaits       atomic.Int64
	pollWakes       atomic.Int64
}

// Stats is a point-in-time snapshot of scheduler activity, as returned by
// Scheduler.Stats.
type Stats struct {
	// Spawned counts fibers created by Spawn.
	Spawned int64
	// Completed counts fibers whose entry function returned.
	Completed int64
	// Parks counts switches from a fiber back to a scheduling context,
	// completions included.
	Parks int64
	// ForcedRequeues counts parks abandoned by a failed post-switch
	// callback, bouncing the fiber straight back onto a run queue.
	ForcedRequeues int64
	// Steals counts work-stealing searches by idle workers.
	Steals int64
	// Stolen counts fibers taken from other processors' run queues.
	Stolen int64
	// GlobalPuts counts fibers pushed onto the global run queue.
	GlobalPuts int64
	// SpinningWakes counts workers woken into the spinning state.
	SpinningWakes int64
	// SyscallHandoffs counts processors handed to another worker at
	// syscall entry.
	SyscallHandoffs int64
	// SyscallRetakes counts processors reclaimed from syscall limbo while
	// their fiber was still blocked.
	SyscallRetakes int64
	// PollWaits counts ExternalPoll calls.
	PollWaits int64
	// PollWakes counts fibers woken by socket readiness.
	PollWakes int64
}

// Stats returns a snapshot of the scheduler's activity counters. Safe to
// call from any goroutine. Each counter is individually atomic; the
// snapshot as a whole is not a consistent cut.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Spawned:         s.stats.spawned.Load(),
		Completed:       s.stats.completed.Load(),
		Parks:           s.stats.parks.Load(),
		ForcedRequeues:  s.stats.forcedRequeues.Load(),
		Steals:          s.stats.steals.Load(),
		Stolen:          s.stats.stolen.Load(),
		GlobalPuts:      s.stats.globalPuts.Load(),
		SpinningWakes:   s.stats.spinningWakes.Load(),
		SyscallHandoffs: s.stats.syscallHandoffs.Load(),
		SyscallRetakes:  s.stats.syscallRetakes.Load(),
		PollWaits:       s.stats.pollWaits.Load(),
		PollWakes:       s.stats.pollWakes.Load(),
	}
}
