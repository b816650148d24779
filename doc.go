// Package fiber implements a cooperative scheduler that multiplexes
// lightweight fibers over a fixed set of logical processors served by
// worker threads.
//
// # Architecture
//
// A [Scheduler] owns a fixed number of processors (configured with
// [WithProcessors]). Each processor carries a lock-free local run queue
// plus a runnext slot favouring freshly spawned and rendezvous-woken
// fibers, and a mutex-guarded global queue catches everything submitted
// from outside the worker pool. Idle workers steal half a victim's local
// queue at a time, throttled so at most half the busy processors are
// shadowed by spinning thieves, and every 61st scheduling iteration a
// processor consults the global queue first so local spawning cannot
// starve remote work.
//
// # Execution Model
//
// Scheduling is strictly cooperative: a fiber runs until it yields, blocks
// on a channel or socket, brackets a syscall, or returns. There is no
// preemption and no fiber cancellation. Each fiber owns a goroutine parked
// on a one-slot gate channel; a worker resumes a fiber by handing it the
// run token and regains control when the fiber blocks. The step that
// publishes a blocked fiber to other parties (re-queueing, arming a socket
// registration, releasing a channel lock) always runs on the worker's
// scheduling context after the switch has completed, never on the fiber's
// own stack.
//
// # Syscalls
//
// [Fiber.EnterSyscall] detaches the fiber's processor so a blocking call
// made outside the scheduler does not stall runnable fibers.
// [Fiber.ExitSyscall] reclaims the same processor with a single
// compare-and-swap when it is still free, and otherwise falls back to any
// idle processor or the global queue. Processors parked in syscall limbo
// are retaken on demand when work appears and nothing is idle.
//
// # Socket Waits
//
// [Fiber.YieldOnSocket] parks the fiber until a descriptor is ready,
// armed edge-triggered for exactly one delivery on a single shared
// platform poller (epoll on Linux, kqueue on Darwin). Workers only poll
// non-blocking, while searching for work; blocking polls belong to
// [Scheduler.ExternalPoll], typically driven by a dedicated thread.
//
// # Channels
//
// [Channel] connects fibers with rendezvous (capacity zero) or bounded
// FIFO semantics. [Channel.Close] is idempotent, may be called from plain
// goroutines, fails subsequent sends fast, and lets receivers drain
// buffered values before observing the close.
//
// # Thread Safety
//
// [Scheduler.Spawn], [Channel.Close], [Scheduler.SocketUpdate],
// [Scheduler.SocketUnregister], [Scheduler.ExternalPoll], and
// [Scheduler.Stats] are safe to call from any goroutine. Methods on
// [Fiber] are valid only on the running fiber itself; [Channel.Send] and
// [Channel.Receive] only from fiber context.
//
// # Usage
//
//	sched, err := fiber.New(fiber.WithProcessors(4))
//	if err != nil {
//		log.Fatal(err)
//	}
//	_, _ = sched.Spawn(func(f *fiber.Fiber, _ any) {
//		// fiber code: Yield, nested Spawn, channels, socket waits
//	}, nil)
//	go sched.Start()
//	defer sched.Shutdown(context.Background())
package fiber
