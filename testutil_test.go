package fiber

import (
	"context"
	"testing"
	"time"
)

// testTimeout bounds every wait in the test suite; generous so slow CI
// machines do not flake.
const testTimeout = 10 * time.Second

// startTestScheduler creates a scheduler, runs it in the background, and
// registers a cleanup that shuts it down and waits for the Start goroutine
// to return.
func startTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	started := make(chan error, 1)
	go func() { started <- s.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil && err != ErrStopped {
			t.Errorf("Shutdown failed: %v", err)
		}
		select {
		case err := <-started:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(testTimeout):
			t.Error("Start did not return after Shutdown")
		}
	})
	return s
}

// waitDone waits for ch to close, failing the test after testTimeout.
func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// eventually polls cond until it reports true, failing the test after
// testTimeout.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// newBareScheduler builds a scheduler skeleton for white-box queue tests:
// processors exist but no workers, poller, or state machine.
func newBareScheduler(nprocs int) *Scheduler {
	s := &Scheduler{freeListLimit: defaultFreeListLimit}
	s.allp = make([]*processor, nprocs)
	for i := range s.allp {
		s.allp[i] = &processor{id: int32(i), sched: s}
	}
	return s
}
