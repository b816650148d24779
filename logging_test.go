package fiber

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
)

// testEvent is a minimal logiface.Event implementation capturing structured
// fields for assertions. Message and error fall back to the "msg" and "err"
// field keys.
type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
}

func (e *testEvent) Level() logiface.Level        { return e.level }
func (e *testEvent) AddField(key string, val any) { e.fields[key] = val }

// testEventFactory creates testEvent instances.
type testEventFactory struct{}

func (f *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level, fields: make(map[string]any)}
}

// testEventWriter forwards testEvent instances to a sink.
type testEventWriter struct {
	onWrite func(*testEvent) error
}

func (w *testEventWriter) Write(event *testEvent) error {
	if w.onWrite != nil {
		return w.onWrite(event)
	}
	return nil
}

// newTestLogger builds a generic logger over testEvent, delivering every
// written event to sink.
func newTestLogger(sink func(*testEvent) error) *logiface.Logger[logiface.Event] {
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](&testEventWriter{onWrite: sink}),
	).Logger()
}

func TestLogCritical_NilLogger(t *testing.T) {
	s := &Scheduler{}
	// Must not panic; falls back to the standard library logger.
	s.logCritical("diagnostic with no logger configured", errors.New("boom"))
}

func TestLogCritical_CapturesEvent(t *testing.T) {
	var mu sync.Mutex
	var events []*testEvent
	s := &Scheduler{logger: newTestLogger(func(e *testEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})}

	errBoom := errors.New("wait queue corrupt")
	s.logCritical("channel destroyed with parked fibers", errBoom)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("captured %d events, want 1", len(events))
	}
	e := events[0]
	if e.level != logiface.LevelError {
		t.Errorf("level = %v, want LevelError", e.level)
	}
	if got := e.fields["msg"]; got != "channel destroyed with parked fibers" {
		t.Errorf("msg field = %v", got)
	}
	if got := e.fields["category"]; got != "sched" {
		t.Errorf("category field = %v, want sched", got)
	}
	if got := e.fields["err"]; got != errBoom {
		t.Errorf("err field = %v, want %v", got, errBoom)
	}
}

func TestLogCritical_PanickingLogger(t *testing.T) {
	s := &Scheduler{logger: newTestLogger(func(e *testEvent) error {
		panic("writer exploded")
	})}
	// Must not propagate; falls back to the standard library logger.
	s.logCritical("diagnostic through a faulty logger", errors.New("boom"))
}

func TestWarnRated_RateLimits(t *testing.T) {
	var mu sync.Mutex
	var events []*testEvent
	limiter, err := newWarnLimiter(map[time.Duration]int{time.Hour: 1})
	if err != nil {
		t.Fatalf("newWarnLimiter failed: %v", err)
	}
	s := &Scheduler{
		logger: newTestLogger(func(e *testEvent) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
			return nil
		}),
		warnLimiter: limiter,
	}

	errPoll := errors.New("bad file descriptor")
	s.warnRated("poller.arm", errPoll, "arm failed")
	s.warnRated("poller.arm", errPoll, "arm failed")
	s.warnRated("poller.arm", errPoll, "arm failed")
	s.warnRated("poller.ensure", errPoll, "registration failed")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("captured %d events, want 2 (one per category within the window)", len(events))
	}
	if got := events[0].fields["category"]; got != "poller.arm" {
		t.Errorf("first event category = %v, want poller.arm", got)
	}
	if events[0].level != logiface.LevelWarning {
		t.Errorf("first event level = %v, want LevelWarning", events[0].level)
	}
	if got := events[1].fields["category"]; got != "poller.ensure" {
		t.Errorf("second event category = %v, want poller.ensure", got)
	}
}

func TestWarnRated_NilLogger(t *testing.T) {
	s := &Scheduler{}
	// Nil logger short-circuits before the limiter is consulted.
	s.warnRated("poller.arm", errors.New("boom"), "arm failed")
}
