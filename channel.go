package fiber

import (
	"sync"
)

// Channel is a FIFO value queue connecting fibers. Capacity zero gives
// rendezvous semantics: a send completes only when paired with a receive.
// Close is idempotent and callable from anywhere, including plain
// goroutines; buffered values remain receivable after Close, and receivers
// observe the close only once the buffer has drained.
//
// A blocking operation enqueues the fiber on the channel while holding the
// channel mutex; the mutex is released by the post-switch callback, after
// the fiber has fully switched out. A waiter visible to any other party is
// therefore always parked, never mid-switch.
type Channel struct {
	sched *Scheduler

	mu        sync.Mutex
	buf       []any
	sendx     uint
	recvx     uint
	count     uint
	closed    bool
	destroyed bool
	sendq     waiterq
	recvq     waiterq
}

// waiter is one parked channel operation. Its fields are written by the
// waking side before the fiber is readied and read by the fiber after it
// resumes.
type waiter struct {
	f    *Fiber
	elem any
	ok   bool
	next *waiter
}

type waiterq struct {
	first *waiter
	last  *waiter
}

func (q *waiterq) enqueue(w *waiter) {
	w.next = nil
	if q.last == nil {
		q.first = w
	} else {
		q.last.next = w
	}
	q.last = w
}

func (q *waiterq) dequeue() *waiter {
	w := q.first
	if w == nil {
		return nil
	}
	q.first = w.next
	if q.first == nil {
		q.last = nil
	}
	w.next = nil
	return w
}

// NewChannel creates a channel with the given buffer capacity; zero means
// unbuffered.
func (s *Scheduler) NewChannel(capacity int) *Channel {
	if capacity < 0 {
		throw("NewChannel: negative capacity")
	}
	c := &Channel{sched: s}
	if capacity > 0 {
		c.buf = make([]any, capacity)
	}
	return c
}

// Len returns the number of buffered values.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.count)
}

// Cap returns the buffer capacity.
func (c *Channel) Cap() int { return len(c.buf) }

// chanPark is the post-switch callback for channel waits: it releases the
// channel mutex the parking fiber was holding.
func chanPark(_ *worker, _ *Fiber, arg any) bool {
	arg.(*Channel).mu.Unlock()
	return true
}

// Send delivers v, blocking the fiber while the channel is full (or, when
// unbuffered, until a receiver arrives). It returns false when the channel
// is or becomes closed before the value is accepted.
func (c *Channel) Send(f *Fiber, v any) bool {
	if f.status.load() != statusRunning {
		throw("Send: fiber handle is not running")
	}
	if f.sched != c.sched {
		throw("Send: channel belongs to a different scheduler")
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		throw("send on destroyed channel")
	}
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if rw := c.recvq.dequeue(); rw != nil {
		// Direct handoff, skipping the buffer: with a receiver parked the
		// buffer is necessarily empty.
		rw.elem = v
		rw.ok = true
		c.mu.Unlock()
		c.sched.ready(rw.f, f, true)
		return true
	}
	if c.count < uint(len(c.buf)) {
		c.buf[c.sendx] = v
		c.sendx++
		if c.sendx == uint(len(c.buf)) {
			c.sendx = 0
		}
		c.count++
		c.mu.Unlock()
		return true
	}
	w := &waiter{f: f, elem: v}
	c.sendq.enqueue(w)
	f.park(statusWaiting, "channel send", chanPark, c)
	return w.ok
}

// Receive takes the next value in send order, blocking the fiber while the
// channel is empty. The second result is false exactly when the channel is
// closed and drained.
func (c *Channel) Receive(f *Fiber) (any, bool) {
	if f.status.load() != statusRunning {
		throw("Receive: fiber handle is not running")
	}
	if f.sched != c.sched {
		throw("Receive: channel belongs to a different scheduler")
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		throw("receive on destroyed channel")
	}
	if sw := c.sendq.dequeue(); sw != nil {
		if len(c.buf) > 0 {
			// Senders park only against a full buffer: take the head and
			// recycle the freed slot for the parked sender, preserving
			// FIFO order.
			v := c.buf[c.recvx]
			c.buf[c.recvx] = sw.elem
			c.recvx++
			if c.recvx == uint(len(c.buf)) {
				c.recvx = 0
			}
			c.sendx = c.recvx
			sw.ok = true
			c.mu.Unlock()
			c.sched.ready(sw.f, f, true)
			return v, true
		}
		v := sw.elem
		sw.elem = nil
		sw.ok = true
		c.mu.Unlock()
		c.sched.ready(sw.f, f, true)
		return v, true
	}
	if c.count > 0 {
		v := c.buf[c.recvx]
		c.buf[c.recvx] = nil
		c.recvx++
		if c.recvx == uint(len(c.buf)) {
			c.recvx = 0
		}
		c.count--
		c.mu.Unlock()
		return v, true
	}
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	w := &waiter{f: f}
	c.recvq.enqueue(w)
	f.park(statusWaiting, "channel receive", chanPark, c)
	return w.elem, w.ok
}

// Close marks the channel closed and wakes every parked fiber: senders
// resume reporting failure, receivers resume empty-handed once the buffer
// drains. Closing an already closed channel is a no-op. Close may be
// called from outside fiber context, so the wakes go through the global
// queue.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		throw("close of destroyed channel")
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var wake []*Fiber
	for {
		sw := c.sendq.dequeue()
		if sw == nil {
			break
		}
		sw.ok = false
		wake = append(wake, sw.f)
	}
	for {
		rw := c.recvq.dequeue()
		if rw == nil {
			break
		}
		rw.elem = nil
		rw.ok = false
		wake = append(wake, rw.f)
	}
	c.mu.Unlock()
	for _, wf := range wake {
		c.sched.ready(wf, nil, false)
	}
}

// Destroy releases the channel's storage and poisons further use. It is a
// fatal error to destroy a channel on which fibers are parked; close it
// and let them drain first.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		throw("destroy of destroyed channel")
	}
	if c.sendq.first != nil || c.recvq.first != nil {
		c.mu.Unlock()
		throw("destroy of channel with parked fibers")
	}
	c.destroyed = true
	c.buf = nil
	c.count = 0
	c.mu.Unlock()
}
