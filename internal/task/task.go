// Package task provides the deferred-task and microtask scheduling the
// engine's event model is built on.
//
// The model is the host-loop model from the browser: work submitted with
// Post runs as a macrotask; each macrotask is followed by a microtask
// checkpoint that drains every queued microtask (including ones queued by
// earlier microtasks) before the next macrotask runs.
//
// The engine is single-threaded cooperative: callers drive the loop either
// by pumping RunUntilIdle from their own goroutine (the deterministic test
// double) or by dedicating a goroutine to Run. Posting is safe from any
// goroutine; executing user-visible operations concurrently with the loop
// is the caller's responsibility to avoid.
package task

import "sync"

// Loop is a two-level task queue: macrotasks and microtasks.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	micro  []func()
	closed bool
	signal chan struct{} // buffered size 1, coalesces wakeups
}

// NewLoop creates an empty loop.
func NewLoop() *Loop {
	return &Loop{
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Post queues fn as a macrotask. Safe from any goroutine.
// Posting to a closed loop is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks = append(l.tasks, fn)
	l.wake()
}

// PostMicrotask queues fn to run at the next microtask checkpoint, before
// any further macrotask.
func (l *Loop) PostMicrotask(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.micro = append(l.micro, fn)
	l.wake()
}

func (l *Loop) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loop) popTask() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return fn, true
}

func (l *Loop) popMicro() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.micro) == 0 {
		return nil, false
	}
	fn := l.micro[0]
	if len(l.micro) == 1 {
		l.micro = l.micro[:0]
	} else {
		l.micro = l.micro[1:]
	}
	return fn, true
}

// Checkpoint drains the microtask queue, including microtasks queued while
// draining.
func (l *Loop) Checkpoint() {
	for {
		fn, ok := l.popMicro()
		if !ok {
			return
		}
		fn()
	}
}

// RunOne runs a single macrotask followed by its microtask checkpoint.
// Returns false when no macrotask was pending (microtasks may still have
// drained).
func (l *Loop) RunOne() bool {
	l.Checkpoint()
	fn, ok := l.popTask()
	if !ok {
		return false
	}
	fn()
	l.Checkpoint()
	return true
}

// RunUntilIdle pumps tasks and microtasks until both queues are empty.
// This is the synchronous drainable mode used by tests and by callers that
// drive the engine from their own loop.
func (l *Loop) RunUntilIdle() {
	for l.RunOne() {
	}
	l.Checkpoint()
}

// Idle reports whether both queues are empty.
func (l *Loop) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) == 0 && len(l.micro) == 0
}

// Len returns the number of pending macrotasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops the loop: queued work is dropped and future posts are ignored.
// Wakes any blocked Run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.tasks = nil
	l.micro = nil
	close(l.signal)
}

// Run pumps the loop until done is closed or the loop is closed.
// Must be called from exactly one goroutine.
func (l *Loop) Run(done <-chan struct{}) {
	for {
		if l.RunOne() {
			continue
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-done:
			return
		case <-l.signal:
		}
	}
}
