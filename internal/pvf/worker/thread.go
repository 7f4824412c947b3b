package worker

import (
	"fmt"
	"runtime"
	"sync"
)

// WaitOutcome is the shared completion condition of the threads inside a job process.
type WaitOutcome int

const (
	Pending WaitOutcome = iota
	Finished
	TimedOut
)

func (o WaitOutcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Finished:
		return "finished"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("WaitOutcome(%d)", int(o))
	}
}

// Cond holds the outcome of a thread race. The first thread to finish decides it.
type Cond struct {
	mu      sync.Mutex
	cond    *sync.Cond
	outcome WaitOutcome
}

func NewCond() *Cond {
	c := &Cond{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// notify records outcome unless another thread already did, then wakes the waiter.
func (c *Cond) notify(outcome WaitOutcome) {
	c.mu.Lock()
	if c.outcome == Pending {
		c.outcome = outcome
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Wait blocks until some thread recorded an outcome.
func (c *Cond) Wait() WaitOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.outcome == Pending {
		c.cond.Wait()
	}
	return c.outcome
}

// Outcome returns the current outcome without blocking.
func (c *Cond) Outcome() WaitOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Thread is a function running on its own locked OS thread.
type Thread[T any] struct {
	name  string
	done  chan struct{}
	value T
	panic *string
}

// SpawnWorkerThread runs f on a dedicated OS thread and records outcome in cond when f returns
// or panics. The thread is never stopped from outside; a losing thread is simply abandoned.
func SpawnWorkerThread[T any](name string, f func() T, cond *Cond, outcome WaitOutcome) *Thread[T] {
	t := &Thread[T]{name: name, done: make(chan struct{})}
	go func() {
		// The locked thread dies with the goroutine and is never handed back to the scheduler.
		runtime.LockOSThread()
		defer close(t.done)
		defer cond.notify(outcome)
		defer func() {
			if r := recover(); r != nil {
				msg := StringifyPanicPayload(r)
				t.panic = &msg
			}
		}()
		t.value = f()
	}()
	return t
}

// Join waits for the thread. A panic inside the thread is returned as ThreadPanic.
func (t *Thread[T]) Join() (T, error) {
	<-t.done
	if t.panic != nil {
		var zero T
		return zero, &ThreadPanic{Thread: t.name, Message: *t.panic}
	}
	return t.value, nil
}

// ThreadPanic reports a recovered panic from a worker thread.
type ThreadPanic struct {
	Thread  string
	Message string
}

func (e *ThreadPanic) Error() string {
	return fmt.Sprintf("thread %s panicked: %s", e.Thread, e.Message)
}

// WaitForThreads blocks until one of the threads sharing cond finished.
func WaitForThreads(cond *Cond) WaitOutcome {
	return cond.Wait()
}

// StringifyPanicPayload renders a recovered panic value.
func StringifyPanicPayload(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("unknown panic payload: %v", v)
	}
}
