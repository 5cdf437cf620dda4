package mgr

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLoopStopped is returned when a callback is submitted to a loop that has
// been halted.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop is a single-threaded reactor. Callbacks submitted from any goroutine
// are executed one at a time, in submission order, to completion.
// Callbacks must never submit to their own loop with Call, as that would
// wait for itself.
type Loop struct {
	tasks chan *loopTask

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	runOnce  sync.Once
}

type loopTask struct {
	fn     func() error
	result chan error
}

// NewLoop returns a new loop. It does nothing until Run is called.
func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan *loopTask),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes callbacks until Stop is called. It may only be called once.
func (l *Loop) Run() {
	ran := false
	l.runOnce.Do(func() {
		ran = true
	})
	if !ran {
		return
	}
	defer close(l.done)

	for {
		// Prefer stopping over picking up more work.
		select {
		case <-l.stop:
			return
		default:
		}

		select {
		case t := <-l.tasks:
			t.result <- runTask(t.fn)
		case <-l.stop:
			return
		}
	}
}

func runTask(fn func() error) (err error) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			err = fmt.Errorf("panic: %s", panicVal)
		}
	}()
	return fn()
}

// Call executes fn on the loop and waits for it to finish.
func (l *Loop) Call(fn func() error) error {
	t := &loopTask{
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case l.tasks <- t:
	case <-l.stop:
		return ErrLoopStopped
	}

	select {
	case err := <-t.result:
		return err
	case <-l.done:
		// The loop finishes the running callback before returning.
		select {
		case err := <-t.result:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

// Stop requests the loop to halt after the currently running callback.
// Calling Stop more than once is a no-op.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Stopping returns a channel that is closed once Stop was called.
func (l *Loop) Stopping() <-chan struct{} {
	return l.stop
}

// Done returns a channel that is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
