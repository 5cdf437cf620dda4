package mgr

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WorkerMgr schedules a worker on a fixed interval.
type WorkerMgr struct {
	mgr *Manager

	name    string
	fn      func(w *WorkerCtx) error
	errorFn func(w *WorkerCtx, err error, panicInfo string)

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Manual trigger.
	run chan struct{}

	lock     sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	reselect chan struct{}
	runs     int
}

// NewWorkerMgr creates a new scheduler for the given worker function.
// Errors and panics are only logged by default.
// If custom behavior is required, supply an errorFn.
// Nothing runs until Repeat() or Go() is called.
func (m *Manager) NewWorkerMgr(name string, fn func(w *WorkerCtx) error, errorFn func(w *WorkerCtx, err error, panicInfo string)) *WorkerMgr {
	s := &WorkerMgr{
		mgr:      m,
		name:     name,
		fn:       fn,
		errorFn:  errorFn,
		run:      make(chan struct{}, 1),
		reselect: make(chan struct{}, 1),
	}
	s.ctx, s.cancelCtx = context.WithCancel(m.Ctx())

	m.workerStart()
	go s.taskMgr()
	return s
}

func (s *WorkerMgr) taskMgr() {
	defer s.mgr.workerDone()
	defer s.stopTicker()

	for {
		var tick <-chan time.Time
		s.lock.Lock()
		if s.ticker != nil {
			tick = s.ticker.C
		}
		s.lock.Unlock()

		// Wait for trigger.
		select {
		case <-tick:
		case <-s.run:
		case <-s.reselect:
			continue
		case <-s.ctx.Done():
			return
		}

		w := s.mgr.newWorkerCtx(s.name)
		w.ctx = s.ctx
		panicInfo, err := s.mgr.runWorker(w, s.fn)

		s.lock.Lock()
		s.runs++
		s.lock.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Canceled workers continue to be scheduled until the scheduler itself is stopped.
		default:
			w.Error("worker failed", "err", err, "file", panicInfo)
			if s.errorFn != nil {
				s.errorFn(w, err, panicInfo)
			}
		}
	}
}

// Repeat will repeatedly execute the worker using the given interval.
// Disable repeating by passing 0.
func (s *WorkerMgr) Repeat(interval time.Duration) *WorkerMgr {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.interval = interval
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
	}

	select {
	case s.reselect <- struct{}{}:
	default:
	}
	return s
}

// Interval returns the current repeat interval.
func (s *WorkerMgr) Interval() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.interval
}

// Runs returns how often the worker was executed.
func (s *WorkerMgr) Runs() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.runs
}

// Go executes the worker immediately.
// If the worker is currently being executed,
// the next execution will commence afterwards.
func (s *WorkerMgr) Go() {
	select {
	case s.run <- struct{}{}:
	default:
	}
}

// Stop immediately stops the scheduler.
func (s *WorkerMgr) Stop() {
	s.cancelCtx()
}

// IsStopped reports whether the scheduler was stopped.
func (s *WorkerMgr) IsStopped() bool {
	return s.ctx.Err() != nil
}

func (s *WorkerMgr) stopTicker() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}
