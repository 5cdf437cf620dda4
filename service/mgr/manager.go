package mgr

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager runs the workers of a module and carries its logger. The worker
// context is canceled when the module stops and renewed by the group once
// all modules are stopped, so that the module can be started again.
type Manager struct {
	name   string
	logger *slog.Logger

	lock      sync.Mutex
	ctx       context.Context
	cancelCtx context.CancelFunc
	workerCnt int
	// idle is closed while no worker runs.
	idle chan struct{}
}

// New returns a new manager.
func New(name string) *Manager {
	idle := make(chan struct{})
	close(idle)

	m := &Manager{
		name:   name,
		logger: slog.Default().With("module", name),
		idle:   idle,
	}
	m.ctx, m.cancelCtx = context.WithCancel(context.Background())
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Ctx returns the worker context.
func (m *Manager) Ctx() context.Context {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.ctx
}

// Cancel cancels the worker context.
func (m *Manager) Cancel() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.cancelCtx()
}

// Logger returns the manager logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Debug logs at LevelDebug with the worker context.
func (m *Manager) Debug(msg string, args ...any) {
	m.logger.Log(m.Ctx(), slog.LevelDebug, msg, args...)
}

// Info logs at LevelInfo with the worker context.
func (m *Manager) Info(msg string, args ...any) {
	m.logger.Log(m.Ctx(), slog.LevelInfo, msg, args...)
}

// Warn logs at LevelWarn with the worker context.
func (m *Manager) Warn(msg string, args ...any) {
	m.logger.Log(m.Ctx(), slog.LevelWarn, msg, args...)
}

// Error logs at LevelError with the worker context.
func (m *Manager) Error(msg string, args ...any) {
	m.logger.Log(m.Ctx(), slog.LevelError, msg, args...)
}

// WaitForWorkers waits up to max for all workers of this manager to be
// done. The default is one minute.
func (m *Manager) WaitForWorkers(max time.Duration) (done bool) {
	if max <= 0 {
		max = time.Minute
	}

	m.lock.Lock()
	idle := m.idle
	m.lock.Unlock()

	timer := time.NewTimer(max)
	defer timer.Stop()

	select {
	case <-idle:
		return true
	case <-timer.C:
		return m.workers() == 0
	}
}

// renew replaces a canceled worker context.
func (m *Manager) renew() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.ctx.Err() != nil {
		m.ctx, m.cancelCtx = context.WithCancel(context.Background())
	}
}

func (m *Manager) stopping() bool {
	return m.Ctx().Err() != nil
}

func (m *Manager) workers() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.workerCnt
}

func (m *Manager) workerStart() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.workerCnt == 0 {
		m.idle = make(chan struct{})
	}
	m.workerCnt++
}

func (m *Manager) workerDone() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.workerCnt--
	if m.workerCnt == 0 {
		close(m.idle)
	}
}
