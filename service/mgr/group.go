package mgr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrUnsuitableGroupState is returned when an operation cannot be executed due to an unsuitable state.
	ErrUnsuitableGroupState = errors.New("unsuitable group state")

	// ErrInvalidGroupState is returned when a group is in an invalid state and cannot be recovered.
	ErrInvalidGroupState = errors.New("invalid group state")
)

const (
	groupStateOff int32 = iota
	groupStateStarting
	groupStateRunning
	groupStateStopping
	groupStateInvalid
)

func groupStateToString(state int32) string {
	switch state {
	case groupStateOff:
		return "off"
	case groupStateStarting:
		return "starting"
	case groupStateRunning:
		return "running"
	case groupStateStopping:
		return "stopping"
	case groupStateInvalid:
		return "invalid"
	}

	return "unknown"
}

// Module is an manage-able instance of some daemon component.
type Module interface {
	Manager() *Manager
	Start() error
	Stop() error
}

// Group starts and stops a set of modules in order.
type Group struct {
	modules []Module

	state atomic.Int32
}

// NewGroup returns a new group of modules.
// Nil modules are skipped, so that optional components can be passed as is.
func NewGroup(modules ...Module) *Group {
	g := &Group{
		modules: make([]Module, 0, len(modules)),
	}
	for _, m := range modules {
		if m == nil || reflect.ValueOf(m).IsNil() || m.Manager() == nil {
			continue
		}
		g.modules = append(g.modules, m)
	}
	return g
}

// Start starts all modules in the group in the defined order.
// If a module fails to start, itself and all previous modules
// will be stopped in the reverse order.
func (g *Group) Start() error {
	switch g.state.Load() {
	case groupStateRunning:
		return nil
	case groupStateInvalid:
		return fmt.Errorf("%w: cannot recover", ErrInvalidGroupState)
	default:
		if !g.state.CompareAndSwap(groupStateOff, groupStateStarting) {
			return fmt.Errorf("%w: group is not off, state: %s", ErrUnsuitableGroupState, groupStateToString(g.state.Load()))
		}
	}

	for i, m := range g.modules {
		mgr := m.Manager()
		mgr.Debug("starting")
		startTime := time.Now()

		err := mgr.Do("start module "+mgr.Name(), func(_ *WorkerCtx) error {
			return m.Start()
		})
		if err != nil {
			mgr.Error("failed to start", "err", err, "time", time.Since(startTime))
			if !g.stopFrom(i) {
				g.state.Store(groupStateInvalid)
			} else {
				g.state.Store(groupStateOff)
			}
			return fmt.Errorf("failed to start %s: %w", mgr.Name(), err)
		}
		mgr.Info("started", "time", time.Since(startTime))
	}

	g.state.Store(groupStateRunning)
	return nil
}

// Stop stops all modules in the group in the reverse order.
func (g *Group) Stop() error {
	switch g.state.Load() {
	case groupStateOff:
		return nil
	case groupStateInvalid:
		return fmt.Errorf("%w: cannot recover", ErrInvalidGroupState)
	default:
		if !g.state.CompareAndSwap(groupStateRunning, groupStateStopping) {
			return fmt.Errorf("%w: group is not running, state: %s", ErrUnsuitableGroupState, groupStateToString(g.state.Load()))
		}
	}

	if !g.stopFrom(len(g.modules) - 1) {
		g.state.Store(groupStateInvalid)
		return errors.New("failed to stop")
	}

	g.state.Store(groupStateOff)
	return nil
}

func (g *Group) stopFrom(index int) (ok bool) {
	ok = true

	for i := index; i >= 0; i-- {
		mgr := g.modules[i].Manager()
		mgr.Debug("stopping")
		startTime := time.Now()

		if err := g.modules[i].Stop(); err != nil {
			mgr.Error("failed to stop", "err", err, "time", time.Since(startTime))
			ok = false
		}
		mgr.Cancel()
		if mgr.WaitForWorkers(0) {
			mgr.Info("stopped", "time", time.Since(startTime))
		} else {
			ok = false
			mgr.Error(
				"failed to stop",
				"err", "timed out",
				"workerCnt", mgr.workers(),
				"time", time.Since(startTime),
			)
		}
	}

	for _, m := range g.modules {
		m.Manager().renew()
	}
	return ok
}

// Ready returns whether all modules in the group have been started and are still running.
func (g *Group) Ready() bool {
	return g.state.Load() == groupStateRunning
}

// MakeModuleName derives a module name from its type.
func MakeModuleName(m any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", m), "*")
}
