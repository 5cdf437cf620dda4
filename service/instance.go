package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jirutka/knot-resolver/service/mgr"
)

// WorkerInfo identifies a worker process and holds its pipes.
type WorkerInfo struct {
	ID    int
	Count int

	// Siblings are the pipes of the leading worker to all others.
	Siblings []io.ReadWriteCloser
	// Leader is the pipe of a sibling to the leading worker.
	Leader io.ReadWriteCloser
}

// Instance is a running resolver process.
type Instance struct {
	*mgr.Group

	cfg *Config

	daemon  *Daemon
	control *Control

	shutdownCtx       context.Context
	cancelShutdownCtx context.CancelFunc
	shutdownComplete  chan struct{}
	shutdownOnce      sync.Once

	// lifecycleLock keeps a shutdown from overlapping with the start.
	lifecycleLock sync.Mutex

	exitCode atomic.Int32
}

// New returns a new resolver instance. cfg must be initialized.
func New(cfg *Config) (*Instance, error) {
	instance := &Instance{
		cfg:              cfg,
		shutdownComplete: make(chan struct{}),
	}
	instance.shutdownCtx, instance.cancelShutdownCtx = context.WithCancel(context.Background())

	var err error
	instance.daemon, err = NewDaemon(instance)
	if err != nil {
		return nil, fmt.Errorf("create daemon module: %w", err)
	}
	instance.control, err = NewControl(instance)
	if err != nil {
		return nil, fmt.Errorf("create control module: %w", err)
	}

	// Add all modules to instance group.
	instance.Group = mgr.NewGroup(
		instance.daemon,
		instance.control,
	)

	return instance, nil
}

// Config returns the daemon options.
func (i *Instance) Config() *Config {
	return i.cfg
}

// Daemon returns the daemon module.
func (i *Instance) Daemon() *Daemon {
	return i.daemon
}

// Control returns the control module.
func (i *Instance) Control() *Control {
	return i.control
}

// Start starts all modules. It fails if the shutdown already started.
func (i *Instance) Start() error {
	i.lifecycleLock.Lock()
	defer i.lifecycleLock.Unlock()

	if i.IsShuttingDown() {
		return errors.New("shutting down")
	}
	return i.Group.Start()
}

// Shutdown stops the instance in the background. It may be called any
// number of times.
func (i *Instance) Shutdown() {
	i.shutdownOnce.Do(func() {
		i.cancelShutdownCtx()

		go func() {
			defer close(i.shutdownComplete)

			i.lifecycleLock.Lock()
			defer i.lifecycleLock.Unlock()

			if err := i.Stop(); err != nil {
				slog.Error("failed to stop", "err", err)
				i.exitCode.Store(1)
			}
		}()
	})
}

// ShuttingDown returns a channel that is closed when the shutdown starts.
func (i *Instance) ShuttingDown() <-chan struct{} {
	return i.shutdownCtx.Done()
}

// IsShuttingDown reports whether the shutdown has started.
func (i *Instance) IsShuttingDown() bool {
	return i.shutdownCtx.Err() != nil
}

// ShutdownComplete returns a channel that is closed when the shutdown is
// finished.
func (i *Instance) ShutdownComplete() <-chan struct{} {
	return i.shutdownComplete
}

// ExitCode returns the exit code of the process.
func (i *Instance) ExitCode() int {
	return int(i.exitCode.Load())
}
