// Package engine ties the resolver context, the module pipeline, the storage
// backend and the command environment together and runs every evaluation on
// a single event loop.
package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"

	"github.com/jirutka/knot-resolver/base/database/storage/bbolt"
	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/ipc"
	"github.com/jirutka/knot-resolver/service/mgr"
	"github.com/jirutka/knot-resolver/service/modules"
	"github.com/jirutka/knot-resolver/service/modules/builtin"
	"github.com/jirutka/knot-resolver/service/network"
	"github.com/jirutka/knot-resolver/service/resolver"
)

// DefaultMaintenanceInterval is the period of the engine maintenance.
const DefaultMaintenanceInterval = 5 * time.Minute

// NoConfig as configuration path skips both the configuration and the
// defaults.
const NoConfig = "-"

var (
	// ErrInvalidState is returned when an operation does not fit the engine
	// lifecycle.
	ErrInvalidState = errors.New("invalid engine state")

	//go:embed scripts/sandbox.js
	sandboxScript string

	//go:embed scripts/config.js
	defaultsScript string
)

// Engine states.
const (
	StateUninitialized int32 = iota
	StateInitialized
	StateRunning
	StateStopped
)

func stateToString(state int32) string {
	switch state {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds the engine parameters that do not come from the
// configuration script.
type Config struct {
	// WorkerID and WorkerCount identify this process among its siblings.
	WorkerID    int
	WorkerCount int

	// Pipes lead to the sibling workers, in worker order.
	Pipes []io.ReadWriteCloser

	// StorageDir holds the storage backend. Empty disables storage.
	StorageDir string

	// ModuleDir is searched for scripted modules.
	ModuleDir string
	EtcDir    string

	// Getenv is used by getenv(), os.Getenv if nil.
	Getenv func(name string) string

	// MaintenanceInterval defaults to DefaultMaintenanceInterval.
	MaintenanceInterval time.Duration
}

// Engine is the daemon core of one worker process.
type Engine struct {
	mgr *mgr.Manager
	cfg Config

	loop     *mgr.Loop
	resolver *resolver.Context
	registry *modules.Registry
	storage  *bbolt.BBolt
	env      *bridge.Env
	net      *network.Network
	pipes    []io.ReadWriteCloser

	maintenance *mgr.WorkerMgr

	state      atomic.Int32
	stopped    *abool.AtomicBool
	deinitOnce sync.Once
}

// New initializes an engine. On failure, everything built so far is torn
// down again.
func New(m *mgr.Manager, cfg Config) (*Engine, error) {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}

	e := &Engine{
		mgr:      m,
		cfg:      cfg,
		loop:     mgr.NewLoop(),
		resolver: resolver.NewContext(),
		env:      bridge.NewEnv(),
		pipes:    cfg.Pipes,
		stopped:  abool.New(),
	}
	e.registry = modules.NewRegistry(e, m.Logger())
	e.net = network.New(m, nil)

	m.Go("event loop", func(w *mgr.WorkerCtx) error {
		go func() {
			select {
			case <-w.Done():
				e.loop.Stop()
			case <-e.loop.Done():
			}
		}()
		e.loop.Run()
		return nil
	})

	if err := e.loop.Call(e.init); err != nil {
		_ = e.Deinit()
		return nil, err
	}
	e.state.Store(StateInitialized)
	return e, nil
}

func (e *Engine) init() error {
	if err := e.installBuiltins(); err != nil {
		return fmt.Errorf("install builtins: %w", err)
	}

	if e.cfg.StorageDir != "" {
		db, err := bbolt.NewBBolt("cache", e.cfg.StorageDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		e.storage = db
	}

	for _, name := range builtin.DefaultStages {
		if err := e.registry.Register(name, "", ""); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// Start runs the baseline environment, then the configuration at
// configPath followed by the defaults, and arms the maintenance. With
// NoConfig, the configuration and the defaults are skipped. A missing
// configuration file is not an error.
func (e *Engine) Start(configPath string) error {
	if state := e.state.Load(); state != StateInitialized {
		return fmt.Errorf("%w: cannot start when %s", ErrInvalidState, stateToString(state))
	}

	err := e.loop.Call(func() error {
		return e.loadConfig(configPath)
	})
	if err != nil {
		return err
	}

	runtime.GC()
	e.maintenance = e.mgr.Repeat("maintenance", e.cfg.MaintenanceInterval, e.maintain)
	e.state.Store(StateRunning)
	return nil
}

func (e *Engine) loadConfig(configPath string) error {
	if _, err := e.env.RunScript("sandbox", sandboxScript, true); err != nil {
		return fmt.Errorf("init environment: %w", err)
	}
	if configPath == NoConfig {
		return nil
	}

	src, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if _, err := e.env.RunScript(configPath, string(src), false); err != nil {
			return fmt.Errorf("load %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		e.mgr.Debug("no configuration file", "path", configPath)
	default:
		return fmt.Errorf("read configuration: %w", err)
	}

	if _, err := e.env.RunScript("config", defaultsScript, true); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}
	return nil
}

// maintain drops servers with a bad reputation, so they get another chance
// after intermittent network failures.
func (e *Engine) maintain(w *mgr.WorkerCtx) error {
	return e.loop.Call(func() error {
		if n := e.resolver.EvictBad(); n > 0 {
			w.Debug("evicted slow name servers", "count", n)
		}
		return nil
	})
}

// Stop disarms the maintenance and halts the event loop. It may be called
// any number of times, also from within an evaluation.
func (e *Engine) Stop() {
	if !e.stopped.SetToIf(false, true) {
		return
	}
	if e.maintenance != nil {
		e.maintenance.Stop()
	}
	e.loop.Stop()
	e.state.Store(StateStopped)
}

// Stopping returns a channel that is closed once Stop was called.
func (e *Engine) Stopping() <-chan struct{} {
	return e.loop.Stopping()
}

// Deinit releases all resources. The engine is stopped first if needed.
// Calls after the first are no-ops.
func (e *Engine) Deinit() error {
	var errs *multierror.Error
	e.deinitOnce.Do(func() {
		e.Stop()
		<-e.loop.Done()

		if err := e.net.Deinit(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close network: %w", err))
		}
		e.resolver.Purge()
		for _, p := range e.pipes {
			if err := p.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close sibling pipe: %w", err))
			}
		}
		e.pipes = nil

		e.registry.UnloadAll()
		e.env.Close()

		if e.storage != nil {
			if err := e.storage.Shutdown(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close storage: %w", err))
			}
			e.storage = nil
		}
		e.state.Store(StateUninitialized)
	})
	return errs.ErrorOrNil()
}

// State returns the lifecycle state.
func (e *Engine) State() int32 {
	return e.state.Load()
}

// Eval evaluates an operator command in the sandbox and renders the result.
func (e *Engine) Eval(cmd string) (result string, err error) {
	err = e.loop.Call(func() error {
		v, err := e.env.Eval(cmd, false)
		if err != nil {
			return err
		}
		if text, ok := e.env.Render(v); ok {
			result = text
		}
		return nil
	})
	return result, err
}

// EvalRaw evaluates a trusted command and returns the JSON text of the
// result, or "" if there is none.
func (e *Engine) EvalRaw(cmd string) (result string, err error) {
	err = e.loop.Call(func() error {
		result, err = e.evalRaw(cmd)
		return err
	})
	return result, err
}

// evalRaw must run on the loop.
func (e *Engine) evalRaw(cmd string) (string, error) {
	v, err := e.env.Eval(cmd, true)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return e.env.Marshal(v), nil
}

// ServePipe answers broadcast commands of the leading worker until the pipe
// is closed.
func (e *Engine) ServePipe(ctx context.Context, pipe io.ReadWriter) error {
	return ipc.Serve(ctx, pipe, e)
}

// Network returns the network layer.
func (e *Engine) Network() *network.Network {
	return e.net
}

// Modules returns the module names in pipeline order.
func (e *Engine) Modules() (names []string, err error) {
	err = e.loop.Call(func() error {
		names = e.registry.List()
		return nil
	})
	return names, err
}

// LoadTrustAnchors adds the trust anchors in the zone file at path.
func (e *Engine) LoadTrustAnchors(path string) (n int, err error) {
	err = e.loop.Call(func() error {
		n, err = e.resolver.TrustAnchors.LoadFile(path)
		return err
	})
	return n, err
}

// Resolver implements modules.Host.
func (e *Engine) Resolver() *resolver.Context {
	return e.resolver
}

// Storage implements modules.Host.
func (e *Engine) Storage() *bbolt.BBolt {
	return e.storage
}

// Env implements modules.Host.
func (e *Engine) Env() *bridge.Env {
	return e.env
}

// ModuleDir implements modules.Host.
func (e *Engine) ModuleDir() string {
	return e.cfg.ModuleDir
}

type localEvaluator struct {
	e *Engine
}

// EvalRaw is called from within an evaluation, it must not go through the
// loop again.
func (l localEvaluator) EvalRaw(cmd string) (string, error) {
	return l.e.evalRaw(cmd)
}

func (e *Engine) broadcast(cmd string) []any {
	pipes := make([]io.ReadWriter, len(e.pipes))
	for i, p := range e.pipes {
		pipes[i] = p
	}
	return ipc.Broadcast(localEvaluator{e: e}, pipes, cmd)
}
