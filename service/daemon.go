package service

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"

	"github.com/jirutka/knot-resolver/service/engine"
	"github.com/jirutka/knot-resolver/service/mgr"
	"github.com/jirutka/knot-resolver/service/network"
)

// ErrNoEndpoint is returned when none of the requested endpoints could be
// bound.
var ErrNoEndpoint = errors.New("failed to listen on any address")

// Daemon runs the engine of this worker.
type Daemon struct {
	mgr      *mgr.Manager
	instance *Instance

	engine   *engine.Engine
	stopping *abool.AtomicBool
}

// NewDaemon returns the daemon module.
func NewDaemon(instance *Instance) (*Daemon, error) {
	return &Daemon{
		mgr:      mgr.New("Daemon"),
		instance: instance,
		stopping: abool.New(),
	}, nil
}

// Manager returns the module manager.
func (d *Daemon) Manager() *mgr.Manager {
	return d.mgr
}

// Engine returns the engine, nil before the module is started.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Start initializes the engine, binds the requested endpoints and loads the
// configuration.
func (d *Daemon) Start() error {
	cfg := d.instance.Config()
	worker := cfg.Worker
	if worker.Count < 1 {
		worker.Count = 1
	}

	e, err := engine.New(d.mgr, engine.Config{
		WorkerID:    worker.ID,
		WorkerCount: worker.Count,
		Pipes:       worker.Siblings,
		StorageDir:  cfg.StorageDir(worker.ID),
		ModuleDir:   cfg.ModuleDir,
		EtcDir:      cfg.EtcDir,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	d.engine = e

	// Explicit endpoints go first, so that the defaults do not apply.
	if err := d.listen(cfg.Addrs); err != nil {
		return err
	}
	if err := e.Start(cfg.ConfigPath); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if cfg.KeyFile != "" {
		n, err := e.LoadTrustAnchors(cfg.KeyFile)
		if err != nil {
			d.mgr.Error("failed to load trust anchors", "file", cfg.KeyFile, "err", err)
		} else {
			d.mgr.Info("loaded trust anchors", "file", cfg.KeyFile, "count", n)
		}
	}

	if worker.Leader != nil {
		d.mgr.Go("leader pipe", func(w *mgr.WorkerCtx) error {
			err := e.ServePipe(w.Ctx(), worker.Leader)
			if d.stopping.IsSet() {
				return nil
			}
			return err
		})
	}

	// quit() stops the engine, the rest of the instance follows.
	d.mgr.Go("engine watcher", func(w *mgr.WorkerCtx) error {
		select {
		case <-e.Stopping():
			if !d.stopping.IsSet() {
				w.Info("engine stopped, shutting down")
				d.instance.Shutdown()
			}
		case <-w.Done():
		}
		return nil
	})

	return nil
}

// listen binds the endpoints given as "addr#port". Failing endpoints are
// skipped, it is an error only if all fail.
func (d *Daemon) listen(endpoints []string) error {
	if len(endpoints) == 0 {
		return nil
	}

	var (
		bound int
		errs  *multierror.Error
	)
	for _, endpoint := range endpoints {
		addr, port, err := network.ParseEndpoint(endpoint)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		n, err := d.engine.Network().ListenAll([]string{addr}, port, network.Both)
		bound += n
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if bound == 0 {
		return fmt.Errorf("%w: %w", ErrNoEndpoint, errs.ErrorOrNil())
	}
	if errs != nil {
		d.mgr.Warn("some endpoints are unavailable", "bound", bound, "failed", errs.Len())
	}
	return nil
}

// Stop tears the engine down.
func (d *Daemon) Stop() error {
	d.stopping.Set()

	// Unblocks the leader pipe worker.
	if leader := d.instance.Config().Worker.Leader; leader != nil {
		_ = leader.Close()
	}

	if d.engine == nil {
		return nil
	}
	err := d.engine.Deinit()
	d.engine = nil
	return err
}
