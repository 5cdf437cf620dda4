package service

import (
	"errors"
	"io"
	"os"

	"github.com/jirutka/knot-resolver/service/control"
	"github.com/jirutka/knot-resolver/service/mgr"
)

// Control serves operator sessions, on the standard streams in interactive
// mode and on a control socket otherwise.
type Control struct {
	mgr      *mgr.Manager
	instance *Instance

	in       io.Reader
	opts     control.Options
	listener *control.Listener
}

// NewControl returns the control module.
func NewControl(instance *Instance) (*Control, error) {
	return &Control{
		mgr:      mgr.New("Control"),
		instance: instance,
		in:       os.Stdin,
		opts: control.Options{
			Quiet: instance.Config().Quiet,
		},
	}, nil
}

// Manager returns the module manager.
func (c *Control) Manager() *mgr.Manager {
	return c.mgr
}

// SocketPath returns the path of the control socket, if there is one.
func (c *Control) SocketPath() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Path()
}

func (c *Control) Start() error {
	ev := c.instance.Daemon().Engine()
	if ev == nil {
		return errors.New("engine is not running")
	}

	cfg := c.instance.Config()
	if cfg.Interactive {
		control.NewForeground(ev, c.in, c.opts).Start(c.mgr)
		return nil
	}

	l, err := control.Listen(c.mgr, cfg.RunDir, ev, c.opts)
	if err != nil {
		return err
	}
	c.listener = l
	c.mgr.Info("control socket ready", "path", l.Path())
	return nil
}

func (c *Control) Stop() error {
	if c.listener == nil {
		return nil
	}
	err := c.listener.Close()
	c.listener = nil
	return err
}
