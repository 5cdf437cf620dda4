package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jirutka/knot-resolver/service/mgr"
)

// SocketDir is the directory below the run directory holding the control
// sockets, one per process.
const SocketDir = "tty"

// SocketPath returns the control socket path of the process pid.
func SocketPath(rundir string, pid int) string {
	return filepath.Join(rundir, SocketDir, strconv.Itoa(pid))
}

// Listener accepts operator connections on a unix socket.
type Listener struct {
	mgr  *mgr.Manager
	ev   Evaluator
	opts Options
	path string

	ln *net.UnixListener

	lock   sync.Mutex
	conns  map[*net.UnixConn]struct{}
	closed bool
}

// Listen creates the control socket of this process below rundir and
// starts accepting connections.
func Listen(m *mgr.Manager, rundir string, ev Evaluator, opts Options) (*Listener, error) {
	dir := filepath.Join(rundir, SocketDir)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("create control socket directory: %w", err)
	}
	path := SocketPath(rundir, os.Getpid())
	// A leftover from a crashed process with a recycled pid.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale control socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	ln.SetUnlinkOnClose(true)

	l := &Listener{
		mgr:   m,
		ev:    ev,
		opts:  opts.withDefaults(),
		path:  path,
		ln:    ln,
		conns: make(map[*net.UnixConn]struct{}),
	}
	m.Go("control socket listener", l.acceptLoop)
	return l, nil
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

func (l *Listener) acceptLoop(w *mgr.WorkerCtx) error {
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if l.isClosed() || w.IsDone() {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		if !l.track(conn) {
			_ = conn.Close()
			return nil
		}

		l.mgr.Go("control connection", func(w *mgr.WorkerCtx) error {
			defer l.untrack(conn)
			if err := l.handle(conn); err != nil && !l.isClosed() {
				w.Debug("control connection closed", "err", err)
			}
			return nil
		})
	}
}

// handle serves one connection until the peer closes it.
func (l *Listener) handle(conn *net.UnixConn) error {
	out := bufio.NewWriter(conn)
	if !l.opts.Quiet {
		if _, err := out.WriteString(Prompt); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}

	r := bufio.NewReader(conn)
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			cmd, message, evalErr := evaluate(l.ev, line)
			reply := FormatReply(message, l.opts.Quiet)

			// The local console mirrors remote sessions.
			local := l.opts.Stdout
			if evalErr != nil {
				local = l.opts.Stderr
			}
			_, _ = fmt.Fprintf(l.opts.Stdout, "%s\n", cmd)
			_, _ = io.WriteString(local, reply)

			if _, err := out.WriteString(reply); err != nil {
				return err
			}
			if err := out.Flush(); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func (l *Listener) track(conn *net.UnixConn) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn *net.UnixConn) {
	l.lock.Lock()
	defer l.lock.Unlock()

	delete(l.conns, conn)
	_ = conn.Close()
}

func (l *Listener) isClosed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.closed
}

// Close stops accepting, closes all connections and removes the socket.
func (l *Listener) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.lock.Unlock()

	return l.ln.Close()
}
