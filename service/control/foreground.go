package control

import (
	"bufio"
	"errors"
	"io"

	"github.com/jirutka/knot-resolver/service/mgr"
)

// Foreground is the interactive session on the process standard streams.
type Foreground struct {
	ev   Evaluator
	in   io.Reader
	opts Options
}

// NewForeground returns a session reading commands from in.
func NewForeground(ev Evaluator, in io.Reader, opts Options) *Foreground {
	return &Foreground{
		ev:   ev,
		in:   in,
		opts: opts.withDefaults(),
	}
}

// Run reads and evaluates commands until the input ends or the event loop
// of the evaluator has stopped.
func (f *Foreground) Run() error {
	if !f.opts.Quiet {
		if _, err := io.WriteString(f.opts.Stdout, "[system] interactive mode\n"+Prompt); err != nil {
			return err
		}
	}

	r := bufio.NewReader(f.in)
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			_, message, evalErr := evaluate(f.ev, line)
			if errors.Is(evalErr, mgr.ErrLoopStopped) {
				return nil
			}
			out := f.opts.Stdout
			if evalErr != nil {
				out = f.opts.Stderr
			}
			if _, err := io.WriteString(out, FormatReply(message, f.opts.Quiet)); err != nil {
				return err
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			return nil
		default:
			return readErr
		}
	}
}

// Start runs the session in the background. Reading the input cannot be
// interrupted, so it is not tracked as a worker of m.
func (f *Foreground) Start(m *mgr.Manager) {
	go func() {
		if err := f.Run(); err != nil {
			m.Warn("interactive session ended", "err", err)
		}
	}()
}
