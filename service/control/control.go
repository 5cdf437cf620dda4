// Package control implements the administrative command channels: the
// interactive session on the process standard streams and the control
// socket accepting operator connections.
package control

import (
	"io"
	"os"
	"strings"
)

// Prompt is written after every reply unless quiet.
const Prompt = "> "

// Evaluator evaluates operator commands.
type Evaluator interface {
	// Eval returns the rendered result, or "" if there is none.
	Eval(cmd string) (string, error)
}

// Options configure how replies are written.
type Options struct {
	// Quiet disables the prompt and the empty line after commands without
	// a result.
	Quiet bool

	// Stdout and Stderr are the process standard streams. Replies to
	// failed commands go to Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// FormatReply returns the text written for a reply: the message, a line
// break and the prompt.
func FormatReply(message string, quiet bool) string {
	var sb strings.Builder
	sb.WriteString(message)
	if message != "" || !quiet {
		sb.WriteByte('\n')
	}
	if !quiet {
		sb.WriteString(Prompt)
	}
	return sb.String()
}

// evaluate runs one command and returns its message. On failure, the
// message is the error text.
func evaluate(ev Evaluator, line string) (cmd, message string, err error) {
	cmd = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	result, err := ev.Eval(cmd)
	if err != nil {
		return cmd, err.Error(), err
	}
	return cmd, result, nil
}
