package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jirutka/knot-resolver/service/bridge"
)

// Failed marks the reply slot of a sibling that could not be reached.
const Failed = false

// Evaluator evaluates commands with full privileges.
type Evaluator interface {
	// EvalRaw returns the JSON text of the result, or "" if there is none.
	EvalRaw(cmd string) (string, error)
}

// Broadcast evaluates cmd locally and on every sibling, in order.
// The first reply is the local result, then one reply per pipe. A sibling
// that fails is recorded as Failed and does not stop the broadcast.
// There is no timeout, a hung sibling blocks the call.
func Broadcast(local Evaluator, pipes []io.ReadWriter, cmd string) []any {
	replies := make([]any, 0, len(pipes)+1)
	replies = append(replies, evalLocal(local, cmd))

	for i, pipe := range pipes {
		reply, err := Request(pipe, cmd)
		if err != nil {
			slog.Debug("ipc: sibling failed", "sibling", i, "err", err)
			replies = append(replies, Failed)
			continue
		}
		replies = append(replies, reply)
	}
	return replies
}

func evalLocal(local Evaluator, cmd string) any {
	if local == nil {
		return nil
	}
	text, err := local.EvalRaw(cmd)
	if err != nil {
		return err.Error()
	}
	if text == "" {
		return nil
	}
	v, err := bridge.Decode(text)
	if err != nil {
		return nil
	}
	return v
}

// Request sends one command over pipe and returns the leniently decoded
// reply.
func Request(pipe io.ReadWriter, cmd string) (any, error) {
	if err := WriteFrame(pipe, []byte(cmd)); err != nil {
		return nil, err
	}
	reply, err := ReadFrame(pipe)
	if err != nil {
		return nil, err
	}
	return bridge.Unmarshal(string(reply)), nil
}

// Serve answers commands from pipe until it is closed or ctx is canceled.
// Evaluation errors are replied as plain text.
func Serve(ctx context.Context, pipe io.ReadWriter, ev Evaluator) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		cmd, err := ReadFrame(pipe)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		reply, err := ev.EvalRaw(string(cmd))
		switch {
		case err != nil:
			reply = err.Error()
		case reply == "":
			reply = "null"
		}
		if err := WriteFrame(pipe, []byte(reply)); err != nil {
			return err
		}
	}
}
