package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ErrUnexpectedReply is returned when the peer does not answer with a prompt.
var ErrUnexpectedReply = errors.New("unexpected reply from control socket")

// Client talks to the control socket of a running process. The process must
// not run in quiet mode, replies are delimited by the prompt.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the control socket at path and waits for the prompt.
// The timeout covers connecting and reading the prompt, zero waits forever.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
	}

	prompt := make([]byte, len(Prompt))
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, err = io.ReadFull(c.r, prompt)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	if string(prompt) != Prompt {
		_ = conn.Close()
		return nil, ErrUnexpectedReply
	}
	return c, nil
}

// Exchange sends one command and returns the reply without the trailing
// prompt.
func (c *Client) Exchange(cmd string) (string, error) {
	cmd = strings.TrimRight(cmd, "\n")
	if strings.Contains(cmd, "\n") {
		return "", errors.New("command must be a single line")
	}
	if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
		return "", err
	}

	var sb strings.Builder
	delim := "\n" + Prompt
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("read reply: %w", err)
		}
		sb.WriteByte(b)
		if strings.HasSuffix(sb.String(), delim) {
			return strings.TrimSuffix(sb.String(), delim), nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
