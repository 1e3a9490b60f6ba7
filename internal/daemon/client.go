package daemon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/hvd/internal/wire"
)

// Client sends command lines to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for socketPath, falling back to the default path.
func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// Execute sends one command over a fresh connection and returns the response text.
func (c *Client) Execute(ctx context.Context, line string) (string, error) {
	if len(line) >= wire.MaxCommandSize {
		return "", fmt.Errorf("command of %d bytes: %w", len(line), wire.ErrFrameTooLarge)
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn, []byte(line)); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	resp, err := wire.ReadFrame(conn, wire.MaxResponseSize)
	if err != nil {
		return "", fmt.Errorf("receive response: %w", err)
	}
	return string(resp), nil
}

// Failed reports whether a response text signals an error.
func Failed(response string) bool {
	return strings.HasPrefix(response, "ERROR")
}
