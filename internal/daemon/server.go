// Package daemon serves the framed unix sockets of hvd and the reference netd.
//
// Connections are accepted and serviced one at a time and each connection
// carries one request at a time. The configuration store relies on this:
// no two commands ever run concurrently.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/hvd/internal/command"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/wire"
)

const (
	DefaultSocketPath = "/var/run/hvd.sock"
	DefaultSocketMode = os.FileMode(0o666)
)

// TooLargeResponse replaces responses that do not fit in a frame.
const TooLargeResponse = "ERROR: Response too large\n"

// Executor runs a single command line.
type Executor interface {
	Execute(ctx context.Context, line string) command.Response
}

// Observer counts connection level events.
type Observer interface {
	ConnectionAccepted()
	ProtocolError()
}

// Server owns the listening socket and the serial accept loop.
type Server struct {
	SocketPath string
	Mode       os.FileMode
	Executor   Executor
	Observer   Observer
	Logger     *slog.Logger
	// MaxRequest bounds request frames. Zero means wire.MaxCommandSize.
	MaxRequest int

	shutdown atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	active   net.Conn
}

// NewServer returns a server for the given socket path.
func NewServer(socketPath string, mode os.FileMode, executor Executor, logger *slog.Logger) *Server {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if mode == 0 {
		mode = DefaultSocketMode
	}
	return &Server{
		SocketPath: socketPath,
		Mode:       mode,
		Executor:   executor,
		Logger:     logging.Ensure(logger).With("component", "daemon"),
	}
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

// Listen removes a stale socket file, binds the socket and applies its mode.
func (s *Server) Listen() error {
	if err := os.Remove(s.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.SocketPath, err)
	}
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, s.Mode); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", s.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop until ctx is cancelled or Shutdown is called.
// A command in flight when shutdown begins runs to completion and its
// response is delivered before the connection is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		listener = s.listener
		s.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()
	defer s.cleanup()

	s.logger().Info("listening", "socket", s.SocketPath)
	for !s.shutdown.Load() {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger().Error("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if s.Observer != nil {
			s.Observer.ConnectionAccepted()
		}
		s.handle(ctx, conn)
	}
	s.logger().Info("server stopped")
	return nil
}

// Shutdown stops accepting connections and unblocks a pending read on the
// active connection. It is safe to call more than once.
func (s *Server) Shutdown() {
	if s.shutdown.Swap(true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.active != nil {
		s.active.SetReadDeadline(time.Now())
	}
}

func (s *Server) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if err := os.Remove(s.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger().Warn("failed to remove socket", "socket", s.SocketPath, "error", err)
	}
}

func (s *Server) setActive(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conn
	if conn != nil && s.shutdown.Load() {
		conn.SetReadDeadline(time.Now())
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.setActive(conn)
	defer s.setActive(nil)

	logger := s.logger()
	logger.Debug("client connected")
	// In-flight commands are never cancelled.
	base := context.WithoutCancel(ctx)
	limit := s.MaxRequest
	if limit <= 0 {
		limit = wire.MaxCommandSize
	}

	for !s.shutdown.Load() {
		payload, err := wire.ReadFrame(conn, limit)
		if err != nil {
			s.readFailed(err)
			return
		}
		line := strings.TrimRight(string(payload), "\x00")
		requestLogger := logger.With("request_id", uuid.NewString())
		resp := s.Executor.Execute(logging.WithLogger(base, requestLogger), line)

		frame := resp.Frame()
		if len(frame) >= wire.MaxResponseSize {
			requestLogger.Warn("response exceeds frame bound", "size", len(frame))
			frame = []byte(TooLargeResponse)
		}
		if err := wire.WriteFrame(conn, frame); err != nil {
			requestLogger.Warn("failed to send response", "error", err)
			return
		}
	}
}

func (s *Server) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger().Debug("client disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger().Debug("connection closed for shutdown")
	case errors.Is(err, wire.ErrFrameTooLarge):
		s.logger().Warn("protocol violation, closing connection", "error", err)
		if s.Observer != nil {
			s.Observer.ProtocolError()
		}
	default:
		s.logger().Warn("failed to read request", "error", err)
		if s.Observer != nil {
			s.Observer.ProtocolError()
		}
	}
}
