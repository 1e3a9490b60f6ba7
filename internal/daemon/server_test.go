package daemon

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/hvd/internal/command"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/wire"
)

type echoExecutor struct {
	mu    sync.Mutex
	lines []string
	logs  *bytes.Buffer
	block chan struct{}
}

func (e *echoExecutor) Execute(ctx context.Context, line string) command.Response {
	e.mu.Lock()
	e.lines = append(e.lines, line)
	e.mu.Unlock()
	if e.block != nil {
		<-e.block
	}
	if e.logs != nil {
		logging.FromContext(ctx, nil).Info("executing")
	}
	switch {
	case line == "huge":
		return command.Response{OK: true, Text: strings.Repeat("x", wire.MaxResponseSize)}
	case strings.HasPrefix(line, "fail"):
		return command.Response{Text: "ERROR: " + line}
	default:
		return command.Response{OK: true, Text: "OK: " + line}
	}
}

type countingObserver struct {
	mu          sync.Mutex
	connections int
	violations  int
}

func (o *countingObserver) ConnectionAccepted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connections++
}

func (o *countingObserver) ProtocolError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.violations++
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connections, o.violations
}

func socketPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited in length, t.TempDir can exceed it.
	dir, err := os.MkdirTemp("", "hvd")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "hvd.sock")
}

func startServer(t *testing.T, executor Executor) (*Server, *countingObserver, func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(socketPath(t), 0o600, executor, logger)
	observer := &countingObserver{}
	server.Observer = observer
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
	return server, observer, stop
}

func TestClientRoundTrip(t *testing.T) {
	server, observer, stop := startServer(t, &echoExecutor{})
	defer stop()

	client := NewClient(server.SocketPath)
	resp, err := client.Execute(context.Background(), "list vm")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp != "OK: list vm\n" {
		t.Fatalf("unexpected response %q", resp)
	}
	resp, err = client.Execute(context.Background(), "fail now")
	if err != nil || !Failed(resp) {
		t.Fatalf("expected error response, got %q, %v", resp, err)
	}
	if conns, _ := observer.counts(); conns != 2 {
		t.Fatalf("expected 2 connections, got %d", conns)
	}

	info, err := os.Stat(server.SocketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("socket mode = %o", info.Mode().Perm())
	}
}

func TestMultipleRequestsPerConnection(t *testing.T) {
	executor := &echoExecutor{}
	server, _, stop := startServer(t, executor)
	defer stop()

	conn, err := net.Dial("unix", server.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, line := range []string{"help", "list network", "show vm a\x00"} {
		if err := wire.WriteFrame(conn, []byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		resp, err := wire.ReadFrame(conn, wire.MaxResponseSize)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if want := "OK: " + strings.TrimRight(line, "\x00") + "\n"; string(resp) != want {
			t.Fatalf("response %q, want %q", resp, want)
		}
	}
}

func TestResponseTooLarge(t *testing.T) {
	server, _, stop := startServer(t, &echoExecutor{})
	defer stop()

	resp, err := NewClient(server.SocketPath).Execute(context.Background(), "huge")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp != TooLargeResponse {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestOversizedCommandClosesConnection(t *testing.T) {
	executor := &echoExecutor{}
	server, observer, stop := startServer(t, executor)
	defer stop()

	conn, err := net.Dial("unix", server.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var header [wire.HeaderSize]byte
	binary.NativeEndian.PutUint64(header[:], wire.MaxCommandSize)
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := wire.ReadFrame(conn, wire.MaxResponseSize); err != io.EOF {
		t.Fatalf("expected connection close, got %v", err)
	}
	if _, violations := observer.counts(); violations != 1 {
		t.Fatalf("expected one protocol error, got %d", violations)
	}
	executor.mu.Lock()
	executed := len(executor.lines)
	executor.mu.Unlock()
	if executed != 0 {
		t.Fatalf("oversized command must not execute, ran %d", executed)
	}

	if _, err := NewClient(server.SocketPath).Execute(context.Background(), "help"); err != nil {
		t.Fatalf("server must keep serving after a violation: %v", err)
	}
}

func TestClientRejectsOversizedCommand(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	if _, err := client.Execute(context.Background(), strings.Repeat("a", wire.MaxCommandSize)); err == nil {
		t.Fatal("expected oversized command to be refused")
	}
}

func TestShutdownCompletesInFlightCommand(t *testing.T) {
	executor := &echoExecutor{block: make(chan struct{})}
	server, _, stop := startServer(t, executor)

	result := make(chan string, 1)
	go func() {
		resp, err := NewClient(server.SocketPath).Execute(context.Background(), "start a")
		if err != nil {
			resp = err.Error()
		}
		result <- resp
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		executor.mu.Lock()
		n := len(executor.lines)
		executor.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command never reached the executor")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.Shutdown()
	close(executor.block)
	if resp := <-result; resp != "OK: start a\n" {
		t.Fatalf("in-flight command lost: %q", resp)
	}
	stop()
	if _, err := os.Stat(server.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket should be removed, stat err = %v", err)
	}
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	var logs bytes.Buffer
	executor := &echoExecutor{logs: &logs}
	server := NewServer(socketPath(t), 0, executor, logging.NewCLI(&logs, nil))
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	if _, err := NewClient(server.SocketPath).Execute(context.Background(), "help"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	cancel()
	<-done
	if !strings.Contains(logs.String(), "request_id=") {
		t.Fatalf("expected request id in logs:\n%s", logs.String())
	}
}
