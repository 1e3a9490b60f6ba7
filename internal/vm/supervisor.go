package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"golang.org/x/sys/unix"
)

// ConsoleLog is the file in the state directory receiving guest output.
const ConsoleLog = "console.log"

// ErrProcessGone is returned when a supervised process no longer exists.
var ErrProcessGone = errors.New("process does not exist")

// GuestSpec is the data available to the guest command template.
type GuestSpec struct {
	Name       string
	CPU        int
	MemoryMB   uint64
	BootDevice string
	BootDisk   string
	StateDir   string
}

// Supervisor spawns and signals guest processes.
type Supervisor interface {
	Spawn(ctx context.Context, spec GuestSpec) (int, error)
	Signal(pid int, sig syscall.Signal) error
	// Exited polls without blocking.
	Exited(pid int) (bool, error)
	// Reap blocks until the process is gone.
	Reap(pid int) error
}

// DefaultCommand is used when no guest command is configured.
var DefaultCommand = []string{
	"bhyve",
	"-c", "{{.CPU}}",
	"-m", "{{.MemoryMB}}M",
	"-H", "-A", "-P",
	"-s", "0:0,hostbridge",
	"-s", "1:0,lpc",
	"-s", "2:0,virtio-blk,{{.BootDisk}}",
	"-l", "com1,stdio",
	"{{.Name}}",
}

// ProcessSupervisor runs each guest as a child process in its own process group.
type ProcessSupervisor struct {
	argv []*template.Template

	// ReapTimeout bounds Reap for processes that are not our children.
	ReapTimeout time.Duration
}

// NewProcessSupervisor parses the guest command templates.
func NewProcessSupervisor(command []string) (*ProcessSupervisor, error) {
	if len(command) == 0 {
		command = DefaultCommand
	}
	argv := make([]*template.Template, 0, len(command))
	for i, arg := range command {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parse guest command argument %q: %w", arg, err)
		}
		argv = append(argv, tmpl)
	}
	return &ProcessSupervisor{argv: argv, ReapTimeout: 10 * time.Second}, nil
}

// Command renders the argv for a guest.
func (s *ProcessSupervisor) Command(spec GuestSpec) ([]string, error) {
	out := make([]string, 0, len(s.argv))
	for _, tmpl := range s.argv {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, spec); err != nil {
			return nil, fmt.Errorf("render guest command: %w", err)
		}
		out = append(out, buf.String())
	}
	if strings.TrimSpace(out[0]) == "" {
		return nil, errors.New("guest command is empty")
	}
	return out, nil
}

func (s *ProcessSupervisor) Spawn(_ context.Context, spec GuestSpec) (int, error) {
	argv, err := s.Command(spec)
	if err != nil {
		return 0, err
	}
	console, err := os.OpenFile(filepath.Join(spec.StateDir, ConsoleLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open console log: %w", err)
	}
	defer console.Close()

	// Not bound to the request context: the guest outlives the request.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.StateDir
	cmd.Stdout = console
	cmd.Stderr = console
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	// The child is reaped through Wait4.
	_ = cmd.Process.Release()
	return pid, nil
}

func (s *ProcessSupervisor) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal %d: %w", pid, ErrProcessGone)
		}
		return fmt.Errorf("signal %d with %s: %w", pid, sig, err)
	}
	return nil
}

func (s *ProcessSupervisor) Exited(pid int) (bool, error) {
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return !alive(pid), nil
		case err != nil:
			return false, fmt.Errorf("wait %d: %w", pid, err)
		}
		return wpid == pid, nil
	}
}

func (s *ProcessSupervisor) Reap(pid int) error {
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(pid, &status, 0, nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return s.awaitForeign(pid)
		default:
			return fmt.Errorf("wait %d: %w", pid, err)
		}
	}
}

// awaitForeign polls a process that is not our child, such as a guest started
// by a previous daemon instance.
func (s *ProcessSupervisor) awaitForeign(pid int) error {
	deadline := time.Now().Add(s.ReapTimeout)
	for alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("process %d still alive after %s", pid, s.ReapTimeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
