// Package vm manages guest records, their storage and the supervised guest
// processes.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/cochaviz/hvd/internal/events"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/storage"
	"github.com/cochaviz/hvd/internal/store"
)

const (
	// DefaultStopGrace is the wait between SIGTERM and SIGKILL.
	DefaultStopGrace = 2 * time.Second

	MinDiskGB = 1
	MaxDiskGB = 65536

	entityKind = "vm"
)

var (
	ErrExists          = errors.New("vm already exists")
	ErrRunning         = errors.New("vm is running")
	ErrDiskExists      = errors.New("disk already exists")
	ErrDiskNotFound    = errors.New("disk not found")
	ErrUnsupportedDisk = errors.New("remote-attached disks are not supported")
)

// TapDetacher removes the tap attachments of a guest.
type TapDetacher interface {
	DetachVM(ctx context.Context, vm string) error
}

// TransitionRecorder counts completed lifecycle transitions.
type TransitionRecorder interface {
	Transition(kind, action string)
}

// Manager implements the guest lifecycle. Callers serialise access.
type Manager struct {
	Store      *store.Store
	Backend    storage.Backend
	Supervisor Supervisor
	Taps       TapDetacher
	Events     events.Publisher
	Recorder   TransitionRecorder
	Logger     *slog.Logger
	StopGrace  time.Duration

	sleep func(time.Duration)
}

// NewManager wires a manager with the default stop grace interval.
func NewManager(st *store.Store, backend storage.Backend, supervisor Supervisor, logger *slog.Logger) *Manager {
	return &Manager{
		Store:      st,
		Backend:    backend,
		Supervisor: supervisor,
		Events:     events.Nop{},
		Logger:     logging.Ensure(logger).With("component", "vm"),
		StopGrace:  DefaultStopGrace,
	}
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

func (m *Manager) wait(d time.Duration) {
	if m.sleep != nil {
		m.sleep(d)
		return
	}
	time.Sleep(d)
}

func (m *Manager) completed(ctx context.Context, action, name string) {
	if m.Recorder != nil {
		m.Recorder.Transition(entityKind, action)
	}
	events.Emit(ctx, m.Events, m.logger(), events.New(entityKind, action, name))
}

// Create allocates storage for a new guest and persists a stopped record.
// Every failure after allocation removes the guest dataset again.
func (m *Manager) Create(ctx context.Context, name string, cpu int, memoryMB uint64) (err error) {
	record := store.NewVMRecord(name, cpu, memoryMB)
	if err := record.Validate(); err != nil {
		return err
	}
	exists, err := storage.Exists(ctx, m.Backend, storage.VM(name))
	if err != nil {
		return fmt.Errorf("probe vm %s: %w", name, err)
	}
	if exists {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}

	logger := m.logger().With("vm", name)
	if err := m.Backend.CreateDataset(ctx, storage.VM(name)); err != nil {
		return fmt.Errorf("create vm dataset: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := m.Backend.Destroy(ctx, storage.VM(name)); rbErr != nil {
			logger.Error("rollback of vm dataset failed", "error", rbErr)
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			return
		}
		logger.Warn("vm creation rolled back", "error", err)
	}()

	for _, dataset := range []string{storage.VMDisks(name), storage.VMState(name)} {
		if err := m.Backend.CreateDataset(ctx, dataset); err != nil {
			return fmt.Errorf("create dataset %s: %w", dataset, err)
		}
	}
	if err := storage.Tag(ctx, m.Backend, storage.VM(name), entityKind, name); err != nil {
		return fmt.Errorf("tag vm dataset: %w", err)
	}
	if err := m.Store.SaveVM(record); err != nil {
		return err
	}

	logger.Info("vm created", "cpu", cpu, "memory_mb", memoryMB)
	m.completed(ctx, "created", name)
	return nil
}

// Start spawns the guest process. Starting a running guest is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	record, err := m.Store.LoadVM(name)
	if err != nil {
		return err
	}
	logger := m.logger().With("vm", name)
	if record.State == store.StateRunning {
		logger.Debug("vm already running")
		return nil
	}

	spec := GuestSpec{
		Name:       record.Name,
		CPU:        record.CPU,
		MemoryMB:   record.MemoryMB,
		BootDevice: record.BootDevice,
		BootDisk:   m.Store.Layout.Path(storage.VMDisk(name, record.BootDevice)),
		StateDir:   m.Store.StateDir(name),
	}
	pid, err := m.Supervisor.Spawn(ctx, spec)
	if err != nil {
		return fmt.Errorf("start vm %s: %w", name, err)
	}

	if err := m.Store.WritePID(name, pid); err != nil {
		m.abandon(pid, logger)
		return err
	}
	record.State = store.StateRunning
	if err := m.Store.SaveVM(record); err != nil {
		m.abandon(pid, logger)
		if clearErr := m.Store.ClearPID(name); clearErr != nil {
			logger.Error("clear pid failed", "error", clearErr)
		}
		return err
	}

	logger.Info("vm started", "pid", pid)
	m.completed(ctx, "started", name)
	return nil
}

// abandon kills a process whose bookkeeping could not be recorded.
func (m *Manager) abandon(pid int, logger *slog.Logger) {
	if err := m.Supervisor.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessGone) {
		logger.Error("kill unrecorded guest failed", "pid", pid, "error", err)
		return
	}
	if err := m.Supervisor.Reap(pid); err != nil {
		logger.Error("reap unrecorded guest failed", "pid", pid, "error", err)
	}
}

// Stop terminates the guest process: SIGTERM, a grace interval, then SIGKILL.
// Stopping a guest that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	record, err := m.Store.LoadVM(name)
	if err != nil {
		return err
	}
	logger := m.logger().With("vm", name)
	if record.State != store.StateRunning {
		logger.Debug("vm not running")
		return nil
	}

	pid, err := m.Store.ReadPID(name)
	if err != nil {
		return fmt.Errorf("stop vm %s: %w", name, err)
	}
	if err := m.terminate(pid, logger); err != nil {
		return fmt.Errorf("stop vm %s: %w", name, err)
	}

	record.State = store.StateStopped
	if err := m.Store.SaveVM(record); err != nil {
		return err
	}
	if err := m.Store.ClearPID(name); err != nil {
		logger.Warn("clear pid failed", "error", err)
	}

	logger.Info("vm stopped", "pid", pid)
	m.completed(ctx, "stopped", name)
	return nil
}

func (m *Manager) terminate(pid int, logger *slog.Logger) error {
	if err := m.Supervisor.Signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, ErrProcessGone) {
			logger.Warn("guest process already gone", "pid", pid)
			_, _ = m.Supervisor.Exited(pid)
			return nil
		}
		return err
	}
	if exited, err := m.Supervisor.Exited(pid); err == nil && exited {
		return nil
	}

	m.wait(m.StopGrace)
	if exited, err := m.Supervisor.Exited(pid); err == nil && exited {
		return nil
	}

	logger.Warn("guest ignored SIGTERM, killing", "pid", pid, "grace", m.StopGrace)
	if err := m.Supervisor.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessGone) {
		return err
	}
	return m.Supervisor.Reap(pid)
}

// Destroy stops the guest if needed, detaches its taps and removes its
// storage. A missing guest is not an error.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	logger := m.logger().With("vm", name)
	if err := m.Stop(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("stop before destroy failed", "error", err)
	}
	if m.Taps != nil {
		if err := m.Taps.DetachVM(ctx, name); err != nil {
			logger.Warn("detach taps before destroy failed", "error", err)
		}
	}
	if err := m.Backend.Destroy(ctx, storage.VM(name)); err != nil {
		return fmt.Errorf("destroy vm %s: %w", name, err)
	}
	logger.Info("vm destroyed")
	m.completed(ctx, "destroyed", name)
	return nil
}

// Update applies mutate to a guest record and saves it.
func (m *Manager) Update(ctx context.Context, name string, mutate func(*store.VMRecord) error) error {
	record, err := m.Store.LoadVM(name)
	if err != nil {
		return err
	}
	if err := mutate(record); err != nil {
		return err
	}
	if err := m.Store.SaveVM(record); err != nil {
		return err
	}
	m.logger().Info("vm updated", "vm", name)
	m.completed(ctx, "updated", name)
	return nil
}

// AddDisk creates a volume for the guest and records it.
func (m *Manager) AddDisk(ctx context.Context, name string, disk store.Disk) (err error) {
	if disk.Type == "" {
		disk.Type = store.DiskVolume
	}
	if disk.Type != store.DiskVolume {
		return fmt.Errorf("%s: %w", disk.Type, ErrUnsupportedDisk)
	}
	if err := store.ValidateName(disk.Name); err != nil {
		return fmt.Errorf("disk: %w", err)
	}
	if disk.SizeGB < MinDiskGB || disk.SizeGB > MaxDiskGB {
		return fmt.Errorf("disk size %d GB out of range (%d-%d)", disk.SizeGB, MinDiskGB, MaxDiskGB)
	}

	record, err := m.Store.LoadVM(name)
	if err != nil {
		return err
	}
	if _, ok := record.Disk(disk.Name); ok {
		return fmt.Errorf("%s: %w", disk.Name, ErrDiskExists)
	}

	volume := storage.VMDisk(name, disk.Name)
	if err := m.Backend.CreateVolume(ctx, volume, disk.SizeGB); err != nil {
		return fmt.Errorf("create disk %s: %w", disk.Name, err)
	}
	defer func() {
		if err != nil {
			if rbErr := m.Backend.Destroy(ctx, volume); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()
	if err := storage.Tag(ctx, m.Backend, volume, "disk", disk.Name); err != nil {
		return fmt.Errorf("tag disk %s: %w", disk.Name, err)
	}

	record.Disks = append(record.Disks, disk)
	if err := m.Store.SaveVM(record); err != nil {
		return err
	}
	m.logger().Info("disk added", "vm", name, "disk", disk.Name, "size_gb", disk.SizeGB)
	m.completed(ctx, "disk-added", name)
	return nil
}

// RemoveDisk destroys a guest volume and drops it from the record. The guest
// must not be running.
func (m *Manager) RemoveDisk(ctx context.Context, name, diskName string) error {
	record, err := m.Store.LoadVM(name)
	if err != nil {
		return err
	}
	if _, ok := record.Disk(diskName); !ok {
		return fmt.Errorf("%s: %w", diskName, ErrDiskNotFound)
	}
	if record.State == store.StateRunning {
		return fmt.Errorf("remove disk %s: %w", diskName, ErrRunning)
	}
	if err := m.Backend.Destroy(ctx, storage.VMDisk(name, diskName)); err != nil {
		return fmt.Errorf("destroy disk %s: %w", diskName, err)
	}

	kept := record.Disks[:0]
	for _, disk := range record.Disks {
		if disk.Name != diskName {
			kept = append(kept, disk)
		}
	}
	record.Disks = kept
	if err := m.Store.SaveVM(record); err != nil {
		return err
	}
	m.logger().Info("disk removed", "vm", name, "disk", diskName)
	m.completed(ctx, "disk-removed", name)
	return nil
}

// Show renders one guest record.
func (m *Manager) Show(_ context.Context, name string) (string, error) {
	record, err := m.Store.LoadVM(name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "VM: %s\n", record.Name)
	fmt.Fprintf(&b, "  CPU: %d cores\n", record.CPU)
	fmt.Fprintf(&b, "  Memory: %d MB\n", record.MemoryMB)
	fmt.Fprintf(&b, "  Boot Device: %s\n", record.BootDevice)
	fmt.Fprintf(&b, "  State: %s", record.State)
	if record.State == store.StateRunning {
		if pid, err := m.Store.ReadPID(name); err == nil {
			fmt.Fprintf(&b, "\n  PID: %d", pid)
		}
	}
	if len(record.Disks) > 0 {
		b.WriteString("\n  Disks:")
		for _, disk := range record.Disks {
			fmt.Fprintf(&b, "\n    %s (%s, %d GB)", disk.Name, disk.Type, disk.SizeGB)
		}
	}
	return b.String(), nil
}

// List renders a table of all guests.
func (m *Manager) List(_ context.Context) (string, error) {
	records, err := m.Store.ListVMs()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %-6s %-9s %s", "Name", "CPU", "Memory", "State")
	for _, record := range records {
		fmt.Fprintf(&b, "\n%-18s %-6d %-9d %s", record.Name, record.CPU, record.MemoryMB, record.State)
	}
	return b.String(), nil
}
