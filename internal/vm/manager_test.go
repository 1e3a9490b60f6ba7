package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cochaviz/hvd/internal/storage"
	"github.com/cochaviz/hvd/internal/store"
)

type failingBackend struct {
	storage.Backend
	failSetProperty bool
	failVolume      bool
}

func (b *failingBackend) SetProperty(ctx context.Context, name, key, value string) error {
	if b.failSetProperty {
		return errors.New("property store unavailable")
	}
	return b.Backend.SetProperty(ctx, name, key, value)
}

func (b *failingBackend) CreateVolume(ctx context.Context, name string, sizeGB uint64) error {
	if b.failVolume {
		return errors.New("pool full")
	}
	return b.Backend.CreateVolume(ctx, name, sizeGB)
}

type stubSupervisor struct {
	spawnErr   error
	signalErr  error
	nextPID    int
	signals    []syscall.Signal
	exitedPoll []bool
	reaped     []int
}

func (s *stubSupervisor) Spawn(context.Context, GuestSpec) (int, error) {
	if s.spawnErr != nil {
		return 0, s.spawnErr
	}
	s.nextPID++
	return 1000 + s.nextPID, nil
}

func (s *stubSupervisor) Signal(_ int, sig syscall.Signal) error {
	s.signals = append(s.signals, sig)
	return s.signalErr
}

func (s *stubSupervisor) Exited(int) (bool, error) {
	if len(s.exitedPoll) == 0 {
		return true, nil
	}
	next := s.exitedPoll[0]
	s.exitedPoll = s.exitedPoll[1:]
	return next, nil
}

func (s *stubSupervisor) Reap(pid int) error {
	s.reaped = append(s.reaped, pid)
	return nil
}

type recorder struct {
	actions []string
}

func (r *recorder) Transition(kind, action string) {
	r.actions = append(r.actions, kind+"."+action)
}

func newTestManager(t *testing.T, backend storage.Backend, supervisor Supervisor) *Manager {
	t.Helper()
	root := t.TempDir()
	if backend == nil {
		backend = storage.NewDirectoryBackend(root)
	} else if fb, ok := backend.(*failingBackend); ok && fb.Backend == nil {
		fb.Backend = storage.NewDirectoryBackend(root)
	}
	if err := storage.Init(context.Background(), storage.NewDirectoryBackend(root)); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store.New(root), backend, supervisor, logger)
	m.StopGrace = 50 * time.Millisecond
	return m
}

func sleepSupervisor(t *testing.T, command ...string) *ProcessSupervisor {
	t.Helper()
	if len(command) == 0 {
		command = []string{"sleep", "30"}
	}
	supervisor, err := NewProcessSupervisor(command)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return supervisor
}

func TestCreateAndShow(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m := newTestManager(t, nil, &stubSupervisor{})
	m.Recorder = rec

	if err := m.Create(ctx, "t", 2, 1024); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := m.Show(ctx, "t")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"VM: t", "CPU: 2 cores", "Memory: 1024 MB", "Boot Device: disk0", "State: stopped"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}
	typ, err := m.Backend.GetProperty(ctx, storage.VM("t"), storage.PropertyType)
	if err != nil || typ != "vm" {
		t.Fatalf("expected vm type tag, got %q err=%v", typ, err)
	}

	if err := m.Create(ctx, "t", 1, 128); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if len(rec.actions) != 1 || rec.actions[0] != "vm.created" {
		t.Fatalf("unexpected transitions %v", rec.actions)
	}
}

func TestCreateRejectsOutOfRange(t *testing.T) {
	m := newTestManager(t, nil, &stubSupervisor{})
	if err := m.Create(context.Background(), "t", 0, 1024); err == nil {
		t.Fatal("expected cpu 0 to be rejected")
	}
	if _, err := os.Stat(m.Store.Layout.Path(storage.VM("t"))); !os.IsNotExist(err) {
		t.Fatalf("rejected create must not allocate storage, err=%v", err)
	}
}

func TestCreateRollsBackOnFailure(t *testing.T) {
	backend := &failingBackend{failSetProperty: true}
	m := newTestManager(t, backend, &stubSupervisor{})

	if err := m.Create(context.Background(), "t", 2, 1024); err == nil {
		t.Fatal("expected create to fail")
	}
	if _, err := os.Stat(m.Store.Layout.Path(storage.VM("t"))); !os.IsNotExist(err) {
		t.Fatalf("expected vm dataset to be rolled back, err=%v", err)
	}
	if _, err := m.Store.LoadVM("t"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record after rollback, got %v", err)
	}
}

func TestStartStopSupervisesProcess(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, sleepSupervisor(t))
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid, err := m.Store.ReadPID("t")
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	again, err := m.Store.ReadPID("t")
	if err != nil || again != pid {
		t.Fatalf("second start must not spawn: pid %d -> %d (err=%v)", pid, again, err)
	}
	if !alive(pid) {
		t.Fatalf("guest process %d not running", pid)
	}
	out, _ := m.Show(ctx, "t")
	if !strings.Contains(out, "State: running") || !strings.Contains(out, "PID: ") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	if err := m.Stop(ctx, "t"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if alive(pid) {
		t.Fatalf("guest process %d survived stop", pid)
	}
	if _, err := m.Store.ReadPID("t"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected pid to be cleared, got %v", err)
	}
	record, _ := m.Store.LoadVM("t")
	if record.State != store.StateStopped {
		t.Fatalf("expected stopped, got %s", record.State)
	}

	if err := m.Stop(ctx, "t"); err != nil {
		t.Fatalf("stop of stopped vm: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, sleepSupervisor(t, "sh", "-c", "trap '' TERM; exec sleep 30"))
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid, _ := m.Store.ReadPID("t")
	// Let the shell install its trap before signalling.
	time.Sleep(200 * time.Millisecond)

	if err := m.Stop(ctx, "t"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if alive(pid) {
		t.Fatalf("process %d survived SIGKILL", pid)
	}
}

func TestStopSequenceSignals(t *testing.T) {
	ctx := context.Background()
	supervisor := &stubSupervisor{exitedPoll: []bool{false, false}}
	m := newTestManager(t, nil, supervisor)
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx, "t"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(supervisor.signals) != 2 || supervisor.signals[0] != syscall.SIGTERM || supervisor.signals[1] != syscall.SIGKILL {
		t.Fatalf("unexpected signal sequence %v", supervisor.signals)
	}
	if len(slept) != 1 || slept[0] != m.StopGrace {
		t.Fatalf("expected one grace wait, got %v", slept)
	}
	if len(supervisor.reaped) != 1 {
		t.Fatalf("expected the killed process to be reaped, got %v", supervisor.reaped)
	}
}

func TestStopSignalFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	supervisor := &stubSupervisor{}
	m := newTestManager(t, nil, supervisor)
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("start: %v", err)
	}

	supervisor.signalErr = syscall.EPERM
	if err := m.Stop(ctx, "t"); err == nil {
		t.Fatal("expected stop to fail")
	}
	record, _ := m.Store.LoadVM("t")
	if record.State != store.StateRunning {
		t.Fatalf("failed stop must not change state, got %s", record.State)
	}
	if _, err := m.Store.ReadPID("t"); err != nil {
		t.Fatalf("failed stop must keep pid: %v", err)
	}

	supervisor.signalErr = ErrProcessGone
	if err := m.Stop(ctx, "t"); err != nil {
		t.Fatalf("stop of vanished process: %v", err)
	}
	record, _ = m.Store.LoadVM("t")
	if record.State != store.StateStopped {
		t.Fatalf("expected stopped after vanished process, got %s", record.State)
	}
}

func TestStartSpawnFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, &stubSupervisor{spawnErr: errors.New("no hypervisor")})
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "t"); err == nil {
		t.Fatal("expected start to fail")
	}
	record, _ := m.Store.LoadVM("t")
	if record.State != store.StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", record.State)
	}
	if _, err := m.Store.ReadPID("t"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no pid after failed start, got %v", err)
	}
}

func TestStartMissingVM(t *testing.T) {
	m := newTestManager(t, nil, &stubSupervisor{})
	if err := m.Start(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type recordingDetacher struct {
	vms []string
}

func (r *recordingDetacher) DetachVM(_ context.Context, vm string) error {
	r.vms = append(r.vms, vm)
	return nil
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, sleepSupervisor(t))
	detacher := &recordingDetacher{}
	m.Taps = detacher
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "t"); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid, _ := m.Store.ReadPID("t")

	if err := m.Destroy(ctx, "t"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if alive(pid) {
		t.Fatalf("destroy left process %d running", pid)
	}
	if _, err := os.Stat(m.Store.Layout.Path(storage.VM("t"))); !os.IsNotExist(err) {
		t.Fatalf("expected storage removed, err=%v", err)
	}
	if len(detacher.vms) != 1 || detacher.vms[0] != "t" {
		t.Fatalf("expected taps of t to be detached, got %v", detacher.vms)
	}

	if err := m.Destroy(ctx, "never-existed"); err != nil {
		t.Fatalf("destroy of missing vm: %v", err)
	}
	if err := m.Destroy(ctx, "../escape"); err == nil {
		t.Fatal("expected invalid name to be rejected")
	}
}

func TestDisks(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, &stubSupervisor{})
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.AddDisk(ctx, "t", store.Disk{Name: "disk0", SizeGB: 1}); err != nil {
		t.Fatalf("add disk: %v", err)
	}
	if _, err := os.Stat(m.Store.Layout.Path(storage.VMDisk("t", "disk0"))); err != nil {
		t.Fatalf("volume missing: %v", err)
	}
	if err := m.AddDisk(ctx, "t", store.Disk{Name: "disk0", SizeGB: 1}); !errors.Is(err, ErrDiskExists) {
		t.Fatalf("expected ErrDiskExists, got %v", err)
	}
	if err := m.AddDisk(ctx, "t", store.Disk{Name: "disk1", Type: store.DiskISCSI, Target: "iqn.2024-01.lab:disk1"}); !errors.Is(err, ErrUnsupportedDisk) {
		t.Fatalf("expected ErrUnsupportedDisk, got %v", err)
	}
	if err := m.AddDisk(ctx, "t", store.Disk{Name: "disk1", SizeGB: MaxDiskGB + 1}); err == nil {
		t.Fatal("expected oversized disk to be rejected")
	}
	out, _ := m.Show(ctx, "t")
	if !strings.Contains(out, "disk0 (volume, 1 GB)") {
		t.Fatalf("show output missing disk:\n%s", out)
	}

	if err := m.RemoveDisk(ctx, "t", "disk0"); err != nil {
		t.Fatalf("remove disk: %v", err)
	}
	if err := m.RemoveDisk(ctx, "t", "disk0"); !errors.Is(err, ErrDiskNotFound) {
		t.Fatalf("expected ErrDiskNotFound, got %v", err)
	}
	record, _ := m.Store.LoadVM("t")
	if len(record.Disks) != 0 {
		t.Fatalf("expected no disks, got %+v", record.Disks)
	}
}

func TestAddDiskRollsBackVolume(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{}
	m := newTestManager(t, backend, &stubSupervisor{})
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	backend.failSetProperty = true
	if err := m.AddDisk(ctx, "t", store.Disk{Name: "disk0", SizeGB: 1}); err == nil {
		t.Fatal("expected add disk to fail")
	}
	if _, err := os.Stat(m.Store.Layout.Path(storage.VMDisk("t", "disk0"))); !os.IsNotExist(err) {
		t.Fatalf("expected volume rollback, err=%v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, &stubSupervisor{})
	for _, name := range []string{"web", "db"} {
		if err := m.Create(ctx, name, 2, 2048); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	out, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "Name") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "db ") || !strings.Contains(lines[1], "2048") || !strings.HasSuffix(lines[2], "stopped") {
		t.Fatalf("unexpected rows:\n%s", out)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, &stubSupervisor{})
	if err := m.Create(ctx, "t", 1, 128); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Update(ctx, "t", func(r *store.VMRecord) error { r.CPU = 4; return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.Update(ctx, "t", func(r *store.VMRecord) error { r.CPU = 64; return nil }); err == nil {
		t.Fatal("expected invalid update to fail")
	}
	record, _ := m.Store.LoadVM("t")
	if record.CPU != 4 {
		t.Fatalf("expected cpu 4, got %d", record.CPU)
	}
	if err := m.Update(ctx, "ghost", func(*store.VMRecord) error { return nil }); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
