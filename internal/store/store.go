// Package store persists guest and network records as XML documents inside
// their entity datasets.
package store

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cochaviz/hvd/internal/storage"
)

const (
	configFile = "config.xml"
	pidFile    = "pid"
)

// ErrNotFound is returned when no record or PID exists for a name.
var ErrNotFound = errors.New("record not found")

// Store reads and writes records below the storage layout root.
type Store struct {
	Layout storage.Layout
}

// New returns a store rooted at the mounted storage root.
func New(root string) *Store {
	return &Store{Layout: storage.Layout{Root: root}}
}

// VMConfigPath returns the location of a guest record.
func (s *Store) VMConfigPath(name string) string {
	return filepath.Join(s.Layout.Path(storage.VM(name)), configFile)
}

// NetworkConfigPath returns the location of a network record.
func (s *Store) NetworkConfigPath(name string) string {
	return filepath.Join(s.Layout.Path(storage.Network(name)), configFile)
}

// LoadVM reads a guest record.
func (s *Store) LoadVM(name string) (*VMRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var record VMRecord
	if err := readDocument(s.VMConfigPath(name), &record); err != nil {
		return nil, fmt.Errorf("load vm %s: %w", name, err)
	}
	record.State = ParseVMState(string(record.State))
	if record.BootDevice == "" {
		record.BootDevice = DefaultBootDevice
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("load vm %s: %w", name, err)
	}
	return &record, nil
}

// SaveVM validates and atomically writes a guest record.
func (s *Store) SaveVM(record *VMRecord) error {
	if record == nil {
		return errors.New("vm record is required")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("save vm: %w", err)
	}
	if err := writeDocument(s.VMConfigPath(record.Name), record); err != nil {
		return fmt.Errorf("save vm %s: %w", record.Name, err)
	}
	return nil
}

// ListVMs returns every readable guest record sorted by name.
// Entries without a readable record are skipped.
func (s *Store) ListVMs() ([]*VMRecord, error) {
	names, err := s.entityNames(storage.VMRoot)
	if err != nil {
		return nil, err
	}
	records := make([]*VMRecord, 0, len(names))
	for _, name := range names {
		record, err := s.LoadVM(name)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// LoadNetwork reads a network record. The bridge name is always derived.
func (s *Store) LoadNetwork(name string) (*NetworkRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var record NetworkRecord
	if err := readDocument(s.NetworkConfigPath(name), &record); err != nil {
		return nil, fmt.Errorf("load network %s: %w", name, err)
	}
	record.Type = NetworkTypeBridge
	record.BridgeName = BridgeName(record.Name)
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("load network %s: %w", name, err)
	}
	return &record, nil
}

// SaveNetwork validates and atomically writes a network record.
func (s *Store) SaveNetwork(record *NetworkRecord) error {
	if record == nil {
		return errors.New("network record is required")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("save network: %w", err)
	}
	record.Type = NetworkTypeBridge
	record.BridgeName = BridgeName(record.Name)
	if err := writeDocument(s.NetworkConfigPath(record.Name), record); err != nil {
		return fmt.Errorf("save network %s: %w", record.Name, err)
	}
	return nil
}

// ListNetworks returns every readable network record sorted by name.
func (s *Store) ListNetworks() ([]*NetworkRecord, error) {
	names, err := s.entityNames(storage.NetworkRoot)
	if err != nil {
		return nil, err
	}
	records := make([]*NetworkRecord, 0, len(names))
	for _, name := range names {
		record, err := s.LoadNetwork(name)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ReadPID returns the supervised process id of a guest.
func (s *Store) ReadPID(name string) (int, error) {
	data, err := os.ReadFile(s.pidPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("pid of %s: %w", name, ErrNotFound)
		}
		return 0, fmt.Errorf("read pid of %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file of %s is corrupt: %q", name, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WritePID records the supervised process id of a guest.
func (s *Store) WritePID(name string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := writeAtomic(s.pidPath(name), []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return fmt.Errorf("write pid of %s: %w", name, err)
	}
	return nil
}

// ClearPID removes the PID slot. A missing slot is not an error.
func (s *Store) ClearPID(name string) error {
	if err := os.Remove(s.pidPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear pid of %s: %w", name, err)
	}
	return nil
}

// StateDir returns the runtime state directory of a guest.
func (s *Store) StateDir(name string) string {
	return s.Layout.Path(storage.VMState(name))
}

func (s *Store) pidPath(name string) string {
	return filepath.Join(s.StateDir(name), pidFile)
}

func (s *Store) entityNames(dataset string) ([]string, error) {
	entries, err := os.ReadDir(s.Layout.Path(dataset))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dataset, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readDocument(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeDocument(path string, doc any) error {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	payload := append([]byte(xml.Header), data...)
	payload = append(payload, '\n')
	return writeAtomic(path, payload)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("dataset directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
