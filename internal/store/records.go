package store

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Bounds shared by the command layer and the record validation.
const (
	MinCPU      = 1
	MaxCPU      = 32
	MinMemoryMB = 64
	MaxMemoryMB = 1048576
	MaxFIB      = 255
	MaxNameLen  = 63

	DefaultBootDevice = "disk0"
	NetworkTypeBridge = "bridge"
	BridgePrefix      = "bridge_"
)

// VMState is the lifecycle state persisted in a guest record.
type VMState string

const (
	StateStopped VMState = "stopped"
	StateRunning VMState = "running"
	StatePaused  VMState = "paused"
	StateError   VMState = "error"
)

// ParseVMState maps persisted text onto a state. Unknown values read as stopped.
func ParseVMState(value string) VMState {
	switch VMState(strings.TrimSpace(value)) {
	case StateRunning:
		return StateRunning
	case StatePaused:
		return StatePaused
	case StateError:
		return StateError
	default:
		return StateStopped
	}
}

// DiskType selects how a guest disk is provided.
type DiskType string

const (
	DiskVolume DiskType = "volume"
	DiskISCSI  DiskType = "iscsi"
)

// Disk is one guest disk entry.
type Disk struct {
	Name   string   `xml:"name"`
	Type   DiskType `xml:"type"`
	SizeGB uint64   `xml:"size"`
	Target string   `xml:"iscsi-target,omitempty"`
}

// VMRecord is the persisted configuration of a guest.
type VMRecord struct {
	XMLName    xml.Name `xml:"urn:hvd:vm vm-config"`
	Name       string   `xml:"name"`
	CPU        int      `xml:"cpu"`
	MemoryMB   uint64   `xml:"memory"`
	BootDevice string   `xml:"boot-device"`
	State      VMState  `xml:"state"`
	Disks      []Disk   `xml:"disks>disk"`
}

// NewVMRecord returns a stopped guest with the default boot device.
func NewVMRecord(name string, cpu int, memoryMB uint64) *VMRecord {
	return &VMRecord{
		Name:       name,
		CPU:        cpu,
		MemoryMB:   memoryMB,
		BootDevice: DefaultBootDevice,
		State:      StateStopped,
	}
}

// Validate checks the record against the schema bounds.
func (r *VMRecord) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if err := ValidateCPU(r.CPU); err != nil {
		return err
	}
	if err := ValidateMemory(r.MemoryMB); err != nil {
		return err
	}
	if r.BootDevice == "" {
		return fmt.Errorf("boot device is required")
	}
	if len(r.BootDevice) > MaxNameLen {
		return fmt.Errorf("boot device %q exceeds %d characters", r.BootDevice, MaxNameLen)
	}
	seen := make(map[string]struct{}, len(r.Disks))
	for _, disk := range r.Disks {
		if err := ValidateName(disk.Name); err != nil {
			return fmt.Errorf("disk: %w", err)
		}
		if _, dup := seen[disk.Name]; dup {
			return fmt.Errorf("duplicate disk %q", disk.Name)
		}
		seen[disk.Name] = struct{}{}
	}
	return nil
}

// Disk returns the named disk entry, if any.
func (r *VMRecord) Disk(name string) (Disk, bool) {
	for _, disk := range r.Disks {
		if disk.Name == name {
			return disk, true
		}
	}
	return Disk{}, false
}

// NetworkRecord is the persisted configuration of a bridged network.
type NetworkRecord struct {
	XMLName           xml.Name `xml:"urn:hvd:network network-config"`
	Name              string   `xml:"name"`
	Type              string   `xml:"type"`
	FIB               uint32   `xml:"fib-id"`
	PhysicalInterface string   `xml:"physical-interface,omitempty"`
	BridgeName        string   `xml:"bridge-name"`
	Address           string   `xml:"address,omitempty"`
	Gateway           string   `xml:"gateway,omitempty"`
}

// NewNetworkRecord returns a bridge network with its derived bridge name.
func NewNetworkRecord(name string, fib uint32, physical string) *NetworkRecord {
	return &NetworkRecord{
		Name:              name,
		Type:              NetworkTypeBridge,
		FIB:               fib,
		PhysicalInterface: physical,
		BridgeName:        BridgeName(name),
	}
}

// BridgeName derives the bridge interface name of a network.
func BridgeName(network string) string {
	return BridgePrefix + network
}

// Validate checks the record against the schema bounds.
func (r *NetworkRecord) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.FIB > MaxFIB {
		return fmt.Errorf("fib %d out of range (0-%d)", r.FIB, MaxFIB)
	}
	for field, value := range map[string]string{
		"physical interface": r.PhysicalInterface,
		"address":            r.Address,
		"gateway":            r.Gateway,
	} {
		if len(value) > MaxNameLen {
			return fmt.Errorf("%s %q exceeds %d characters", field, value, MaxNameLen)
		}
	}
	return nil
}

// ValidateName enforces the entity naming rules. Names are never truncated.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name %q exceeds %d characters", name, MaxNameLen)
	}
	if name[0] == '.' || name[0] == '-' {
		return fmt.Errorf("name %q must not start with '.' or '-'", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return fmt.Errorf("name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// ValidateCPU checks the core count bound.
func ValidateCPU(cpu int) error {
	if cpu < MinCPU || cpu > MaxCPU {
		return fmt.Errorf("cpu count %d out of range (%d-%d)", cpu, MinCPU, MaxCPU)
	}
	return nil
}

// ValidateMemory checks the memory bound in megabytes.
func ValidateMemory(memoryMB uint64) error {
	if memoryMB < MinMemoryMB || memoryMB > MaxMemoryMB {
		return fmt.Errorf("memory %d MB out of range (%d-%d)", memoryMB, MinMemoryMB, MaxMemoryMB)
	}
	return nil
}
