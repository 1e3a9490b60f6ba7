// Package network manages bridged networks and the taps that attach guests
// to them. Realisation is delegated to netd.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/hvd/internal/attachments"
	"github.com/cochaviz/hvd/internal/events"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/netconf"
	"github.com/cochaviz/hvd/internal/storage"
	"github.com/cochaviz/hvd/internal/store"
)

const (
	entityKind = "network"

	// MaxInterfaceNameLen matches the kernel interface name limit.
	MaxInterfaceNameLen = 15
)

var (
	ErrExists             = errors.New("network already exists")
	ErrTapExists          = errors.New("tap already attached")
	ErrNoAttachmentRecord = errors.New("tap attachments are not configured")
)

// Configurator realises interface changes on the host.
type Configurator interface {
	ConfigureBridge(ctx context.Context, bridge string, fib uint32, physical string) error
	RemoveBridge(ctx context.Context, bridge string) error
	ConfigureTap(ctx context.Context, tap, bridge string, fib uint32) error
	RemoveTap(ctx context.Context, tap string) error
	Apply(ctx context.Context, action string, doc *netconf.Document) error
}

// AttachmentStore records tap attachments.
type AttachmentStore interface {
	Put(ctx context.Context, attachment attachments.Attachment) error
	Get(ctx context.Context, tap string) (attachments.Attachment, error)
	Delete(ctx context.Context, tap string) error
	List(ctx context.Context) ([]attachments.Attachment, error)
	ByNetwork(ctx context.Context, network string) ([]attachments.Attachment, error)
	ByVM(ctx context.Context, vm string) ([]attachments.Attachment, error)
}

// TransitionRecorder counts completed lifecycle transitions.
type TransitionRecorder interface {
	Transition(kind, action string)
}

// Manager implements the network lifecycle. Callers serialise access.
type Manager struct {
	Store       *store.Store
	Backend     storage.Backend
	Net         Configurator
	Attachments AttachmentStore
	Events      events.Publisher
	Recorder    TransitionRecorder
	Logger      *slog.Logger
}

// NewManager wires a network manager.
func NewManager(st *store.Store, backend storage.Backend, net Configurator, registry AttachmentStore, logger *slog.Logger) *Manager {
	return &Manager{
		Store:       st,
		Backend:     backend,
		Net:         net,
		Attachments: registry,
		Events:      events.Nop{},
		Logger:      logging.Ensure(logger).With("component", "network"),
	}
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

func (m *Manager) completed(ctx context.Context, kind, action, name string) {
	if m.Recorder != nil {
		m.Recorder.Transition(kind, action)
	}
	events.Emit(ctx, m.Events, m.logger(), events.New(kind, action, name))
}

// ValidateInterfaceName checks a host interface name.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name is required")
	}
	if len(name) > MaxInterfaceNameLen {
		return fmt.Errorf("interface name %q exceeds %d characters", name, MaxInterfaceNameLen)
	}
	if err := store.ValidateName(name); err != nil {
		return fmt.Errorf("interface %w", err)
	}
	return nil
}

// Create allocates a network dataset, persists its record and realises the
// bridge. Any failure after allocation removes the dataset again.
func (m *Manager) Create(ctx context.Context, name string, fib uint32, physical string) (err error) {
	record := store.NewNetworkRecord(name, fib, physical)
	if err := record.Validate(); err != nil {
		return err
	}
	if physical != "" {
		if err := ValidateInterfaceName(physical); err != nil {
			return err
		}
	}
	exists, err := storage.Exists(ctx, m.Backend, storage.Network(name))
	if err != nil {
		return fmt.Errorf("probe network %s: %w", name, err)
	}
	if exists {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}

	logger := m.logger().With("network", name)
	if err := m.Backend.CreateDataset(ctx, storage.Network(name)); err != nil {
		return fmt.Errorf("create network dataset: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := m.Backend.Destroy(ctx, storage.Network(name)); rbErr != nil {
			logger.Error("rollback of network dataset failed", "error", rbErr)
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			return
		}
		logger.Warn("network creation rolled back", "error", err)
	}()

	if err := storage.Tag(ctx, m.Backend, storage.Network(name), entityKind, name); err != nil {
		return fmt.Errorf("tag network dataset: %w", err)
	}
	if err := m.Store.SaveNetwork(record); err != nil {
		return err
	}
	if err := m.Net.ConfigureBridge(ctx, record.BridgeName, fib, physical); err != nil {
		return err
	}

	logger.Info("network created", "bridge", record.BridgeName, "fib", fib, "physical_interface", physical)
	m.completed(ctx, entityKind, "created", name)
	return nil
}

// Destroy detaches recorded taps, removes the bridge and then the dataset.
// The dataset is kept when any netd step fails.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	record, err := m.Store.LoadNetwork(name)
	if err != nil {
		return err
	}
	logger := m.logger().With("network", name)

	if m.Attachments != nil {
		taps, err := m.Attachments.ByNetwork(ctx, name)
		if err != nil {
			return err
		}
		for _, attachment := range taps {
			if err := m.RemoveTap(ctx, attachment.Tap); err != nil {
				return fmt.Errorf("detach %s: %w", attachment.Tap, err)
			}
		}
	}

	if err := m.Net.RemoveBridge(ctx, record.BridgeName); err != nil {
		logger.Warn("bridge removal failed, keeping network", "bridge", record.BridgeName, "error", err)
		return err
	}
	if err := m.Backend.Destroy(ctx, storage.Network(name)); err != nil {
		return fmt.Errorf("destroy network %s: %w", name, err)
	}

	logger.Info("network destroyed")
	m.completed(ctx, entityKind, "destroyed", name)
	return nil
}

// SetFIB moves the bridge, its taps and the default route into another FIB
// with one document, then persists it.
func (m *Manager) SetFIB(ctx context.Context, name string, fib uint32) error {
	if fib > store.MaxFIB {
		return fmt.Errorf("fib %d out of range (0-%d)", fib, store.MaxFIB)
	}
	return m.reconcile(ctx, name, "fib", func(record *store.NetworkRecord, apply, revert *netconf.Document) error {
		members := []string{record.BridgeName}
		if m.Attachments != nil {
			taps, err := m.Attachments.ByNetwork(ctx, name)
			if err != nil {
				return err
			}
			for _, attachment := range taps {
				members = append(members, attachment.Tap)
			}
		}
		if err := apply.MoveToFIB(fib, members...); err != nil {
			return err
		}
		if err := revert.MoveToFIB(record.FIB, members...); err != nil {
			return err
		}
		if record.Gateway != "" {
			current, err := defaultRoute(name, record.Gateway, record.FIB)
			if err != nil {
				return err
			}
			moved := current
			moved.FIB = fib
			if err := replaceRoute(apply, &current, moved); err != nil {
				return err
			}
			if err := replaceRoute(revert, &moved, current); err != nil {
				return err
			}
		}
		record.FIB = fib
		return nil
	})
}

// SetPhysicalInterface enslaves a host interface to the bridge in place of
// the recorded one, then persists it.
func (m *Manager) SetPhysicalInterface(ctx context.Context, name, iface string) error {
	if err := ValidateInterfaceName(iface); err != nil {
		return err
	}
	return m.reconcile(ctx, name, "physical-interface", func(record *store.NetworkRecord, apply, revert *netconf.Document) error {
		previous := record.PhysicalInterface
		if previous != "" && previous != iface {
			if err := apply.Release(previous); err != nil {
				return err
			}
		}
		if err := apply.Attach(iface, record.BridgeName); err != nil {
			return err
		}
		if previous != iface {
			if err := revert.Release(iface); err != nil {
				return err
			}
		}
		if previous != "" {
			if err := revert.Attach(previous, record.BridgeName); err != nil {
				return err
			}
		}
		record.PhysicalInterface = iface
		return nil
	})
}

// SetAddress replaces the bridge address, then persists it.
func (m *Manager) SetAddress(ctx context.Context, name, prefix string) error {
	if _, err := netconf.ParsePrefix(prefix); err != nil {
		return err
	}
	return m.reconcile(ctx, name, "address", func(record *store.NetworkRecord, apply, revert *netconf.Document) error {
		previous := record.Address
		if previous != "" && previous != prefix {
			if err := apply.WithdrawAddress(record.BridgeName, previous); err != nil {
				return err
			}
		}
		if err := apply.AssignAddress(record.BridgeName, prefix); err != nil {
			return err
		}
		if previous != prefix {
			if err := revert.WithdrawAddress(record.BridgeName, prefix); err != nil {
				return err
			}
		}
		if previous != "" {
			if err := revert.AssignAddress(record.BridgeName, previous); err != nil {
				return err
			}
		}
		record.Address = prefix
		return nil
	})
}

// SetGateway replaces the default route of the network's FIB, then persists
// it.
func (m *Manager) SetGateway(ctx context.Context, name, gateway string) error {
	if _, err := defaultRoute(name, gateway, 0); err != nil {
		return err
	}
	return m.reconcile(ctx, name, "gateway", func(record *store.NetworkRecord, apply, revert *netconf.Document) error {
		route, err := defaultRoute(name, gateway, record.FIB)
		if err != nil {
			return err
		}
		var previous *netconf.Route
		if record.Gateway != "" {
			current, err := defaultRoute(name, record.Gateway, record.FIB)
			if err != nil {
				return err
			}
			previous = &current
		}
		if err := replaceRoute(apply, previous, route); err != nil {
			return err
		}
		if previous == nil {
			if err := revert.WithdrawRoute(route); err != nil {
				return err
			}
		} else if err := replaceRoute(revert, &route, *previous); err != nil {
			return err
		}
		record.Gateway = gateway
		return nil
	})
}

func defaultRoute(network, gateway string, fib uint32) (netconf.Route, error) {
	route := netconf.Route{Gateway: gateway, FIB: fib, Description: "default route of " + network}
	switch {
	case netconf.ValidIPv4(gateway):
		route.Destination = "0.0.0.0/0"
	case netconf.ValidIPv6(gateway):
		route.Destination = "::/0"
	default:
		return route, fmt.Errorf("invalid gateway %q", gateway)
	}
	return route, nil
}

// replaceRoute withdraws previous, when set and different, and installs next.
func replaceRoute(doc *netconf.Document, previous *netconf.Route, next netconf.Route) error {
	if previous != nil && *previous != next {
		if err := doc.WithdrawRoute(*previous); err != nil {
			return err
		}
	}
	return doc.AddRoute(next)
}

// change mutates record and fills apply with the netd document realising it
// and revert with the document undoing it.
type change func(record *store.NetworkRecord, apply, revert *netconf.Document) error

// reconcile realises a property change on netd before persisting it. When
// netd rejects the change, or persisting fails, the revert document is sent
// to undo whatever netd already applied.
func (m *Manager) reconcile(ctx context.Context, name, property string, fn change) error {
	record, err := m.Store.LoadNetwork(name)
	if err != nil {
		return err
	}
	apply, revert := &netconf.Document{}, &netconf.Document{}
	if err := fn(record, apply, revert); err != nil {
		return err
	}
	if err := m.Net.Apply(ctx, "set "+property+" of "+name, apply); err != nil {
		return m.revert(ctx, name, property, revert, err)
	}
	if err := m.Store.SaveNetwork(record); err != nil {
		return m.revert(ctx, name, property, revert, err)
	}
	m.logger().Info("network updated", "network", name, "property", property)
	m.completed(ctx, entityKind, "updated", name)
	return nil
}

func (m *Manager) revert(ctx context.Context, name, property string, doc *netconf.Document, cause error) error {
	if err := m.Net.Apply(ctx, "revert "+property+" of "+name, doc); err != nil {
		m.logger().Error("network left partially updated", "network", name, "property", property, "error", err)
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	m.logger().Warn("network update reverted", "network", name, "property", property, "error", cause)
	return cause
}

// CreateTap realises a tap on the network's bridge and records the attachment.
// The guest must have a record, so no attachment points at a missing VM.
func (m *Manager) CreateTap(ctx context.Context, vmName, networkName, tap string) (err error) {
	if m.Attachments == nil {
		return ErrNoAttachmentRecord
	}
	if err := ValidateInterfaceName(tap); err != nil {
		return err
	}
	if _, err := m.Store.LoadVM(vmName); err != nil {
		return err
	}
	record, err := m.Store.LoadNetwork(networkName)
	if err != nil {
		return err
	}
	if existing, err := m.Attachments.Get(ctx, tap); err == nil {
		return fmt.Errorf("%s on %s: %w", tap, existing.Network, ErrTapExists)
	} else if !errors.Is(err, attachments.ErrNotFound) {
		return err
	}

	if err := m.Net.ConfigureTap(ctx, tap, record.BridgeName, record.FIB); err != nil {
		return err
	}
	attachment := attachments.Attachment{Tap: tap, VM: vmName, Network: networkName}
	if err := m.Attachments.Put(ctx, attachment); err != nil {
		if rbErr := m.Net.RemoveTap(ctx, tap); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return fmt.Errorf("record attachment: %w", err)
	}

	m.logger().Info("tap created", "tap", tap, "vm", vmName, "network", networkName)
	m.completed(ctx, "tap", "created", tap)
	return nil
}

// RemoveTap deletes the tap on the host and forgets its attachment.
func (m *Manager) RemoveTap(ctx context.Context, tap string) error {
	if err := ValidateInterfaceName(tap); err != nil {
		return err
	}
	if err := m.Net.RemoveTap(ctx, tap); err != nil {
		return err
	}
	if m.Attachments != nil {
		if err := m.Attachments.Delete(ctx, tap); err != nil {
			return fmt.Errorf("forget attachment %s: %w", tap, err)
		}
	}
	m.logger().Info("tap removed", "tap", tap)
	m.completed(ctx, "tap", "destroyed", tap)
	return nil
}

// DetachVM removes every tap recorded for a guest.
func (m *Manager) DetachVM(ctx context.Context, vmName string) error {
	if m.Attachments == nil {
		return nil
	}
	taps, err := m.Attachments.ByVM(ctx, vmName)
	if err != nil {
		return err
	}
	var errs []error
	for _, attachment := range taps {
		if err := m.RemoveTap(ctx, attachment.Tap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Show renders one network record with its taps.
func (m *Manager) Show(ctx context.Context, name string) (string, error) {
	record, err := m.Store.LoadNetwork(name)
	if err != nil {
		return "", err
	}
	physical := record.PhysicalInterface
	if physical == "" {
		physical = "none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Network: %s\n", record.Name)
	fmt.Fprintf(&b, "  Type: %s\n", record.Type)
	fmt.Fprintf(&b, "  FIB ID: %d\n", record.FIB)
	fmt.Fprintf(&b, "  Bridge: %s\n", record.BridgeName)
	fmt.Fprintf(&b, "  Physical Interface: %s", physical)
	if record.Address != "" {
		fmt.Fprintf(&b, "\n  Address: %s", record.Address)
	}
	if record.Gateway != "" {
		fmt.Fprintf(&b, "\n  Gateway: %s", record.Gateway)
	}
	if m.Attachments != nil {
		taps, err := m.Attachments.ByNetwork(ctx, name)
		if err != nil {
			return "", err
		}
		for _, attachment := range taps {
			fmt.Fprintf(&b, "\n  Tap: %s (vm %s)", attachment.Tap, attachment.VM)
		}
	}
	return b.String(), nil
}

// List renders a table of all networks.
func (m *Manager) List(_ context.Context) (string, error) {
	records, err := m.Store.ListNetworks()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %-8s %-6s %-18s %s", "Name", "Type", "FIB", "Bridge", "Physical Interface")
	for _, record := range records {
		physical := record.PhysicalInterface
		if physical == "" {
			physical = "-"
		}
		fmt.Fprintf(&b, "\n%-18s %-8s %-6d %-18s %s", record.Name, record.Type, record.FIB, record.BridgeName, physical)
	}
	return b.String(), nil
}

// ListTaps renders a table of all recorded tap attachments.
func (m *Manager) ListTaps(ctx context.Context) (string, error) {
	if m.Attachments == nil {
		return "", ErrNoAttachmentRecord
	}
	all, err := m.Attachments.List(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-18s %s", "Tap", "VM", "Network")
	for _, attachment := range all {
		fmt.Fprintf(&b, "\n%-16s %-18s %s", attachment.Tap, attachment.VM, attachment.Network)
	}
	return b.String(), nil
}
