// Package command parses control requests and dispatches them to the guest
// and network managers.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/store"
	"github.com/cochaviz/hvd/internal/vm"
)

// Response is the outcome of one command. Text carries no trailing newline.
type Response struct {
	OK   bool
	Text string
}

func okf(format string, a ...any) Response {
	return Response{OK: true, Text: "OK: " + fmt.Sprintf(format, a...)}
}

func errorf(format string, a ...any) Response {
	return Response{Text: "ERROR: " + fmt.Sprintf(format, a...)}
}

// failure renders a backend error after a fixed prefix.
func failure(prefix string, err error) Response {
	return Response{Text: "ERROR: " + prefix + ": " + err.Error()}
}

// VMService is the guest lifecycle used by the dispatcher.
type VMService interface {
	Create(ctx context.Context, name string, cpu int, memoryMB uint64) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Update(ctx context.Context, name string, mutate func(*store.VMRecord) error) error
	AddDisk(ctx context.Context, name string, disk store.Disk) error
	RemoveDisk(ctx context.Context, name, disk string) error
	Show(ctx context.Context, name string) (string, error)
	List(ctx context.Context) (string, error)
}

// NetworkService is the network lifecycle used by the dispatcher.
type NetworkService interface {
	Create(ctx context.Context, name string, fib uint32, physical string) error
	Destroy(ctx context.Context, name string) error
	SetFIB(ctx context.Context, name string, fib uint32) error
	SetPhysicalInterface(ctx context.Context, name, iface string) error
	SetAddress(ctx context.Context, name, prefix string) error
	SetGateway(ctx context.Context, name, gateway string) error
	CreateTap(ctx context.Context, vmName, networkName, tap string) error
	RemoveTap(ctx context.Context, tap string) error
	Show(ctx context.Context, name string) (string, error)
	List(ctx context.Context) (string, error)
	ListTaps(ctx context.Context) (string, error)
}

// Observer receives the outcome of each command.
type Observer interface {
	ObserveCommand(verb string, ok bool, elapsed time.Duration)
}

type handler func(d *Dispatcher, ctx context.Context, a args) Response

type route struct {
	verb Verb
	noun Noun
}

var routes = map[route]handler{
	{VerbCreate, NounVM}:       (*Dispatcher).createVM,
	{VerbCreate, NounNetwork}:  (*Dispatcher).createNetwork,
	{VerbCreate, NounTap}:      (*Dispatcher).createTap,
	{VerbCreate, NounDisk}:     (*Dispatcher).createDisk,
	{VerbDestroy, NounVM}:      (*Dispatcher).destroyVM,
	{VerbDestroy, NounNetwork}: (*Dispatcher).destroyNetwork,
	{VerbDestroy, NounTap}:     (*Dispatcher).destroyTap,
	{VerbDestroy, NounDisk}:    (*Dispatcher).destroyDisk,
	{VerbStart, NounNone}:      (*Dispatcher).startVM,
	{VerbStop, NounNone}:       (*Dispatcher).stopVM,
	{VerbSet, NounVM}:          (*Dispatcher).setVM,
	{VerbSet, NounNetwork}:     (*Dispatcher).setNetwork,
	{VerbShow, NounVM}:         (*Dispatcher).showVM,
	{VerbShow, NounNetwork}:    (*Dispatcher).showNetwork,
	{VerbList, NounVM}:         (*Dispatcher).listVMs,
	{VerbList, NounNetwork}:    (*Dispatcher).listNetworks,
	{VerbList, NounTap}:        (*Dispatcher).listTaps,
	{VerbHelp, NounNone}:       (*Dispatcher).help,
}

// Dispatcher executes command lines against the managers.
type Dispatcher struct {
	VMs      VMService
	Networks NetworkService
	Observer Observer
	Logger   *slog.Logger
}

// NewDispatcher returns a dispatcher for the given managers.
func NewDispatcher(vms VMService, networks NetworkService, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		VMs:      vms,
		Networks: networks,
		Logger:   logging.Ensure(logger).With("component", "command"),
	}
}

// Execute parses and runs one command line. It never panics; handler panics
// are reported as an internal error.
func (d *Dispatcher) Execute(ctx context.Context, line string) (resp Response) {
	start := time.Now()
	logger := logging.FromContext(ctx, d.Logger)
	tokens := strings.Fields(line)
	verb := VerbUnknown
	if len(tokens) > 0 {
		verb = parseVerb(tokens[0])
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("command panicked", "command", line, "panic", r)
			resp = errorf("Internal error")
		}
		if d.Observer != nil {
			d.Observer.ObserveCommand(verb.String(), resp.OK, time.Since(start))
		}
		if resp.OK {
			logger.Debug("command succeeded", "verb", verb.String())
		} else {
			logger.Info("command failed", "verb", verb.String(), "response", resp.Text)
		}
	}()

	if len(tokens) == 0 {
		return errorf("Empty command")
	}
	if verb == VerbUnknown {
		return errorf("Unknown command '%s'", tokens[0])
	}

	rest := args(tokens[1:])
	key := route{verb: verb}
	if verb.takesNoun() {
		if len(rest) == 0 {
			return errorf("Missing object type (vm|network)")
		}
		key.noun = parseNoun(rest[0])
		if key.noun == NounNone {
			return errorf("Unknown object type '%s'", rest[0])
		}
		rest = rest[1:]
	}
	h, ok := routes[key]
	if !ok {
		return errorf("Unknown object type '%s'", tokens[1])
	}
	return h(d, ctx, rest)
}

func invalidVMName(name string) (Response, bool) {
	if err := store.ValidateName(name); err != nil {
		return errorf("Invalid VM name '%s'", name), true
	}
	return Response{}, false
}

func invalidNetworkName(name string) (Response, bool) {
	if err := store.ValidateName(name); err != nil {
		return errorf("Invalid network name '%s'", name), true
	}
	return Response{}, false
}

func (d *Dispatcher) createVM(ctx context.Context, a args) Response {
	name, cpuArg, memArg := a.at(0), a.at(1), a.at(2)
	switch {
	case name == "":
		return errorf("Missing VM name")
	case cpuArg == "":
		return errorf("Missing CPU count")
	case memArg == "":
		return errorf("Missing memory size")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}
	cpu, ok := parseBounded(cpuArg, store.MinCPU, store.MaxCPU)
	if !ok {
		return errorf("Invalid CPU count (1-32)")
	}
	memory, ok := parseBounded(memArg, store.MinMemoryMB, store.MaxMemoryMB)
	if !ok {
		return errorf("Invalid memory size (64-1048576 MB)")
	}
	if err := d.VMs.Create(ctx, name, int(cpu), memory); err != nil {
		return failure("Failed to create VM", err)
	}
	return okf("Created VM %s", name)
}

func (d *Dispatcher) createNetwork(ctx context.Context, a args) Response {
	name, fibArg, physical := a.at(0), a.at(1), a.at(2)
	switch {
	case name == "":
		return errorf("Missing network name")
	case fibArg == "":
		return errorf("Missing FIB ID")
	}
	if resp, bad := invalidNetworkName(name); bad {
		return resp
	}
	fib, ok := parseBounded(fibArg, 0, store.MaxFIB)
	if !ok {
		return errorf("Invalid FIB ID (0-255)")
	}
	if err := d.Networks.Create(ctx, name, uint32(fib), physical); err != nil {
		return failure("Failed to create network", err)
	}
	return okf("Created network %s", name)
}

func (d *Dispatcher) createTap(ctx context.Context, a args) Response {
	vmName, networkName, tap := a.at(0), a.at(1), a.at(2)
	switch {
	case vmName == "":
		return errorf("Missing VM name")
	case networkName == "":
		return errorf("Missing network name")
	case tap == "":
		return errorf("Missing tap name")
	}
	if err := d.Networks.CreateTap(ctx, vmName, networkName, tap); err != nil {
		return failure("Failed to create tap", err)
	}
	return okf("Created tap %s on network %s for VM %s", tap, networkName, vmName)
}

func (d *Dispatcher) createDisk(ctx context.Context, a args) Response {
	vmName, disk, sizeArg := a.at(0), a.at(1), a.at(2)
	switch {
	case vmName == "":
		return errorf("Missing VM name")
	case disk == "":
		return errorf("Missing disk name")
	case sizeArg == "":
		return errorf("Missing disk size")
	}
	size, ok := parseBounded(sizeArg, vm.MinDiskGB, vm.MaxDiskGB)
	if !ok {
		return errorf("Invalid disk size (%d-%d GB)", vm.MinDiskGB, vm.MaxDiskGB)
	}
	if err := d.VMs.AddDisk(ctx, vmName, store.Disk{Name: disk, Type: store.DiskVolume, SizeGB: size}); err != nil {
		return failure("Failed to create disk", err)
	}
	return okf("Created disk %s for VM %s", disk, vmName)
}

func (d *Dispatcher) destroyVM(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing name")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}
	if err := d.VMs.Destroy(ctx, name); err != nil {
		return failure("Failed to destroy VM", err)
	}
	return okf("Destroyed VM %s", name)
}

func (d *Dispatcher) destroyNetwork(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing name")
	}
	if resp, bad := invalidNetworkName(name); bad {
		return resp
	}
	if err := d.Networks.Destroy(ctx, name); err != nil {
		return failure("Failed to destroy network", err)
	}
	return okf("Destroyed network %s", name)
}

func (d *Dispatcher) destroyTap(ctx context.Context, a args) Response {
	tap := a.at(0)
	if tap == "" {
		return errorf("Missing name")
	}
	if err := d.Networks.RemoveTap(ctx, tap); err != nil {
		return failure("Failed to destroy tap", err)
	}
	return okf("Destroyed tap %s", tap)
}

func (d *Dispatcher) destroyDisk(ctx context.Context, a args) Response {
	vmName, disk := a.at(0), a.at(1)
	switch {
	case vmName == "":
		return errorf("Missing VM name")
	case disk == "":
		return errorf("Missing disk name")
	}
	if err := d.VMs.RemoveDisk(ctx, vmName, disk); err != nil {
		return failure("Failed to destroy disk", err)
	}
	return okf("Destroyed disk %s of VM %s", disk, vmName)
}

func (d *Dispatcher) startVM(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing VM name")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}
	if err := d.VMs.Start(ctx, name); err != nil {
		return failure("Failed to start VM", err)
	}
	return okf("Started VM %s", name)
}

func (d *Dispatcher) stopVM(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing VM name")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}
	if err := d.VMs.Stop(ctx, name); err != nil {
		return failure("Failed to stop VM", err)
	}
	return okf("Stopped VM %s", name)
}

func (d *Dispatcher) setVM(ctx context.Context, a args) Response {
	name, property, value := a.at(0), a.at(1), a.at(2)
	switch {
	case name == "":
		return errorf("Missing VM name")
	case property == "":
		return errorf("Missing property")
	case value == "":
		return errorf("Missing value")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}

	var mutate func(*store.VMRecord) error
	switch property {
	case "cpu":
		cpu, ok := parseBounded(value, store.MinCPU, store.MaxCPU)
		if !ok {
			return errorf("Invalid CPU count (1-32)")
		}
		mutate = func(r *store.VMRecord) error { r.CPU = int(cpu); return nil }
	case "memory":
		memory, ok := parseBounded(value, store.MinMemoryMB, store.MaxMemoryMB)
		if !ok {
			return errorf("Invalid memory size (64-1048576 MB)")
		}
		mutate = func(r *store.VMRecord) error { r.MemoryMB = memory; return nil }
	case "boot-device":
		if err := store.ValidateName(value); err != nil {
			return errorf("Invalid boot device '%s'", value)
		}
		mutate = func(r *store.VMRecord) error { r.BootDevice = value; return nil }
	default:
		return errorf("Unknown property '%s'", property)
	}

	if err := d.VMs.Update(ctx, name, mutate); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorf("VM '%s' not found", name)
		}
		return failure("Failed to save VM configuration", err)
	}
	return okf("Set %s=%s for VM %s", property, value, name)
}

func (d *Dispatcher) setNetwork(ctx context.Context, a args) Response {
	name, property, value := a.at(0), a.at(1), a.at(2)
	switch {
	case name == "":
		return errorf("Missing network name")
	case property == "":
		return errorf("Missing property")
	case value == "":
		return errorf("Missing value")
	}
	if resp, bad := invalidNetworkName(name); bad {
		return resp
	}

	var (
		apply  func() error
		action string
	)
	switch property {
	case "fib":
		fib, ok := parseBounded(value, 0, store.MaxFIB)
		if !ok {
			return errorf("Invalid FIB ID (0-255)")
		}
		apply = func() error { return d.Networks.SetFIB(ctx, name, uint32(fib)) }
		action = "Failed to set FIB ID"
	case "physical-interface":
		apply = func() error { return d.Networks.SetPhysicalInterface(ctx, name, value) }
		action = "Failed to set physical interface"
	case "address":
		apply = func() error { return d.Networks.SetAddress(ctx, name, value) }
		action = "Failed to set address"
	case "gateway":
		apply = func() error { return d.Networks.SetGateway(ctx, name, value) }
		action = "Failed to set gateway"
	default:
		return errorf("Unknown property '%s'", property)
	}

	if err := apply(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorf("Network '%s' not found", name)
		}
		return failure(action, err)
	}
	return okf("Set %s=%s for network %s", property, value, name)
}

func (d *Dispatcher) showVM(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing VM name")
	}
	if resp, bad := invalidVMName(name); bad {
		return resp
	}
	text, err := d.VMs.Show(ctx, name)
	if err != nil {
		return failure("Failed to show VM details", err)
	}
	return Response{OK: true, Text: text}
}

func (d *Dispatcher) showNetwork(ctx context.Context, a args) Response {
	name := a.at(0)
	if name == "" {
		return errorf("Missing network name")
	}
	if resp, bad := invalidNetworkName(name); bad {
		return resp
	}
	text, err := d.Networks.Show(ctx, name)
	if err != nil {
		return failure("Failed to show network details", err)
	}
	return Response{OK: true, Text: text}
}

func (d *Dispatcher) listVMs(ctx context.Context, _ args) Response {
	return listing("vm", func() (string, error) { return d.VMs.List(ctx) })
}

func (d *Dispatcher) listNetworks(ctx context.Context, _ args) Response {
	return listing("network", func() (string, error) { return d.Networks.List(ctx) })
}

func (d *Dispatcher) listTaps(ctx context.Context, _ args) Response {
	return listing("tap", func() (string, error) { return d.Networks.ListTaps(ctx) })
}

func listing(kind string, list func() (string, error)) Response {
	text, err := list()
	if err != nil {
		return failure("Failed to list "+kind, err)
	}
	return Response{OK: true, Text: text}
}

func (d *Dispatcher) help(context.Context, args) Response {
	return Response{OK: true, Text: helpText}
}

// Frame renders a response as sent on the wire.
func (r Response) Frame() []byte {
	return []byte(r.Text + "\n")
}
