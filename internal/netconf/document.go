// Package netconf builds and exchanges network configuration documents with
// the network daemon (netd).
package netconf

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Namespace of every configuration document.
	Namespace = "urn:netd:simple"

	MaxInterfaces = 50
	MaxRoutes     = 100
	MaxAddresses  = 10

	// RenderCapacity is the size of the render buffer. netd accepts request
	// frames strictly below RenderCapacity+1 bytes.
	RenderCapacity = 64 << 10
)

var (
	ErrTooManyInterfaces = errors.New("too many interfaces in document")
	ErrTooManyRoutes     = errors.New("too many routes in document")
	ErrTooManyAddresses  = errors.New("too many addresses on interface")
	ErrRenderOverflow    = errors.New("document exceeds render buffer")
	ErrUnknownInterface  = errors.New("interface not in document")
)

// Family is an address family.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// InterfaceType selects what netd creates for an interface. The empty type
// addresses an interface that already exists.
type InterfaceType string

const (
	TypeExisting InterfaceType = ""
	TypeBridge   InterfaceType = "bridge"
	TypeTap      InterfaceType = "tap"
)

// Operation is the edit operation of an interface, address or route entry.
// Deleting an existing (untyped) interface releases it from its bridge or
// FIB. The device itself stays.
type Operation string

const (
	OperationMerge  Operation = "merge"
	OperationDelete Operation = "delete"
)

// Address is an interface address in prefix notation.
type Address struct {
	Prefix    string
	Family    Family
	Operation Operation
}

// Interface is one interface entry. FIB is nil when the document leaves the
// forwarding table unchanged.
type Interface struct {
	Name      string
	Type      InterfaceType
	Operation Operation
	Enabled   bool
	FIB       *uint32
	MemberOf  string
	Addresses []Address
}

// Route is a static route entry.
type Route struct {
	Destination string
	Gateway     string
	FIB         uint32
	Description string
	Operation   Operation
}

// Document is a transient configuration document, built per request.
type Document struct {
	Interfaces []Interface
	Routes     []Route
}

// FIB returns a pointer suitable for Interface.FIB.
func FIB(id uint32) *uint32 { return &id }

// AddInterface appends an interface entry.
func (d *Document) AddInterface(iface Interface) error {
	if strings.TrimSpace(iface.Name) == "" {
		return fmt.Errorf("interface name is required")
	}
	if len(d.Interfaces) >= MaxInterfaces {
		return fmt.Errorf("%w (max %d)", ErrTooManyInterfaces, MaxInterfaces)
	}
	if len(iface.Addresses) > MaxAddresses {
		return fmt.Errorf("%w (max %d)", ErrTooManyAddresses, MaxAddresses)
	}
	if err := checkOperation(iface.Operation); err != nil {
		return err
	}
	switch iface.Type {
	case TypeExisting, TypeBridge, TypeTap:
	default:
		return fmt.Errorf("unknown interface type %q", iface.Type)
	}
	addresses := make([]Address, 0, len(iface.Addresses))
	for _, addr := range iface.Addresses {
		family, err := ParsePrefix(addr.Prefix)
		if err != nil {
			return err
		}
		if err := checkOperation(addr.Operation); err != nil {
			return err
		}
		addresses = append(addresses, Address{Prefix: addr.Prefix, Family: family, Operation: addr.Operation})
	}
	iface.Addresses = addresses
	d.Interfaces = append(d.Interfaces, iface)
	return nil
}

func checkOperation(op Operation) error {
	switch op {
	case "", OperationMerge, OperationDelete:
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

// AddAddress appends a validated address to a named interface in the document.
func (d *Document) AddAddress(name, prefix string) error {
	return d.address(name, prefix, OperationMerge)
}

func (d *Document) address(name, prefix string, op Operation) error {
	family, err := ParsePrefix(prefix)
	if err != nil {
		return err
	}
	if err := checkOperation(op); err != nil {
		return err
	}
	for i := range d.Interfaces {
		if d.Interfaces[i].Name != name {
			continue
		}
		if len(d.Interfaces[i].Addresses) >= MaxAddresses {
			return fmt.Errorf("%s: %w (max %d)", name, ErrTooManyAddresses, MaxAddresses)
		}
		d.Interfaces[i].Addresses = append(d.Interfaces[i].Addresses, Address{Prefix: prefix, Family: family, Operation: op})
		return nil
	}
	return fmt.Errorf("%s: %w", name, ErrUnknownInterface)
}

// entry makes sure the document holds an enabled merge entry for name.
func (d *Document) entry(name string) error {
	for _, iface := range d.Interfaces {
		if iface.Name == name && iface.Operation != OperationDelete {
			return nil
		}
	}
	return d.AddInterface(Interface{Name: name, Operation: OperationMerge, Enabled: true})
}

// AssignAddress adds prefix to an interface, creating its entry if needed.
func (d *Document) AssignAddress(name, prefix string) error {
	if err := d.entry(name); err != nil {
		return err
	}
	return d.address(name, prefix, OperationMerge)
}

// WithdrawAddress removes prefix from an interface.
func (d *Document) WithdrawAddress(name, prefix string) error {
	if err := d.entry(name); err != nil {
		return err
	}
	return d.address(name, prefix, OperationDelete)
}

// MoveToFIB places every named interface in fib.
func (d *Document) MoveToFIB(fib uint32, names ...string) error {
	for _, name := range names {
		if err := d.AddInterface(Interface{Name: name, Operation: OperationMerge, Enabled: true, FIB: FIB(fib)}); err != nil {
			return err
		}
	}
	return nil
}

// Attach enables an existing interface and enslaves it to bridge.
func (d *Document) Attach(name, bridge string) error {
	return d.AddInterface(Interface{Name: name, Operation: OperationMerge, Enabled: true, MemberOf: bridge})
}

// Release detaches an existing interface from its bridge or FIB.
func (d *Document) Release(name string) error {
	return d.AddInterface(Interface{Name: name, Operation: OperationDelete})
}

// WithdrawRoute appends a route deletion.
func (d *Document) WithdrawRoute(route Route) error {
	route.Operation = OperationDelete
	return d.AddRoute(route)
}

// AddRoute appends a static route.
func (d *Document) AddRoute(route Route) error {
	if len(d.Routes) >= MaxRoutes {
		return fmt.Errorf("%w (max %d)", ErrTooManyRoutes, MaxRoutes)
	}
	if err := checkOperation(route.Operation); err != nil {
		return err
	}
	if _, err := ParsePrefix(route.Destination); err != nil {
		return fmt.Errorf("route destination: %w", err)
	}
	if route.Gateway != "" && !ValidIPv4(route.Gateway) && !ValidIPv6(route.Gateway) {
		return fmt.Errorf("invalid gateway %q", route.Gateway)
	}
	d.Routes = append(d.Routes, route)
	return nil
}

// Render writes the document into a buffer of RenderCapacity bytes. A document
// that does not fit yields ErrRenderOverflow and no output.
func (d *Document) Render() ([]byte, error) {
	return d.render(RenderCapacity)
}

func (d *Document) render(capacity int) ([]byte, error) {
	w := &boundedWriter{buf: make([]byte, 0, min(capacity, 4096)), capacity: capacity}

	w.raw(xml.Header)
	w.raw(`<config xmlns="` + Namespace + `">` + "\n")
	if len(d.Interfaces) > 0 {
		w.raw("  <interfaces>\n")
		for _, iface := range d.Interfaces {
			if iface.Operation == OperationDelete {
				w.raw(`    <interface operation="delete">` + "\n")
			} else {
				w.raw("    <interface>\n")
			}
			w.element(6, "name", iface.Name)
			if iface.Type != TypeExisting {
				w.element(6, "type", string(iface.Type))
			}
			w.element(6, "enabled", strconv.FormatBool(iface.Enabled))
			if iface.FIB != nil {
				w.element(6, "fib", strconv.FormatUint(uint64(*iface.FIB), 10))
			}
			if iface.MemberOf != "" {
				w.element(6, "member-of", iface.MemberOf)
			}
			if len(iface.Addresses) > 0 {
				w.raw("      <addresses>\n")
				for _, addr := range iface.Addresses {
					if addr.Operation == OperationDelete {
						w.raw(`        <address operation="delete">` + "\n")
					} else {
						w.raw("        <address>\n")
					}
					w.element(10, "ip", addr.Prefix)
					w.element(10, "family", string(addr.Family))
					w.raw("        </address>\n")
				}
				w.raw("      </addresses>\n")
			}
			w.raw("    </interface>\n")
		}
		w.raw("  </interfaces>\n")
	}
	if len(d.Routes) > 0 {
		w.raw("  <routes>\n")
		for _, route := range d.Routes {
			if route.Operation == OperationDelete {
				w.raw(`    <route operation="delete">` + "\n")
			} else {
				w.raw("    <route>\n")
			}
			w.element(6, "destination", route.Destination)
			if route.Gateway != "" {
				w.element(6, "gateway", route.Gateway)
			}
			w.element(6, "fib", strconv.FormatUint(uint64(route.FIB), 10))
			if route.Description != "" {
				w.element(6, "description", route.Description)
			}
			w.raw("    </route>\n")
		}
		w.raw("  </routes>\n")
	}
	w.raw("</config>\n")

	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

type boundedWriter struct {
	buf      []byte
	capacity int
	err      error
}

func (w *boundedWriter) raw(s string) {
	if w.err != nil {
		return
	}
	if len(w.buf)+len(s) > w.capacity {
		w.err = fmt.Errorf("%w (%d bytes)", ErrRenderOverflow, w.capacity)
		return
	}
	w.buf = append(w.buf, s...)
}

func (w *boundedWriter) element(indent int, name, value string) {
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(value))
	w.raw(strings.Repeat(" ", indent) + "<" + name + ">" + escaped.String() + "</" + name + ">\n")
}

type xmlConfig struct {
	XMLName    xml.Name       `xml:"urn:netd:simple config"`
	Interfaces []xmlInterface `xml:"interfaces>interface"`
	Routes     []xmlRoute     `xml:"routes>route"`
}

type xmlInterface struct {
	Operation string       `xml:"operation,attr"`
	Name      string       `xml:"name"`
	Type      string       `xml:"type"`
	Enabled   bool         `xml:"enabled"`
	FIB       *uint32      `xml:"fib"`
	MemberOf  string       `xml:"member-of"`
	Addresses []xmlAddress `xml:"addresses>address"`
}

type xmlAddress struct {
	Operation string `xml:"operation,attr"`
	IP        string `xml:"ip"`
	Family    string `xml:"family"`
}

type xmlRoute struct {
	Operation   string `xml:"operation,attr"`
	Destination string `xml:"destination"`
	Gateway     string `xml:"gateway"`
	FIB         uint32 `xml:"fib"`
	Description string `xml:"description"`
}

// Parse decodes a rendered document and re-applies the document bounds.
func Parse(data []byte) (*Document, error) {
	var raw xmlConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	doc := &Document{}
	for _, in := range raw.Interfaces {
		iface := Interface{
			Name:      strings.TrimSpace(in.Name),
			Type:      InterfaceType(strings.TrimSpace(in.Type)),
			Operation: Operation(strings.TrimSpace(in.Operation)),
			Enabled:   in.Enabled,
			FIB:       in.FIB,
			MemberOf:  strings.TrimSpace(in.MemberOf),
		}
		if iface.Operation == "" {
			iface.Operation = OperationMerge
		}
		if err := doc.AddInterface(iface); err != nil {
			return nil, err
		}
		for _, addr := range in.Addresses {
			op := Operation(strings.TrimSpace(addr.Operation))
			if op == "" {
				op = OperationMerge
			}
			if err := doc.address(iface.Name, strings.TrimSpace(addr.IP), op); err != nil {
				return nil, err
			}
		}
	}
	for _, in := range raw.Routes {
		route := Route{
			Destination: strings.TrimSpace(in.Destination),
			Gateway:     strings.TrimSpace(in.Gateway),
			FIB:         in.FIB,
			Description: in.Description,
			Operation:   Operation(strings.TrimSpace(in.Operation)),
		}
		if route.Operation == "" {
			route.Operation = OperationMerge
		}
		if err := doc.AddRoute(route); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
