package netconf

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDocumentBounds(t *testing.T) {
	doc := &Document{}
	for i := 0; i < MaxInterfaces; i++ {
		if err := doc.AddInterface(Interface{Name: fmt.Sprintf("tap%d", i)}); err != nil {
			t.Fatalf("add interface %d: %v", i, err)
		}
	}
	if err := doc.AddInterface(Interface{Name: "one-too-many"}); !errors.Is(err, ErrTooManyInterfaces) {
		t.Fatalf("expected ErrTooManyInterfaces, got %v", err)
	}

	for i := 0; i < MaxAddresses; i++ {
		if err := doc.AddAddress("tap0", fmt.Sprintf("10.0.0.%d/24", i+1)); err != nil {
			t.Fatalf("add address %d: %v", i, err)
		}
	}
	if err := doc.AddAddress("tap0", "10.0.0.99/24"); !errors.Is(err, ErrTooManyAddresses) {
		t.Fatalf("expected ErrTooManyAddresses, got %v", err)
	}
	if err := doc.AddAddress("missing", "10.0.0.1/24"); !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("expected ErrUnknownInterface, got %v", err)
	}

	for i := 0; i < MaxRoutes; i++ {
		if err := doc.AddRoute(Route{Destination: fmt.Sprintf("10.%d.0.0/16", i), Gateway: "10.0.0.1"}); err != nil {
			t.Fatalf("add route %d: %v", i, err)
		}
	}
	if err := doc.AddRoute(Route{Destination: "0.0.0.0/0"}); !errors.Is(err, ErrTooManyRoutes) {
		t.Fatalf("expected ErrTooManyRoutes, got %v", err)
	}
}

func TestDocumentRejectsInvalidEntries(t *testing.T) {
	doc := &Document{}
	if err := doc.AddInterface(Interface{Name: " "}); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if err := doc.AddInterface(Interface{Name: "x", Type: "vlan"}); err == nil {
		t.Fatal("expected unknown type to fail")
	}
	if err := doc.AddInterface(Interface{Name: "x", Operation: "replace"}); err == nil {
		t.Fatal("expected unknown operation to fail")
	}
	if err := doc.AddInterface(Interface{Name: "x", Addresses: []Address{{Prefix: "10.0.0.1"}}}); err == nil {
		t.Fatal("expected address without length to fail")
	}
	if err := doc.AddRoute(Route{Destination: "10.0.0.0/8", Gateway: "not-an-ip"}); err == nil {
		t.Fatal("expected invalid gateway to fail")
	}
	if len(doc.Interfaces) != 0 || len(doc.Routes) != 0 {
		t.Fatalf("rejected entries must not be added: %+v", doc)
	}
}

func TestRenderDocument(t *testing.T) {
	doc := &Document{}
	if err := doc.AddInterface(Interface{Name: "bridge_lan", Type: TypeBridge, Enabled: true, FIB: FIB(5)}); err != nil {
		t.Fatalf("add bridge: %v", err)
	}
	if err := doc.AddInterface(Interface{Name: "em0", Enabled: true, MemberOf: "bridge_lan"}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := doc.AddAddress("bridge_lan", "fd00::1/64"); err != nil {
		t.Fatalf("add address: %v", err)
	}
	if err := doc.AddInterface(Interface{Name: "tap9", Type: TypeTap, Operation: OperationDelete}); err != nil {
		t.Fatalf("add delete: %v", err)
	}
	if err := doc.AddRoute(Route{Destination: "0.0.0.0/0", Gateway: "192.0.2.1", FIB: 5, Description: "a<b"}); err != nil {
		t.Fatalf("add route: %v", err)
	}

	out, err := doc.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		`<config xmlns="urn:netd:simple">`,
		"<name>bridge_lan</name>",
		"<type>bridge</type>",
		"<fib>5</fib>",
		"<member-of>bridge_lan</member-of>",
		"<ip>fd00::1/64</ip>",
		"<family>ipv6</family>",
		`<interface operation="delete">`,
		"<gateway>192.0.2.1</gateway>",
		"<description>a&lt;b</description>",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered document missing %q:\n%s", want, text)
		}
	}
	if strings.Count(text, "<fib>") != 2 {
		t.Fatalf("expected fib only on the bridge and the route:\n%s", text)
	}

	parsed, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Interfaces) != 3 || len(parsed.Routes) != 1 {
		t.Fatalf("unexpected parsed document %+v", parsed)
	}
	bridge := parsed.Interfaces[0]
	if bridge.FIB == nil || *bridge.FIB != 5 || !bridge.Enabled || bridge.Addresses[0].Family != FamilyIPv6 {
		t.Fatalf("unexpected bridge entry %+v", bridge)
	}
	if parsed.Interfaces[1].FIB != nil || parsed.Interfaces[1].Operation != OperationMerge {
		t.Fatalf("unexpected member entry %+v", parsed.Interfaces[1])
	}
	if parsed.Interfaces[2].Operation != OperationDelete {
		t.Fatalf("expected delete operation, got %+v", parsed.Interfaces[2])
	}
	if parsed.Routes[0].Description != "a<b" {
		t.Fatalf("unexpected route %+v", parsed.Routes[0])
	}
}

func TestRenderEmptyDocument(t *testing.T) {
	out, err := (&Document{}).Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	parsed, err := Parse(out)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(parsed.Interfaces) != 0 || len(parsed.Routes) != 0 {
		t.Fatalf("expected empty document, got %+v", parsed)
	}
}

func TestRenderOverflowProducesNoOutput(t *testing.T) {
	doc := &Document{}
	long := strings.Repeat("x", 2000)
	for i := 0; i < MaxInterfaces; i++ {
		if err := doc.AddInterface(Interface{Name: fmt.Sprintf("%s%d", long, i)}); err != nil {
			t.Fatalf("add interface: %v", err)
		}
	}
	out, err := doc.Render()
	if !errors.Is(err, ErrRenderOverflow) {
		t.Fatalf("expected ErrRenderOverflow, got %v", err)
	}
	if out != nil {
		t.Fatalf("overflowing render must not return partial output")
	}

	small := &Document{}
	if err := small.AddInterface(Interface{Name: "tap0"}); err != nil {
		t.Fatalf("add interface: %v", err)
	}
	if _, err := small.render(64); !errors.Is(err, ErrRenderOverflow) {
		t.Fatalf("expected overflow with tiny capacity, got %v", err)
	}
}

func TestParseRejectsForeignNamespace(t *testing.T) {
	if _, err := Parse([]byte(`<config xmlns="urn:other"></config>`)); err == nil {
		t.Fatal("expected namespace mismatch to fail")
	}
}

func TestParseAppliesBounds(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<config xmlns="urn:netd:simple"><interfaces>`)
	for i := 0; i <= MaxInterfaces; i++ {
		fmt.Fprintf(&b, "<interface><name>tap%d</name></interface>", i)
	}
	b.WriteString("</interfaces></config>")
	if _, err := Parse([]byte(b.String())); !errors.Is(err, ErrTooManyInterfaces) {
		t.Fatalf("expected ErrTooManyInterfaces, got %v", err)
	}
}

func TestRenderWithdrawals(t *testing.T) {
	doc := &Document{}
	if err := doc.Release("em0"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := doc.Attach("em1", "bridge_lan"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := doc.WithdrawAddress("bridge_lan", "10.0.0.1/24"); err != nil {
		t.Fatalf("withdraw address: %v", err)
	}
	if err := doc.AssignAddress("bridge_lan", "10.0.1.1/24"); err != nil {
		t.Fatalf("assign address: %v", err)
	}
	if err := doc.WithdrawRoute(Route{Destination: "0.0.0.0/0", Gateway: "10.0.0.254", FIB: 2}); err != nil {
		t.Fatalf("withdraw route: %v", err)
	}
	if err := doc.AddRoute(Route{Destination: "0.0.0.0/0", Gateway: "10.0.1.254", FIB: 2}); err != nil {
		t.Fatalf("add route: %v", err)
	}

	out, err := doc.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{`<address operation="delete">`, `<route operation="delete">`} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("rendered document missing %q:\n%s", want, out)
		}
	}

	parsed, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Interfaces) != 3 {
		t.Fatalf("assign and withdraw should share one bridge entry, got %+v", parsed.Interfaces)
	}
	if parsed.Interfaces[0].Operation != OperationDelete || parsed.Interfaces[0].Type != TypeExisting {
		t.Fatalf("expected a release entry, got %+v", parsed.Interfaces[0])
	}
	addrs := parsed.Interfaces[2].Addresses
	if len(addrs) != 2 || addrs[0].Operation != OperationDelete || addrs[1].Operation != OperationMerge || addrs[1].Prefix != "10.0.1.1/24" {
		t.Fatalf("unexpected addresses %+v", addrs)
	}
	if parsed.Routes[0].Operation != OperationDelete || parsed.Routes[1].Operation != OperationMerge {
		t.Fatalf("unexpected route operations %+v", parsed.Routes)
	}
}

func TestMoveToFIBSharesOneDocument(t *testing.T) {
	doc := &Document{}
	if err := doc.MoveToFIB(9, "bridge_lan", "tap0", "tap1"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(doc.Interfaces) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(doc.Interfaces))
	}
	for _, iface := range doc.Interfaces {
		if iface.FIB == nil || *iface.FIB != 9 || !iface.Enabled {
			t.Fatalf("unexpected entry %+v", iface)
		}
	}
	if err := doc.AddRoute(Route{Destination: "0.0.0.0/0", Operation: "replace"}); err == nil {
		t.Fatal("expected unknown route operation to fail")
	}
}
