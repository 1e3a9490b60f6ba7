package netd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/netconf"
)

// linkHandle is the subset of *netlink.Handle used by LinkApplier.
type linkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	LinkSetMaster(link, master netlink.Link) error
	LinkSetNoMaster(link netlink.Link) error
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	Close()
}

// LinkApplier realises documents with netlink. A forwarding table (FIB) is
// represented by a VRF device named vrf<id> bound to routing table <id>.
// FIB 0 is the main table.
type LinkApplier struct {
	Logger *slog.Logger

	handle linkHandle
	ns     netns.NsHandle
}

// NewLinkApplier opens a netlink handle in the named network namespace, or
// in the current namespace when namespace is empty.
func NewLinkApplier(namespace string, logger *slog.Logger) (*LinkApplier, error) {
	applier := &LinkApplier{
		Logger: logging.Ensure(logger).With("component", "netd.link"),
		ns:     netns.None(),
	}
	if namespace == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("netlink handle: %w", err)
		}
		applier.handle = handle
		return applier, nil
	}
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, fmt.Errorf("get netns %s: %w", namespace, err)
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, fmt.Errorf("handle for ns %s: %w", namespace, err)
	}
	applier.handle = handle
	applier.ns = ns
	return applier, nil
}

// Close releases the netlink handle and namespace.
func (a *LinkApplier) Close() error {
	a.handle.Close()
	if a.ns.IsOpen() {
		return a.ns.Close()
	}
	return nil
}

func (a *LinkApplier) Apply(ctx context.Context, doc *netconf.Document) error {
	for _, iface := range doc.Interfaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if iface.Operation == netconf.OperationDelete {
			err = a.remove(iface)
		} else {
			err = a.configure(iface)
		}
		if err != nil {
			return err
		}
	}
	for _, route := range doc.Routes {
		if err := a.route(route); err != nil {
			return err
		}
	}
	return nil
}

func (a *LinkApplier) remove(iface netconf.Interface) error {
	link, err := a.handle.LinkByName(iface.Name)
	if err != nil {
		if isLinkNotFound(err) {
			a.Logger.Debug("link already absent", "link", iface.Name)
			return nil
		}
		return fmt.Errorf("lookup %s: %w", iface.Name, err)
	}
	if iface.Type == netconf.TypeExisting {
		if err := a.handle.LinkSetNoMaster(link); err != nil && !isLinkNotFound(err) {
			return fmt.Errorf("release %s: %w", iface.Name, err)
		}
		a.Logger.Info("link released", "link", iface.Name)
		return nil
	}
	if err := a.handle.LinkSetDown(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("set %s down: %w", iface.Name, err)
	}
	if err := a.handle.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("delete %s: %w", iface.Name, err)
	}
	a.Logger.Info("link deleted", "link", iface.Name)
	return nil
}

func (a *LinkApplier) configure(iface netconf.Interface) error {
	link, err := a.ensureLink(iface.Name, iface.Type)
	if err != nil {
		return err
	}

	// A bridge port inherits the FIB of its bridge, so membership takes
	// precedence over a VRF master.
	switch {
	case iface.MemberOf != "":
		bridge, err := a.handle.LinkByName(iface.MemberOf)
		if err != nil {
			return fmt.Errorf("lookup bridge %s: %w", iface.MemberOf, err)
		}
		if err := a.handle.LinkSetMaster(link, bridge); err != nil && !errors.Is(err, unix.EEXIST) && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("enslave %s to %s: %w", iface.Name, iface.MemberOf, err)
		}
	case iface.FIB != nil && a.isBridgePort(link):
		a.Logger.Debug("bridge port follows its bridge fib", "link", iface.Name)
	case iface.FIB != nil && *iface.FIB == 0:
		if err := a.handle.LinkSetNoMaster(link); err != nil {
			return fmt.Errorf("release %s to the main table: %w", iface.Name, err)
		}
	case iface.FIB != nil:
		vrf, err := a.ensureVRF(*iface.FIB)
		if err != nil {
			return err
		}
		if err := a.handle.LinkSetMaster(link, vrf); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("move %s to fib %d: %w", iface.Name, *iface.FIB, err)
		}
	}

	for _, address := range iface.Addresses {
		addr, err := netlink.ParseAddr(address.Prefix)
		if err != nil {
			return fmt.Errorf("parse address %s: %w", address.Prefix, err)
		}
		if address.Operation == netconf.OperationDelete {
			if err := a.handle.AddrDel(link, addr); err != nil && !isAbsent(err) {
				return fmt.Errorf("remove %s from %s: %w", address.Prefix, iface.Name, err)
			}
			continue
		}
		if err := a.handle.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("add %s to %s: %w", address.Prefix, iface.Name, err)
		}
	}

	if iface.Enabled {
		err = a.handle.LinkSetUp(link)
	} else {
		err = a.handle.LinkSetDown(link)
	}
	if err != nil {
		return fmt.Errorf("set %s state: %w", iface.Name, err)
	}
	a.Logger.Info("link configured", "link", iface.Name, "type", string(iface.Type), "enabled", iface.Enabled)
	return nil
}

func (a *LinkApplier) isBridgePort(link netlink.Link) bool {
	index := link.Attrs().MasterIndex
	if index == 0 {
		return false
	}
	master, err := a.handle.LinkByIndex(index)
	return err == nil && master.Type() == "bridge"
}

func (a *LinkApplier) ensureLink(name string, typ netconf.InterfaceType) (netlink.Link, error) {
	link, err := a.handle.LinkByName(name)
	if err == nil {
		return link, nil
	}
	if !isLinkNotFound(err) {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}

	attrs := netlink.LinkAttrs{Name: name}
	switch typ {
	case netconf.TypeBridge:
		link = &netlink.Bridge{LinkAttrs: attrs}
	case netconf.TypeTap:
		link = &netlink.Tuntap{LinkAttrs: attrs, Mode: netlink.TUNTAP_MODE_TAP}
	default:
		return nil, fmt.Errorf("interface %s: %w", name, os.ErrNotExist)
	}
	if err := a.handle.LinkAdd(link); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("create %s %s: %w", typ, name, err)
	}
	return a.handle.LinkByName(name)
}

func vrfName(fib uint32) string {
	return "vrf" + strconv.FormatUint(uint64(fib), 10)
}

func (a *LinkApplier) ensureVRF(fib uint32) (netlink.Link, error) {
	name := vrfName(fib)
	link, err := a.handle.LinkByName(name)
	if err == nil {
		return link, nil
	}
	if !isLinkNotFound(err) {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	vrf := &netlink.Vrf{LinkAttrs: netlink.LinkAttrs{Name: name}, Table: fib}
	if err := a.handle.LinkAdd(vrf); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	link, err = a.handle.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := a.handle.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("bring %s up: %w", name, err)
	}
	return link, nil
}

func (a *LinkApplier) route(route netconf.Route) error {
	_, dst, err := net.ParseCIDR(route.Destination)
	if err != nil {
		return fmt.Errorf("parse destination %s: %w", route.Destination, err)
	}
	r := &netlink.Route{Dst: dst, Table: unix.RT_TABLE_MAIN}
	if route.FIB != 0 {
		r.Table = int(route.FIB)
	}
	if route.Gateway != "" {
		r.Gw = net.ParseIP(route.Gateway)
		if r.Gw == nil {
			return fmt.Errorf("invalid gateway %s", route.Gateway)
		}
	}
	if route.Operation == netconf.OperationDelete {
		if err := a.handle.RouteDel(r); err != nil && !isAbsent(err) {
			return fmt.Errorf("withdraw route %s via %s: %w", route.Destination, route.Gateway, err)
		}
		a.Logger.Info("route withdrawn", "destination", route.Destination, "gateway", route.Gateway, "table", r.Table)
		return nil
	}
	if err := a.handle.RouteReplace(r); err != nil {
		return fmt.Errorf("route %s via %s: %w", route.Destination, route.Gateway, err)
	}
	a.Logger.Info("route installed", "destination", route.Destination, "gateway", route.Gateway, "table", r.Table)
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

// isAbsent reports a deletion of an address or route that is already gone.
func isAbsent(err error) bool {
	return errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENOENT)
}
