package netconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/wire"
)

// DefaultSocketPath is where netd listens by default.
const DefaultSocketPath = "/var/run/netd.sock"

// ErrRejected is returned when netd answers with an error response.
var ErrRejected = errors.New("netd rejected configuration")

// Observer receives the outcome of every exchange.
type Observer interface {
	ObserveNetdExchange(ok bool, elapsed time.Duration)
}

// Client talks to netd over its unix socket. Each exchange uses a fresh
// connection. A zero Timeout leaves the exchange without a deadline.
type Client struct {
	SocketPath string
	Timeout    time.Duration
	Logger     *slog.Logger
	Observer   Observer
}

// NewClient returns a client for the given socket path.
func NewClient(socketPath string, logger *slog.Logger) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		SocketPath: socketPath,
		Logger:     logging.Ensure(logger).With("component", "netconf"),
	}
}

func (c *Client) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// Exchange renders the document, sends it and returns netd's response text.
func (c *Client) Exchange(ctx context.Context, doc *Document) (string, error) {
	start := time.Now()
	response, err := c.exchange(ctx, doc)
	if c.Observer != nil {
		c.Observer.ObserveNetdExchange(err == nil, time.Since(start))
	}
	if err != nil {
		c.logger().Debug("netd exchange failed", "socket", c.SocketPath, "error", err)
		return "", err
	}
	return response, nil
}

func (c *Client) exchange(ctx context.Context, doc *Document) (string, error) {
	payload, err := doc.Render()
	if err != nil {
		return "", err
	}

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return "", fmt.Errorf("connect to netd: %w", err)
	}
	defer conn.Close()
	if c.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return "", fmt.Errorf("set netd deadline: %w", err)
		}
	}

	if err := wire.WriteFrame(conn, payload); err != nil {
		return "", fmt.Errorf("send document: %w", err)
	}
	reply, err := wire.ReadFrame(conn, wire.MaxResponseSize)
	if err != nil {
		return "", fmt.Errorf("read netd response: %w", err)
	}
	text := strings.TrimSpace(string(reply))
	if strings.HasPrefix(text, "ERROR") {
		return text, fmt.Errorf("%w: %s", ErrRejected, text)
	}
	return text, nil
}

// Apply sends doc to netd in one exchange. action names the change in errors.
func (c *Client) Apply(ctx context.Context, action string, doc *Document) error {
	if _, err := c.Exchange(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

// CheckAvailability reports whether netd is reachable. The socket must exist
// and accept an empty document.
func (c *Client) CheckAvailability(ctx context.Context) bool {
	if _, err := os.Stat(c.SocketPath); err != nil {
		c.logger().Warn("netd socket not present", "socket", c.SocketPath, "error", err)
		return false
	}
	if _, err := c.Exchange(ctx, &Document{}); err != nil {
		c.logger().Warn("netd not responding", "socket", c.SocketPath, "error", err)
		return false
	}
	return true
}

// ConfigureBridge creates and enables a bridge. The FIB is only set when
// nonzero. A physical interface, when given, is enslaved to the bridge.
func (c *Client) ConfigureBridge(ctx context.Context, bridge string, fib uint32, physical string) error {
	doc := &Document{}
	iface := Interface{Name: bridge, Type: TypeBridge, Operation: OperationMerge, Enabled: true}
	if fib != 0 {
		iface.FIB = FIB(fib)
	}
	if err := doc.AddInterface(iface); err != nil {
		return err
	}
	if physical != "" {
		if err := doc.AddInterface(Interface{Name: physical, Operation: OperationMerge, Enabled: true, MemberOf: bridge}); err != nil {
			return err
		}
	}
	return c.Apply(ctx, "configure bridge "+bridge, doc)
}

// RemoveBridge deletes a bridge.
func (c *Client) RemoveBridge(ctx context.Context, bridge string) error {
	doc := &Document{}
	if err := doc.AddInterface(Interface{Name: bridge, Type: TypeBridge, Operation: OperationDelete}); err != nil {
		return err
	}
	return c.Apply(ctx, "remove bridge "+bridge, doc)
}

// ConfigureTap creates a tap, places it in the bridge's FIB and enslaves it.
func (c *Client) ConfigureTap(ctx context.Context, tap, bridge string, fib uint32) error {
	doc := &Document{}
	iface := Interface{Name: tap, Type: TypeTap, Operation: OperationMerge, Enabled: true, MemberOf: bridge}
	if fib != 0 {
		iface.FIB = FIB(fib)
	}
	if err := doc.AddInterface(iface); err != nil {
		return err
	}
	return c.Apply(ctx, "configure tap "+tap, doc)
}

// RemoveTap disables and deletes a tap.
func (c *Client) RemoveTap(ctx context.Context, tap string) error {
	doc := &Document{}
	if err := doc.AddInterface(Interface{Name: tap, Type: TypeTap, Operation: OperationDelete}); err != nil {
		return err
	}
	return c.Apply(ctx, "remove tap "+tap, doc)
}

// SetInterfaceFIB moves existing interfaces into a forwarding table with a
// single document.
func (c *Client) SetInterfaceFIB(ctx context.Context, fib uint32, names ...string) error {
	doc := &Document{}
	if err := doc.MoveToFIB(fib, names...); err != nil {
		return err
	}
	return c.Apply(ctx, "set fib of "+strings.Join(names, ","), doc)
}

// AttachInterface enables an existing interface and enslaves it to a bridge.
func (c *Client) AttachInterface(ctx context.Context, name, bridge string) error {
	doc := &Document{}
	if err := doc.Attach(name, bridge); err != nil {
		return err
	}
	return c.Apply(ctx, "attach "+name+" to "+bridge, doc)
}

// AddInterfaceAddress assigns an address in prefix notation to an interface.
func (c *Client) AddInterfaceAddress(ctx context.Context, name, prefix string) error {
	doc := &Document{}
	if err := doc.AssignAddress(name, prefix); err != nil {
		return err
	}
	return c.Apply(ctx, "add address "+prefix+" to "+name, doc)
}

// AddStaticRoute installs a route in the given FIB.
func (c *Client) AddStaticRoute(ctx context.Context, destination, gateway string, fib uint32, description string) error {
	doc := &Document{}
	if err := doc.AddRoute(Route{Destination: destination, Gateway: gateway, FIB: fib, Description: description}); err != nil {
		return err
	}
	return c.Apply(ctx, "add route "+destination, doc)
}
