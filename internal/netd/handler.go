// Package netd is a reference network daemon. It accepts configuration
// documents on a unix socket and realises them on the host.
package netd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cochaviz/hvd/internal/command"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/netconf"
)

// Applier realises a parsed document.
type Applier interface {
	Apply(ctx context.Context, doc *netconf.Document) error
}

// Handler turns request frames into documents and applies them. Documents
// are applied one at a time.
type Handler struct {
	Applier Applier
	Logger  *slog.Logger

	mu sync.Mutex
}

// NewHandler returns a handler that applies documents through applier.
func NewHandler(applier Applier, logger *slog.Logger) *Handler {
	return &Handler{
		Applier: applier,
		Logger:  logging.Ensure(logger).With("component", "netd"),
	}
}

// Execute parses and applies one document. The response text starts with
// OK or ERROR.
func (h *Handler) Execute(ctx context.Context, payload string) command.Response {
	logger := logging.FromContext(ctx, h.Logger)
	doc, err := netconf.Parse([]byte(payload))
	if err != nil {
		logger.Warn("rejected document", "error", err)
		return command.Response{Text: "ERROR: " + err.Error()}
	}
	if len(doc.Interfaces) == 0 && len(doc.Routes) == 0 {
		return command.Response{OK: true, Text: "OK"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Applier.Apply(ctx, doc); err != nil {
		logger.Error("failed to apply document", "error", err)
		return command.Response{Text: "ERROR: " + err.Error()}
	}
	logger.Info("document applied", "interfaces", summarize(doc), "routes", len(doc.Routes))
	return command.Response{OK: true, Text: fmt.Sprintf("OK: applied %d interfaces, %d routes", len(doc.Interfaces), len(doc.Routes))}
}

func summarize(doc *netconf.Document) string {
	names := make([]string, 0, len(doc.Interfaces))
	for _, iface := range doc.Interfaces {
		name := iface.Name
		if iface.Operation == netconf.OperationDelete {
			name = "-" + name
		}
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// LogApplier only logs documents. It backs --dry-run.
type LogApplier struct {
	Logger *slog.Logger
}

func (a LogApplier) Apply(ctx context.Context, doc *netconf.Document) error {
	logger := logging.FromContext(ctx, a.Logger)
	for _, iface := range doc.Interfaces {
		attrs := []any{"interface", iface.Name, "type", string(iface.Type), "operation", string(iface.Operation), "enabled", iface.Enabled}
		if iface.FIB != nil {
			attrs = append(attrs, "fib", *iface.FIB)
		}
		if iface.MemberOf != "" {
			attrs = append(attrs, "member_of", iface.MemberOf)
		}
		for _, addr := range iface.Addresses {
			if addr.Operation == netconf.OperationDelete {
				attrs = append(attrs, "withdraw_address", addr.Prefix)
				continue
			}
			attrs = append(attrs, "address", addr.Prefix)
		}
		logger.Info("dry run interface", attrs...)
	}
	for _, route := range doc.Routes {
		logger.Info("dry run route", "destination", route.Destination, "gateway", route.Gateway, "fib", route.FIB, "operation", string(route.Operation))
	}
	return nil
}
