// Package metrics exposes daemon counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cochaviz/hvd/internal/logging"
)

// Metrics holds the daemon collectors. A nil *Metrics discards observations.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	netdExchanges   *prometheus.CounterVec
	netdDuration    prometheus.Histogram
	connections     prometheus.Counter
	protocolErrors  prometheus.Counter
	transitions     *prometheus.CounterVec
}

// New registers the daemon collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hvd",
			Name:      "commands_total",
			Help:      "Commands executed, by verb and outcome.",
		}, []string{"verb", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hvd",
			Name:      "command_duration_seconds",
			Help:      "Command execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"verb"}),
		netdExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hvd",
			Name:      "netd_exchanges_total",
			Help:      "Configuration documents sent to netd, by outcome.",
		}, []string{"result"}),
		netdDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hvd",
			Name:      "netd_exchange_duration_seconds",
			Help:      "Round trip latency of netd exchanges.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hvd",
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hvd",
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of framing violations.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hvd",
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions, by entity kind and action.",
		}, []string{"kind", "action"}),
	}
	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.netdExchanges,
		m.netdDuration,
		m.connections,
		m.protocolErrors,
		m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveCommand records one executed command.
func (m *Metrics) ObserveCommand(verb string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb, result(ok)).Inc()
	m.commandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// ObserveNetdExchange records one netd round trip.
func (m *Metrics) ObserveNetdExchange(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.netdExchanges.WithLabelValues(result(ok)).Inc()
	m.netdDuration.Observe(elapsed.Seconds())
}

// ConnectionAccepted counts an accepted client connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ProtocolError counts a connection dropped for a framing violation.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// Transition counts a completed lifecycle transition.
func (m *Metrics) Transition(kind, action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, action).Inc()
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}
