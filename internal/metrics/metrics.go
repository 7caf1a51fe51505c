// Package metrics exposes Prometheus metrics for the key-management
// protocols.
//
// Every method is safe on a nil *Metrics, so components can take an
// optional collector without guarding each call.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sealchat"

// Metrics holds the protocol collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	trustObservations *prometheus.CounterVec
	trustDecisions    *prometheus.CounterVec
	messagesDecoded   *prometheus.CounterVec
	roomKeyRotations  *prometheus.CounterVec
	distributeSeconds prometheus.Histogram
	keyShares         *prometheus.CounterVec
	migrations        *prometheus.CounterVec
	relayMessages     *prometheus.CounterVec
	relayDuplicates   prometheus.Counter
	relayConnected    prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		trustObservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "observations_total",
			Help:      "MasterKey observations by outcome",
		}, []string{"result"}),
		trustDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "explicit_decisions_total",
			Help:      "Explicit trust decisions by outcome",
		}, []string{"result"}),
		messagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "decoded_total",
			Help:      "Inbound messages by acceptance result or rejection reason",
		}, []string{"result"}),
		roomKeyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roomkey",
			Name:      "created_total",
			Help:      "Room keys created, by cause",
		}, []string{"cause"}),
		distributeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "roomkey",
			Name:      "distribute_seconds",
			Help:      "Time to seal a room key to every participant",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		keyShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyshare",
			Name:      "shares_total",
			Help:      "AccountKey shares by direction and outcome",
		}, []string{"direction", "result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "finished_total",
			Help:      "Migration sessions by role and terminal state",
		}, []string{"role", "state"}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Relay messages by kind and direction",
		}, []string{"kind", "direction"}),
		relayDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "duplicates_total",
			Help:      "Duplicate relay deliveries suppressed",
		}),
		relayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected",
			Help:      "Whether the relay connection is up",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.trustObservations,
		m.trustDecisions,
		m.messagesDecoded,
		m.roomKeyRotations,
		m.distributeSeconds,
		m.keyShares,
		m.migrations,
		m.relayMessages,
		m.relayDuplicates,
		m.relayConnected,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TrustObservation(result string) {
	if m != nil {
		m.trustObservations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) TrustDecision(result string) {
	if m != nil {
		m.trustDecisions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) MessageDecoded(result string) {
	if m != nil {
		m.messagesDecoded.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RoomKeyCreated(cause string) {
	if m != nil {
		m.roomKeyRotations.WithLabelValues(cause).Inc()
	}
}

// ObserveDistribution records how long one distribution took.
func (m *Metrics) ObserveDistribution(d time.Duration) {
	if m != nil {
		m.distributeSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) KeyShare(direction, result string) {
	if m != nil {
		m.keyShares.WithLabelValues(direction, result).Inc()
	}
}

func (m *Metrics) MigrationFinished(role, state string) {
	if m != nil {
		m.migrations.WithLabelValues(role, state).Inc()
	}
}

func (m *Metrics) RelayMessage(kind, direction string) {
	if m != nil {
		m.relayMessages.WithLabelValues(kind, direction).Inc()
	}
}

func (m *Metrics) RelayDuplicate() {
	if m != nil {
		m.relayDuplicates.Inc()
	}
}

func (m *Metrics) RelayConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.relayConnected.Set(1)
	} else {
		m.relayConnected.Set(0)
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
