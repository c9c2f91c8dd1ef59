// Package metrics exposes prometheus collectors for the wallet manager and the verifier.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgevideo.ai/edge-wallet/internal/wallet"
)

const namespace = "edge_wallet"

type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	nonces        prometheus.Counter
}

// New registers the collectors on a fresh registry together with the process and go collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "operations_total",
			Help:      "Wallet manager operations by outcome.",
		}, []string{"op", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "operation_duration_seconds",
			Help:      "Wallet manager operation latency, user interaction included.",
			Buckets:   []float64{.05, .25, 1, 5, 15, 30, 60, 180},
		}, []string{"op"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "verifications_total",
			Help:      "Ownership proofs checked by the verifier by outcome.",
		}, []string{"result"}),
		nonces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "nonces_issued_total",
			Help:      "Nonces handed out by the verifier.",
		}),
	}
	m.registry.MustRegister(
		m.operations, m.durations, m.verifications, m.nonces,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe has the wallet.Observer signature.
func (m *Metrics) Observe(op string, elapsed time.Duration, err error) {
	m.operations.WithLabelValues(op, wallet.Code(err)).Inc()
	m.durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) Verification(result string) {
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) NonceIssued() {
	m.nonces.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
