// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the custom Prometheus metrics for the engine.
type Metrics struct {
	Registry *prometheus.Registry

	// ActiveCalls is the number of live Call aggregates.
	ActiveCalls prometheus.Gauge
	// TransactionsStarted counts launched client transactions by method.
	TransactionsStarted *prometheus.CounterVec
	// Retransmissions counts timer A/E request retransmits.
	Retransmissions prometheus.Counter
	// ForksStarted counts created forks.
	ForksStarted prometheus.Counter
	// AuthRetries counts authentication retry launches.
	AuthRetries prometheus.Counter
	// UpstreamReplies counts final responses sent upstream by class.
	UpstreamReplies *prometheus.CounterVec
}

// New initializes a registry with the Go runtime and process collectors
// plus the engine metrics, namespaced under ns.
func New(ns string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		PidFn:     func() (int, error) { return os.Getpid(), nil },
		Namespace: ns,
	}))

	m := &Metrics{
		Registry: reg,
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_calls",
			Help:      "Live call aggregates.",
		}),
		TransactionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transactions_started_total",
			Help:      "Client transactions launched, by method.",
		}, []string{"method"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retransmissions_total",
			Help:      "Request retransmits over unreliable transport.",
		}),
		ForksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "forks_started_total",
			Help:      "Forks created by the proxy router.",
		}),
		AuthRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "auth_retries_total",
			Help:      "Authentication retries launched.",
		}),
		UpstreamReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "upstream_replies_total",
			Help:      "Final responses sent upstream, by status class.",
		}, []string{"class"}),
	}
	reg.MustRegister(
		m.ActiveCalls,
		m.TransactionsStarted,
		m.Retransmissions,
		m.ForksStarted,
		m.AuthRetries,
		m.UpstreamReplies,
	)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
