// Package metrics exposes collector counters and gauges in Prometheus
// format. Everything is registered on a dedicated registry so tests can
// create isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dln-backfill/internal/parser"
	"dln-backfill/internal/rpcpool"
)

type Metrics struct {
	registry *prometheus.Registry

	OrdersTotal      *prometheus.GaugeVec
	ParseOutcomes    *prometheus.GaugeVec
	PoolRequests     *prometheus.GaugeVec
	PoolFailures     *prometheus.GaugeVec
	CircuitState     *prometheus.GaugeVec
	EndpointRPS      *prometheus.GaugeVec
	EndpointLatency  *prometheus.GaugeVec
	ConnectedClients prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_orders_total",
			Help: "Stored order events by type.",
		}, []string{"event_type"}),
		ParseOutcomes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_parse_outcomes_total",
			Help: "Parse outcomes since process start.",
		}, []string{"outcome"}),
		PoolRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_rpc_requests_total",
			Help: "RPC requests dispatched per endpoint.",
		}, []string{"endpoint"}),
		PoolFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_rpc_failures_total",
			Help: "RPC failures per endpoint.",
		}, []string{"endpoint"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_rpc_circuit_state",
			Help: "Circuit breaker state per endpoint: 0 closed, 0.5 half-open, 1 open.",
		}, []string{"endpoint"}),
		EndpointRPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_rpc_requests_per_second",
			Help: "Requests in the trailing second per endpoint.",
		}, []string{"endpoint"}),
		EndpointLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dln_rpc_latency_ms",
			Help: "Rolling average request latency per endpoint in milliseconds.",
		}, []string{"endpoint"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dln_push_connected_clients",
			Help: "Clients currently connected to the push fan-out.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersTotal, m.ParseOutcomes,
		m.PoolRequests, m.PoolFailures, m.CircuitState,
		m.EndpointRPS, m.EndpointLatency,
		m.ConnectedClients,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePool copies a pool snapshot into the per-endpoint gauges.
func (m *Metrics) ObservePool(stats rpcpool.Stats) {
	for _, ep := range stats.Endpoints {
		m.PoolRequests.WithLabelValues(ep.Name).Set(float64(ep.Requests))
		m.PoolFailures.WithLabelValues(ep.Name).Set(float64(ep.Failures))
		m.EndpointRPS.WithLabelValues(ep.Name).Set(ep.CurrentRPS)
		m.EndpointLatency.WithLabelValues(ep.Name).Set(ep.AvgLatencyMs)
		switch ep.CircuitState {
		case "half-open":
			m.CircuitState.WithLabelValues(ep.Name).Set(0.5)
		case "open":
			m.CircuitState.WithLabelValues(ep.Name).Set(1)
		default:
			m.CircuitState.WithLabelValues(ep.Name).Set(0)
		}
	}
}

// ObserveParse copies the parse counters.
func (m *Metrics) ObserveParse(snap parser.StatsSnapshot) {
	m.ParseOutcomes.WithLabelValues("success").Set(float64(snap.Success))
	m.ParseOutcomes.WithLabelValues("failed").Set(float64(snap.Failed))
	m.ParseOutcomes.WithLabelValues("no_events").Set(float64(snap.NoEvents))
}

// ObserveOrders copies the stored order counts.
func (m *Metrics) ObserveOrders(created, fulfilled uint64) {
	m.OrdersTotal.WithLabelValues("created").Set(float64(created))
	m.OrdersTotal.WithLabelValues("fulfilled").Set(float64(fulfilled))
}
