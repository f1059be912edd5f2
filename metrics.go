package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics.
var (
	panelPower = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_power_watts",
			Help: "Net panel power in watts (grid power minus feed-through)",
		},
		[]string{"panel"},
	)

	panelBreakers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_breakers",
			Help: "Number of breakers by relay state",
		},
		[]string{"panel", "state"},
	)

	panelCircuits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_circuits",
			Help: "Number of circuits in the last circuits listing",
		},
		[]string{"panel"},
	)

	panelDoorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_door_state",
			Help: "Panel door state (0=unknown, 1=closed, 2=open)",
		},
		[]string{"panel"},
	)

	breakerPower = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_breaker_power_watts",
			Help: "Breaker power magnitude in watts",
		},
		[]string{"panel", "breaker"},
	)

	breakerRelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_breaker_relay_state",
			Help: "Breaker relay state (0=unknown, 1=open, 2=closed)",
		},
		[]string{"panel", "breaker"},
	)

	circuitPower = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_circuit_power_watts",
			Help: "Circuit power magnitude in watts",
		},
		[]string{"panel", "circuit", "name"},
	)

	circuitRelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_circuit_relay_state",
			Help: "Circuit relay state (0=unknown, 1=open, 2=closed)",
		},
		[]string{"panel", "circuit", "name"},
	)

	circuitPriority = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_circuit_priority",
			Help: "Circuit priority (0=unknown, 1=non essential, 2=nice to have, 3=must have)",
		},
		[]string{"panel", "circuit", "name"},
	)

	connectionFailure = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_connection_failure",
			Help: "1 if the last request to the endpoint failed, 0 if successful",
		},
		[]string{"panel", "endpoint"},
	)

	lastRefreshTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "span_panel_last_refresh_timestamp_seconds",
			Help: "Unix timestamp of the last successful panel refresh",
		},
		[]string{"panel"},
	)

	childUpdateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "span_child_update_failures_total",
			Help: "Breaker or circuit updates that failed and were skipped",
		},
		[]string{"panel", "kind"},
	)

	skippedPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "span_skipped_polls_total",
			Help: "Ticks dropped because the previous poll was still running",
		},
		[]string{"panel"},
	)
)

func createPrometheusRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(panelPower)
	registry.MustRegister(panelBreakers)
	registry.MustRegister(panelCircuits)
	registry.MustRegister(panelDoorState)
	registry.MustRegister(breakerPower)
	registry.MustRegister(breakerRelay)
	registry.MustRegister(circuitPower)
	registry.MustRegister(circuitRelay)
	registry.MustRegister(circuitPriority)
	registry.MustRegister(connectionFailure)
	registry.MustRegister(lastRefreshTimestamp)
	registry.MustRegister(childUpdateFailures)
	registry.MustRegister(skippedPolls)
	return registry
}

func createMetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// forgetPanelMetrics drops every series labelled with panel.
func forgetPanelMetrics(panel string) {
	labels := prometheus.Labels{"panel": panel}
	for _, vec := range []*prometheus.GaugeVec{
		panelPower, panelBreakers, panelCircuits, panelDoorState,
		breakerPower, breakerRelay, circuitPower, circuitRelay, circuitPriority,
		connectionFailure, lastRefreshTimestamp,
	} {
		vec.DeletePartialMatch(labels)
	}
}

// forgetCircuitMetrics drops every series of one circuit, so a renamed
// circuit does not leave the old name behind.
func forgetCircuitMetrics(panel, circuitID string) {
	labels := prometheus.Labels{"panel": panel, "circuit": circuitID}
	for _, vec := range []*prometheus.GaugeVec{circuitPower, circuitRelay, circuitPriority} {
		vec.DeletePartialMatch(labels)
	}
}
