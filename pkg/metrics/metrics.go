// Package metrics exposes Prometheus instrumentation for the cycle
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CycleRuns counts completed cycles by outcome.
	CycleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimetra_cycle_runs_total",
		Help: "Completed collection cycles by outcome.",
	}, []string{"outcome"})

	// CycleDuration observes end-to-end cycle latency.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perimetra_cycle_duration_seconds",
		Help:    "End-to-end cycle duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// Changes counts emitted change records by entity kind and change type.
	Changes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimetra_changes_total",
		Help: "Change records appended to the ledger.",
	}, []string{"entity", "change"})

	// RejectedRecords counts collector records dropped at normalization.
	RejectedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimetra_rejected_records_total",
		Help: "Collector records rejected during normalization.",
	}, []string{"partition"})

	// DerivedEdges gauges the size of the current derived edge set.
	DerivedEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perimetra_derived_edges",
		Help: "Derived abuse-capability edges after the latest pass.",
	})

	// GraphNodes and GraphEdges gauge the projected graph size.
	GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perimetra_graph_nodes",
		Help: "Active nodes in the projected graph.",
	})
	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perimetra_graph_edges",
		Help: "Active edges in the projected graph.",
	})

	// DeferredEdges gauges dangling derived edges awaiting their endpoints.
	DeferredEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perimetra_deferred_edges",
		Help: "Projected edges deferred on a missing endpoint.",
	})

	// TraversalTruncations counts bounded traversals cut short.
	TraversalTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perimetra_traversal_truncations_total",
		Help: "Traversals truncated by depth, budget or timeout.",
	}, []string{"template"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
