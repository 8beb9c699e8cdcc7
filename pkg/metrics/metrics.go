package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metrics, registered on the default registry through promauto.

var (
	// ForwardDuration measures one forward pass over a batch, labeled by model type.
	ForwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pfgnn_forward_duration_seconds",
			Help: "Duration of model forward passes in seconds",
			// From a single small event up to large padded batches.
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)

	// ForwardErrors counts forward passes that returned an error.
	ForwardErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfgnn_forward_errors_total",
			Help: "Total number of failed forward passes",
		},
		[]string{"model"},
	)

	// GraphEdgesTotal counts edges produced by the graph builders.
	GraphEdgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfgnn_graph_edges_total",
			Help: "Total number of graph edges built",
		},
		[]string{"builder"},
	)

	// GraphBins tracks the number of LSH bins used by the most recent event.
	GraphBins = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pfgnn_graph_bins",
			Help: "Number of LSH bins per event in the last graph build",
		},
		[]string{"builder"},
	)

	// MaskedFraction observes the share of padded elements per event.
	MaskedFraction = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pfgnn_masked_element_fraction",
			Help:    "Fraction of padded elements per event",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)
