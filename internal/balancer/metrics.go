package balancer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Placement results recorded by Metrics.
const (
	ResultPlaced     = "placed"
	ResultNoCapacity = "no_capacity"
	ResultInvalid    = "invalid"
	ResultError      = "error"
)

// Metrics holds the Prometheus collectors of the balancer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// placements counts FindHomeForSegment calls by result
	placements *prometheus.CounterVec

	// movesProposed counts moves yielded by ProposeMoves
	movesProposed prometheus.Counter

	// computeDuration tracks how long cost aggregation takes per operation
	computeDuration *prometheus.HistogramVec

	// clusterCost, normalization and normalizedCost mirror the last CostSummary
	clusterCost    prometheus.Gauge
	normalization  prometheus.Gauge
	normalizedCost prometheus.Gauge
}

// NewMetrics creates the balancer collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		placements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "placements_total",
				Help:      "Segment placement decisions by result",
			},
			[]string{"result"},
		),
		movesProposed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "moves_proposed_total",
				Help:      "Segment moves proposed by rebalancing",
			},
		),
		computeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "compute_duration_seconds",
				Help:      "Time spent aggregating segment costs",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"operation"},
		),
		clusterCost: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "cluster_cost",
				Help:      "Sum of pairwise segment costs across all nodes",
			},
		),
		normalization: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "cluster_cost_normalization",
				Help:      "Sum of segment self costs across all nodes",
			},
		),
		normalizedCost: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "balancer",
				Name:      "cluster_cost_normalized",
				Help:      "Cluster cost divided by its normalization",
			},
		),
	}
}

func (m *Metrics) placement(result string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(result).Inc()
}

func (m *Metrics) moveProposed() {
	if m == nil {
		return
	}
	m.movesProposed.Inc()
}

func (m *Metrics) observe(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.computeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) summary(s CostSummary) {
	if m == nil {
		return
	}
	m.clusterCost.Set(s.Total)
	m.normalization.Set(s.Normalization)
	m.normalizedCost.Set(s.Normalized)
}
