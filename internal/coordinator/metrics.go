package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DutyMetrics holds the Prometheus collectors of the coordination cycle.
// A nil *DutyMetrics records nothing.
type DutyMetrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	unassigned    prometheus.Gauge
	commands      *prometheus.CounterVec
	nodes         prometheus.Gauge
}

// NewDutyMetrics creates the cycle collectors and registers them with reg.
func NewDutyMetrics(reg prometheus.Registerer) *DutyMetrics {
	factory := promauto.With(reg)

	return &DutyMetrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "coordinator",
				Name:      "cycles_total",
				Help:      "Coordination cycles by outcome",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "strata",
				Subsystem: "coordinator",
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one coordination cycle",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		unassigned: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "coordinator",
				Name:      "unassigned_segments",
				Help:      "Announced segments no node serves, after the last cycle",
			},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "coordinator",
				Name:      "commands_total",
				Help:      "Load queue deliveries by operation and result",
			},
			[]string{"op", "result"},
		),
		nodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "coordinator",
				Name:      "nodes",
				Help:      "Registered storage nodes",
			},
		),
	}
}

func (m *DutyMetrics) cycle(stats CycleStats, err error, start time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(time.Since(start).Seconds())
	m.unassigned.Set(float64(stats.Unassigned))
	m.nodes.Set(float64(stats.Nodes))
	m.commands.WithLabelValues("load", "ok").Add(float64(stats.Loaded))
	m.commands.WithLabelValues("drop", "ok").Add(float64(stats.Dropped))
	m.commands.WithLabelValues("any", "retrying").Add(float64(stats.Retrying))
	m.commands.WithLabelValues("any", "failed").Add(float64(stats.Failed))
}
