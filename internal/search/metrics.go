package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"revsynth/internal/model"
)

// Metrics exposes search progress as prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	rounds          prometheus.Counter
	roundDuration   prometheus.Histogram
	generated       *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	pruned          *prometheus.CounterVec
	scoringFailures *prometheus.CounterVec
	frontier        *prometheus.GaugeVec
	level           *prometheus.GaugeVec
}

// NewMetrics registers the search collectors on reg. It panics if called
// twice with the same registry; share the result across searches instead.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "rounds_total",
			Help:      "Completed meet-in-the-middle rounds.",
		}),
		roundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "round_duration_seconds",
			Help:      "Wall time of one round, both directions included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		generated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "nodes_generated_total",
			Help:      "Successor rows inserted before deduplication.",
		}, []string{"direction"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "duplicates_removed_total",
			Help:      "Rows removed by per-state deduplication.",
		}, []string{"direction"}),
		pruned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "nodes_pruned_total",
			Help:      "Rows dropped when old levels are discarded.",
		}, []string{"direction"}),
		scoringFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "scoring_failures_total",
			Help:      "Successors skipped because their spectrum could not be computed.",
		}, []string{"direction"}),
		frontier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "frontier_size",
			Help:      "Rows on the newest level after deduplication.",
		}, []string{"direction"}),
		level: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "revsynth",
			Subsystem: "search",
			Name:      "level",
			Help:      "Newest level produced by each direction.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) observeRound(seconds float64) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(seconds)
}

func (m *Metrics) observeLevel(dir model.Direction, s LevelStats) {
	if m == nil {
		return
	}
	label := string(dir)
	m.generated.WithLabelValues(label).Add(float64(s.Generated))
	m.duplicates.WithLabelValues(label).Add(float64(s.Duplicates))
	m.pruned.WithLabelValues(label).Add(float64(s.Pruned))
	m.frontier.WithLabelValues(label).Set(float64(s.Frontier))
	m.level.WithLabelValues(label).Set(float64(s.Level))
}

func (m *Metrics) scoringFailed(dir model.Direction, n int) {
	if m == nil || n == 0 {
		return
	}
	m.scoringFailures.WithLabelValues(string(dir)).Add(float64(n))
}
