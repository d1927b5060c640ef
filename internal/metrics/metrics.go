package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the timeliner
type Metrics struct {
	VisitsTotal        prometheus.Counter
	VisitsSkippedTotal prometheus.Counter
	SessionsTotal      prometheus.Counter
	RuleMatchesTotal   prometheus.Counter
	RulesSkippedTotal  prometheus.Counter
	AnomaliesTotal     *prometheus.CounterVec
	PublishErrorsTotal prometheus.Counter
	AnalysisDuration   prometheus.Histogram
}

// NewMetrics registers all metrics on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		VisitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_visits_total",
			Help: "Total number of visits analyzed",
		}),
		VisitsSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_visits_skipped_total",
			Help: "Total number of visits skipped as invalid",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_sessions_total",
			Help: "Total number of sessions built",
		}),
		RuleMatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_rule_matches_total",
			Help: "Total number of rule matches",
		}),
		RulesSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_rules_skipped_total",
			Help: "Total number of rules rejected at load time",
		}),
		AnomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeliner_anomalies_total",
			Help: "Total number of anomalies by heuristic",
		}, []string{"heuristic"}),
		PublishErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeliner_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeliner_analysis_duration_seconds",
			Help:    "Wall time of one analysis run",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Run is the per-run tally recorded after an analysis
type Run struct {
	Visits       int
	Skipped      int
	Sessions     int
	RuleMatches  int
	RulesSkipped int
	Anomalies    map[string]int
	Duration     time.Duration
}

// ObserveRun records one analysis run. Safe on a nil receiver.
func (m *Metrics) ObserveRun(r Run) {
	if m == nil {
		return
	}
	m.VisitsTotal.Add(float64(r.Visits))
	m.VisitsSkippedTotal.Add(float64(r.Skipped))
	m.SessionsTotal.Add(float64(r.Sessions))
	m.RuleMatchesTotal.Add(float64(r.RuleMatches))
	m.RulesSkippedTotal.Add(float64(r.RulesSkipped))
	for heuristic, n := range r.Anomalies {
		m.AnomaliesTotal.WithLabelValues(heuristic).Add(float64(n))
	}
	m.AnalysisDuration.Observe(r.Duration.Seconds())
}

// IncrementPublishErrors increments the publish error counter. Safe on a nil receiver.
func (m *Metrics) IncrementPublishErrors() {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.Inc()
}
