// Package metrics exposes Prometheus collectors reporting run activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runDuration      *prometheus.HistogramVec
	runFailures      *prometheus.CounterVec
	runsActive       prometheus.Gauge
	questionTimeouts prometheus.Counter
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when several sessions are constructed.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the provided registerer.
// Supply a fresh registry in tests. Registration errors other than
// AlreadyRegistered panic, surfacing configuration bugs early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crewhub",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of crew runs by terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	runFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewhub",
			Subsystem: "executor",
			Name:      "run_failures_total",
			Help:      "Total failed runs by failure kind.",
		},
		[]string{"kind"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crewhub",
			Subsystem: "executor",
			Name:      "runs_active",
			Help:      "Number of runs currently executing.",
		},
	)
	questionTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crewhub",
			Subsystem: "session",
			Name:      "question_timeouts_total",
			Help:      "Pending questions that expired unanswered.",
		},
	)

	for _, collector := range []prometheus.Collector{runDuration, runFailures, runsActive, questionTimeouts} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case runDuration:
					runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case runFailures:
					runFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case questionTimeouts:
					questionTimeouts = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runDuration:      runDuration,
		runFailures:      runFailures,
		runsActive:       runsActive,
		questionTimeouts: questionTimeouts,
	}
}

// ObserveRunDuration records a finished run with its terminal status label.
func (m *Metrics) ObserveRunDuration(status string, d time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// IncRunFailure counts a failed run by failure kind.
func (m *Metrics) IncRunFailure(kind string) {
	if m == nil || m.runFailures == nil {
		return
	}
	m.runFailures.WithLabelValues(kind).Inc()
}

// IncActiveRuns marks a run as in flight.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished or cancelled.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}

// IncQuestionTimeout counts a pending question that expired unanswered.
func (m *Metrics) IncQuestionTimeout() {
	if m == nil || m.questionTimeouts == nil {
		return
	}
	m.questionTimeouts.Inc()
}
