// Package metrics records stream and run statistics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/saltfish/trainstream/internal/domain"
)

// Recorder receives stream and run statistics.
type Recorder interface {
	RecordDecoded(n int)
	RecordDropped(reason string, n int)
	RecordEvent(t domain.EventType)
	RunStarted()
	RunFinished(outcome string, elapsed time.Duration)
}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	recordsDecoded prometheus.Counter
	recordsDropped *prometheus.CounterVec
	events         *prometheus.CounterVec
	runs           *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	runDuration    prometheus.Histogram
}

// New creates a Prometheus recorder registered with reg.
// A nil registerer leaves the collectors unregistered.
func New(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		recordsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "trainstream_records_decoded_total",
			Help: "Total number of event-stream records decoded",
		}),
		recordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstream_records_dropped_total",
				Help: "Total number of records dropped by the decoder or parser",
			},
			[]string{"reason"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstream_events_total",
				Help: "Total number of training events folded into run state",
			},
			[]string{"type"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstream_runs_total",
				Help: "Total number of finished runs by outcome",
			},
			[]string{"outcome"},
		),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trainstream_active_runs",
			Help: "Number of runs currently streaming",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trainstream_run_duration_seconds",
			Help:    "Wall-clock duration of training runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

// RecordDecoded counts records emitted by the decoder.
func (r *PrometheusRecorder) RecordDecoded(n int) {
	if n > 0 {
		r.recordsDecoded.Add(float64(n))
	}
}

// RecordDropped counts discarded records.
func (r *PrometheusRecorder) RecordDropped(reason string, n int) {
	if n > 0 {
		r.recordsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordEvent counts a folded event.
func (r *PrometheusRecorder) RecordEvent(t domain.EventType) {
	r.events.WithLabelValues(t.String()).Inc()
}

// RunStarted marks a run as active.
func (r *PrometheusRecorder) RunStarted() {
	r.activeRuns.Inc()
}

// RunFinished records the outcome of a run that was previously started.
func (r *PrometheusRecorder) RunFinished(outcome string, elapsed time.Duration) {
	r.activeRuns.Dec()
	r.runs.WithLabelValues(outcome).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDecoded(int)                 {}
func (Nop) RecordDropped(string, int)         {}
func (Nop) RecordEvent(domain.EventType)      {}
func (Nop) RunStarted()                       {}
func (Nop) RunFinished(string, time.Duration) {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = Nop{}
)
