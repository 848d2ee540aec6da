package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	metrics "github.com/tigerroll/batchcursor/pkg/batch/core/metrics"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of the metrics.MetricRecorder interface.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec

	rowsTotal            prometheus.Counter
	cyclesTotal          prometheus.Counter
	cursor               prometheus.Gauge
	cycleDurationSeconds prometheus.Histogram

	retriesTotal *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchcursor_runs_total",
			Help: "Total number of runs by terminal state.",
		}, []string{"state"}),
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchcursor_run_duration_seconds",
			Help:    "Duration of runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"state"}),
		rowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchcursor_rows_processed_total",
			Help: "Total identifiers mutated.",
		}),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchcursor_cycles_total",
			Help: "Total committed fetch/mutate/checkpoint cycles.",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchcursor_cursor",
			Help: "Last checkpointed identifier.",
		}),
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchcursor_cycle_duration_seconds",
			Help:    "Duration of committed cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchcursor_reconnect_attempts_total",
			Help: "Total reconnection attempts by step and reason.",
		}, []string{"step", "reason"}),
	}

	registry.MustRegister(
		r.runsTotal,
		r.runDurationSeconds,
		r.rowsTotal,
		r.cyclesTotal,
		r.cursor,
		r.cycleDurationSeconds,
		r.retriesTotal,
	)
	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordRunStart sets the cursor gauge to the starting position.
func (r *PrometheusRecorder) RecordRunStart(ctx context.Context, runID string, cursor int64) {
	r.cursor.Set(float64(cursor))
	logger.Debugf("Metrics: run '%s' started at id %d.", runID, cursor)
}

// RecordRunEnd counts the run and observes its duration.
func (r *PrometheusRecorder) RecordRunEnd(ctx context.Context, runID string, state string, rows int64, duration time.Duration) {
	r.runsTotal.WithLabelValues(state).Inc()
	r.runDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
	logger.Debugf("Metrics: run '%s' ended %s after %d rows. Duration: %.3fs", runID, state, rows, duration.Seconds())
}

// RecordCycle records a committed cycle.
func (r *PrometheusRecorder) RecordCycle(ctx context.Context, rows int, cursor int64, duration time.Duration) {
	r.rowsTotal.Add(float64(rows))
	r.cyclesTotal.Inc()
	r.cursor.Set(float64(cursor))
	r.cycleDurationSeconds.Observe(duration.Seconds())
}

// RecordRetry records a reconnection attempt.
func (r *PrometheusRecorder) RecordRetry(ctx context.Context, step string, reason string) {
	r.retriesTotal.WithLabelValues(step, reason).Inc()
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
