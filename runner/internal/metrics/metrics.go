// Package metrics exposes runner counters in Prometheus format, over HTTP
// and as a node-exporter textfile written at the end of a batch.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/edgestack/edgestack/pkg/types"
)

const namespace = "edgestack"

// Metrics owns a private registry so several runners (and tests) can live
// in one process.
type Metrics struct {
	reg *prometheus.Registry

	info            *prometheus.GaugeVec
	jobTransitions  *prometheus.CounterVec
	jobsFailed      *prometheus.CounterVec
	jobsInFlight    prometheus.Gauge
	jobDuration     prometheus.Histogram
	remoteCalls     *prometheus.CounterVec
	remoteDuration  *prometheus.HistogramVec
	storageOps      *prometheus.CounterVec
	lastBatchFinish prometheus.Gauge
}

// New registers every runner metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		info: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_info",
			Help:      "Current batch, labelled with its run id and dispatch mode",
		}, []string{"run_id", "mode"}),
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by target state",
		}, []string{"state"}),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Failed jobs by error kind",
		}, []string{"kind"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently SUBMITTED or RUNNING",
		}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to a terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		}),
		remoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Compute service calls by operation and outcome",
		}, []string{"op", "result"}),
		remoteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Compute service call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"op"}),
		storageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Object storage and export operations by outcome",
		}, []string{"op", "result"}),
		lastBatchFinish: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_finished_timestamp_seconds",
			Help:      "Unix time the last batch finished",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// BatchStarted records the run id and mode of the current batch.
func (m *Metrics) BatchStarted(runID, mode string) {
	m.info.Reset()
	m.info.WithLabelValues(runID, mode).Set(1)
}

// BatchFinished stamps the completion time.
func (m *Metrics) BatchFinished(at time.Time) {
	m.lastBatchFinish.Set(float64(at.Unix()))
}

// JobChanged counts one job transition. It satisfies the orchestrator's
// Observer interface.
func (m *Metrics) JobChanged(s types.JobSummary) {
	m.jobTransitions.WithLabelValues(string(s.State)).Inc()
	switch {
	case s.State == types.JobSubmitted:
		m.jobsInFlight.Inc()
	case s.State.IsTerminal():
		// Items that never left PENDING were never counted in flight.
		if !s.SubmittedAt.IsZero() {
			m.jobsInFlight.Dec()
			m.jobDuration.Observe(s.Duration().Seconds())
		}
		if s.State == types.JobFailed {
			m.jobsFailed.WithLabelValues(s.ErrorKind).Inc()
		}
	}
}

// ObserveRemoteCall records one compute service call.
func (m *Metrics) ObserveRemoteCall(op string, elapsed time.Duration, err error) {
	m.remoteCalls.WithLabelValues(op, result(err)).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveStorage records one storage or export operation.
func (m *Metrics) ObserveStorage(op string, err error) {
	m.storageOps.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WriteTextfile writes the current metric values in text exposition format
// to path. The file is replaced atomically so a collector never reads a
// partial dump.
func (m *Metrics) WriteTextfile(path string) (err error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("metrics: textfile: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: textfile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("metrics: textfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("metrics: textfile: %w", errors.Join(err, os.Remove(tmp.Name())))
	}
	return nil
}
