// Package metrics holds the Prometheus instrumentation for the signal
// pipeline.
package metrics

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all pipeline metrics.
type Registry struct {
	reg *prometheus.Registry

	RunDuration    *prometheus.HistogramVec
	RunsTotal      *prometheus.CounterVec
	DetectorEmits  *prometheus.CounterVec
	DetectorErrors *prometheus.CounterVec

	SignalsCreated  *prometheus.CounterVec
	SignalsResolved prometheus.Counter
	ActiveSignals   *prometheus.GaugeVec

	DispatchSent   prometheus.Counter
	DispatchFailed prometheus.Counter

	BucketSize    *prometheus.GaugeVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	SamplesBuilt  *prometheus.CounterVec
}

// NewRegistry creates the metrics registry with every pipeline metric
// registered on a private Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corridorscope_run_duration_seconds",
		Help:    "Duration of engine runs by window and status",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"window", "status"})

	r.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corridorscope_runs_total",
		Help: "Engine runs by window and status",
	}, []string{"window", "status"})

	r.DetectorEmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corridorscope_detector_candidates_total",
		Help: "Signal candidates emitted by detector type",
	}, []string{"type"})

	r.DetectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corridorscope_detector_errors_total",
		Help: "Detector runtime errors by detector name",
	}, []string{"detector"})

	r.SignalsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corridorscope_signals_created_total",
		Help: "New signals created by type and severity",
	}, []string{"type", "severity"})

	r.SignalsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corridorscope_signals_resolved_total",
		Help: "Signals resolved by inactivity",
	})

	r.ActiveSignals = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corridorscope_active_signals",
		Help: "Live signals by window",
	}, []string{"window"})

	r.DispatchSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corridorscope_dispatch_sent_total",
		Help: "Signals successfully dispatched",
	})

	r.DispatchFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corridorscope_dispatch_failed_total",
		Help: "Signal dispatch failures",
	})

	r.BucketSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corridorscope_ranking_bucket_size",
		Help: "Entities per ranking bucket",
	}, []string{"bucket"})

	r.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corridorscope_cache_hits_total",
		Help: "Snapshot cache hits",
	})

	r.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corridorscope_cache_misses_total",
		Help: "Snapshot cache misses",
	})

	r.SamplesBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corridorscope_learning_samples_total",
		Help: "Learning samples built by eligibility",
	}, []string{"eligible"})

	r.reg.MustRegister(
		r.RunDuration, r.RunsTotal, r.DetectorEmits, r.DetectorErrors,
		r.SignalsCreated, r.SignalsResolved, r.ActiveSignals,
		r.DispatchSent, r.DispatchFailed, r.BucketSize,
		r.CacheHits, r.CacheMisses, r.SamplesBuilt,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Snapshot gathers the current metric families into a flat name → value
// summary for the ops status endpoint.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName() + labelSuffix(m)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				out[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

func labelSuffix(m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	suffix := "{"
	for i, p := range parts {
		if i > 0 {
			suffix += ","
		}
		suffix += p
	}
	return suffix + "}"
}
