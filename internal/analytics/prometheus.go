package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/dronebatch/internal/model"
)

// PrometheusRecorder exports finished-batch analytics. Collectors are
// registered on the registerer given to NewPrometheusRecorder, so tests and
// the daemon each use their own registry.
type PrometheusRecorder struct {
	batches       *prometheus.CounterVec
	commands      *prometheus.CounterVec
	retries       prometheus.Counter
	wallTime      *prometheus.HistogramVec
	parallelism   prometheus.Histogram
	violations    prometheus.Counter
	resourceTotal *prometheus.CounterVec
}

func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "total",
			Help:      "Finished batches by mode and outcome",
		}, []string{"mode", "outcome"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "commands_total",
			Help:      "Commands of finished batches by terminal status",
		}, []string{"status"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "retries_total",
			Help:      "Retries across finished batches",
		}),
		wallTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "wall_seconds",
			Help:      "Batch wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),
		parallelism: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "parallelization_factor",
			Help:      "Share of commands that ran in a group of more than one",
			Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		}),
		violations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dronebatch",
			Subsystem: "batch",
			Name:      "threshold_violations_total",
			Help:      "Analytics threshold violations",
		}),
		resourceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dronebatch",
			Subsystem: "resource",
			Name:      "commands_total",
			Help:      "Commands per resource key by outcome",
		}, []string{"resource", "outcome"}),
	}
}

// Record exports one batch result.
func (r *PrometheusRecorder) Record(res *model.BatchResult) {
	if r == nil || res == nil {
		return
	}
	mode := string(res.Plan.Mode)
	outcome := "ok"
	switch {
	case res.Summary.Failed > 0 || res.Summary.Skipped > 0:
		outcome = "partial"
	case len(res.Analytics.Violations) > 0:
		outcome = "degraded"
	}
	r.batches.WithLabelValues(mode, outcome).Inc()

	for _, s := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusSkipped} {
		if n := res.Analytics.StatusCounts[s]; n > 0 {
			r.commands.WithLabelValues(string(s)).Add(float64(n))
		}
	}
	r.retries.Add(float64(res.Analytics.TotalRetries))
	r.wallTime.WithLabelValues(mode).Observe(res.Summary.TotalTimeSec)
	r.parallelism.Observe(res.Analytics.ParallelizationFactor)
	r.violations.Add(float64(len(res.Analytics.Violations)))

	for key, rs := range res.Analytics.Resources {
		if rs.Successful > 0 {
			r.resourceTotal.WithLabelValues(key, "successful").Add(float64(rs.Successful))
		}
		if rs.Failed > 0 {
			r.resourceTotal.WithLabelValues(key, "failed").Add(float64(rs.Failed))
		}
		if rs.Skipped > 0 {
			r.resourceTotal.WithLabelValues(key, "skipped").Add(float64(rs.Skipped))
		}
	}
}
