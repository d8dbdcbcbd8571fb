package analytics

import (
	"fmt"

	"github.com/msageha/dronebatch/internal/model"
)

// Thresholds are quality limits for a finished batch. A zero field disables
// its check.
type Thresholds struct {
	MaxFailureRate     float64
	MaxRetryRate       float64
	MinParallelization float64
}

func ThresholdsFromConfig(c model.AnalyticsConfig) Thresholds {
	return Thresholds{
		MaxFailureRate:     c.MaxFailureRate,
		MaxRetryRate:       c.MaxRetryRate,
		MinParallelization: c.MinParallelization,
	}
}

// Evaluate returns one human-readable line per violated threshold.
func (t Thresholds) Evaluate(a model.Analytics) []string {
	var out []string
	if t.MaxFailureRate > 0 {
		if rate := FailureRate(a); rate > t.MaxFailureRate {
			out = append(out, fmt.Sprintf("failure rate %.2f exceeds %.2f", rate, t.MaxFailureRate))
		}
	}
	if t.MaxRetryRate > 0 && a.RetryRate > t.MaxRetryRate {
		out = append(out, fmt.Sprintf("retry rate %.2f exceeds %.2f", a.RetryRate, t.MaxRetryRate))
	}
	if t.MinParallelization > 0 && a.ParallelizationFactor < t.MinParallelization {
		out = append(out, fmt.Sprintf("parallelization %.2f below %.2f", a.ParallelizationFactor, t.MinParallelization))
	}
	return out
}
