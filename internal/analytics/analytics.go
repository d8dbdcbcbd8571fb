// Package analytics turns the execution records of one batch into a
// descriptive report. Nothing here feeds back into scheduling.
package analytics

import (
	"time"

	"github.com/msageha/dronebatch/internal/model"
)

// DefaultLowConfidence flags commands whose parse confidence is below it.
const DefaultLowConfidence = 0.5

// Summarize aggregates records (one per command, index-aligned with cmds)
// into batch analytics. cmds may be nil, in which case resource and
// confidence figures are left empty.
func Summarize(records []*model.ExecutionRecord, cmds []model.Command, wallTime time.Duration) model.Analytics {
	return SummarizeWith(records, cmds, wallTime, DefaultLowConfidence)
}

// SummarizeWith is Summarize with an explicit low-confidence cutoff. A
// cutoff of zero disables flagging.
func SummarizeWith(records []*model.ExecutionRecord, cmds []model.Command, wallTime time.Duration, lowConfidence float64) model.Analytics {
	a := model.Analytics{
		StatusCounts:      make(map[model.Status]int, len(model.AllStatuses)),
		RetriesPerCommand: make([]int, len(records)),
		FailureKinds:      make(map[model.FailureKind]int),
		Resources:         make(map[string]model.ResourceStats),
		WallTimeSec:       wallTime.Seconds(),
	}
	for _, s := range model.AllStatuses {
		a.StatusCounts[s] = 0
	}

	var (
		executed  int
		retried   int
		parallel  int
		totalTime time.Duration
		groups    = make(map[int]bool)
	)
	for i, rec := range records {
		if rec == nil {
			continue
		}
		a.StatusCounts[rec.Status]++
		a.RetriesPerCommand[i] = rec.Retries()
		a.TotalRetries += rec.Retries()
		if rec.Status == model.StatusFailed && rec.FailureKind != model.FailureNone {
			a.FailureKinds[rec.FailureKind]++
		}

		if rec.Attempts > 0 {
			executed++
			totalTime += rec.Duration()
			if rec.Retries() > 0 {
				retried++
			}
			if rec.GroupSize > 1 {
				parallel++
			}
			if rec.Group >= 0 {
				groups[rec.Group] = true
			}
		}

		if i < len(cmds) {
			key := cmds[i].Resource()
			rs := a.Resources[key]
			rs.Commands++
			switch rec.Status {
			case model.StatusCompleted:
				rs.Successful++
			case model.StatusFailed:
				rs.Failed++
			case model.StatusSkipped:
				rs.Skipped++
			}
			a.Resources[key] = rs
		}
	}

	a.TotalExecutionSec = totalTime.Seconds()
	if executed > 0 {
		a.AverageExecutionSec = a.TotalExecutionSec / float64(executed)
		a.RetryRate = float64(retried) / float64(executed)
	}
	if len(records) > 0 {
		a.ParallelizationFactor = float64(parallel) / float64(len(records))
	}
	a.Groups = len(groups)
	if len(a.FailureKinds) == 0 {
		a.FailureKinds = nil
	}

	if len(cmds) > 0 {
		var sum float64
		for i, c := range cmds {
			sum += c.Confidence
			if lowConfidence > 0 && c.Confidence < lowConfidence {
				a.LowConfidence = append(a.LowConfidence, i)
			}
		}
		a.AverageConfidence = sum / float64(len(cmds))
	}
	return a
}

// Summary is the compact count block of a batch result.
func Summary(records []*model.ExecutionRecord, wallTime time.Duration) model.BatchSummary {
	s := model.BatchSummary{Total: len(records), TotalTimeSec: wallTime.Seconds()}
	for _, rec := range records {
		switch rec.Status {
		case model.StatusCompleted:
			s.Successful++
		case model.StatusFailed:
			s.Failed++
		case model.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// FailureRate is failed commands over all commands.
func FailureRate(a model.Analytics) float64 {
	total := 0
	for _, n := range a.StatusCounts {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(a.StatusCounts[model.StatusFailed]) / float64(total)
}
