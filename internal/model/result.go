package model

import "time"

// ExecutionRecord tracks one command through pending → running →
// {completed | failed}, with failed looping back to running on retry and
// pending becoming skipped when the batch stops early.
type ExecutionRecord struct {
	Index       int         `yaml:"index" json:"index"`
	Status      Status      `yaml:"status" json:"status"`
	Attempts    int         `yaml:"attempts" json:"attempts"`
	StartedAt   time.Time   `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	EndedAt     time.Time   `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
	Message     string      `yaml:"message" json:"message"`
	Data        any         `yaml:"data,omitempty" json:"data,omitempty"`
	Error       string      `yaml:"error,omitempty" json:"error,omitempty"`
	FailureKind FailureKind `yaml:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	Group       int         `yaml:"group" json:"group"`
	GroupSize   int         `yaml:"group_size" json:"group_size"`
}

// NewRecord returns a pending record for command index i.
func NewRecord(i int) *ExecutionRecord {
	return &ExecutionRecord{Index: i, Status: StatusPending, Group: -1}
}

// Transition moves the record to the next status, enforcing the lifecycle.
func (r *ExecutionRecord) Transition(to Status) error {
	if err := ValidateRecordTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	return nil
}

// Duration is the wall time between first start and final end.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Retries is attempts beyond the first.
func (r *ExecutionRecord) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// CommandResult is the per-command outcome returned to the API layer.
type CommandResult struct {
	Index       int         `yaml:"index" json:"index"`
	Action      string      `yaml:"action" json:"action"`
	ResourceKey string      `yaml:"resource_key" json:"resource_key"`
	Status      Status      `yaml:"status" json:"status"`
	Success     bool        `yaml:"success" json:"success"`
	Message     string      `yaml:"message" json:"message"`
	Data        any         `yaml:"data,omitempty" json:"data,omitempty"`
	Error       string      `yaml:"error,omitempty" json:"error,omitempty"`
	FailureKind FailureKind `yaml:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	Attempts    int         `yaml:"attempts" json:"attempts"`
	DurationSec float64     `yaml:"duration_sec" json:"duration_sec"`
	Group       int         `yaml:"group" json:"group"`
}

type BatchSummary struct {
	Total        int     `yaml:"total" json:"total"`
	Successful   int     `yaml:"successful" json:"successful"`
	Failed       int     `yaml:"failed" json:"failed"`
	Skipped      int     `yaml:"skipped" json:"skipped"`
	TotalTimeSec float64 `yaml:"total_time_sec" json:"total_time_sec"`
}

// ResourceStats aggregates outcomes for one resource key.
type ResourceStats struct {
	Commands   int `yaml:"commands" json:"commands"`
	Successful int `yaml:"successful" json:"successful"`
	Failed     int `yaml:"failed" json:"failed"`
	Skipped    int `yaml:"skipped" json:"skipped"`
}

// Analytics is the batch-level execution report.
type Analytics struct {
	StatusCounts          map[Status]int           `yaml:"status_counts" json:"status_counts"`
	TotalExecutionSec     float64                  `yaml:"total_execution_sec" json:"total_execution_sec"`
	AverageExecutionSec   float64                  `yaml:"average_execution_sec" json:"average_execution_sec"`
	TotalRetries          int                      `yaml:"total_retries" json:"total_retries"`
	RetriesPerCommand     []int                    `yaml:"retries_per_command" json:"retries_per_command"`
	RetryRate             float64                  `yaml:"retry_rate" json:"retry_rate"`
	FailureKinds          map[FailureKind]int      `yaml:"failure_kinds,omitempty" json:"failure_kinds,omitempty"`
	ParallelizationFactor float64                  `yaml:"parallelization_factor" json:"parallelization_factor"`
	Groups                int                      `yaml:"groups" json:"groups"`
	Resources             map[string]ResourceStats `yaml:"resources" json:"resources"`
	AverageConfidence     float64                  `yaml:"average_confidence" json:"average_confidence"`
	LowConfidence         []int                    `yaml:"low_confidence,omitempty" json:"low_confidence,omitempty"`
	WallTimeSec           float64                  `yaml:"wall_time_sec" json:"wall_time_sec"`
	Violations            []string                 `yaml:"violations,omitempty" json:"violations,omitempty"`
}

// BatchResult is ordered by original command index; len(Results) always
// equals the number of input commands.
type BatchResult struct {
	BatchID   string          `yaml:"batch_id" json:"batch_id"`
	Results   []CommandResult `yaml:"results" json:"results"`
	Summary   BatchSummary    `yaml:"summary" json:"summary"`
	Analytics Analytics       `yaml:"analytics" json:"analytics"`
	Plan      PlanSummary     `yaml:"plan" json:"plan"`
}
