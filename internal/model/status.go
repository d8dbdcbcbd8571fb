package model

import "fmt"

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// AllStatuses is the reporting order used by analytics.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped}

// failed is not listed: a failed record may re-enter running while the retry
// state machine still has attempts left.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusSkipped:   true,
}

// Record transitions: pending → running|skipped, running → completed|failed,
// failed → running (retry).
var validRecordTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusRunning: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateRecordTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validRecordTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid record transition: %q → %q", from, to)
	}
	return nil
}

// FailureKind classifies the three failure channels of a command handler.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTimeout   FailureKind = "timeout"
	FailureException FailureKind = "exception"
	FailureRejected  FailureKind = "rejected"
)

// ExecutionMode selects the planning strategy.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModePriority   ExecutionMode = "priority"
	ModeOptimized  ExecutionMode = "optimized"
)

var validModes = map[ExecutionMode]bool{
	ModeSequential: true,
	ModeParallel:   true,
	ModePriority:   true,
	ModeOptimized:  true,
}

func (m ExecutionMode) Valid() bool {
	return validModes[m]
}

// RecoveryStrategy is the caller-selected error-recovery policy.
type RecoveryStrategy string

const (
	StopOnError      RecoveryStrategy = "stop_on_error"
	ContinueOnError  RecoveryStrategy = "continue_on_error"
	RetryAndContinue RecoveryStrategy = "retry_and_continue"
	SmartRecovery    RecoveryStrategy = "smart_recovery"
)

var validStrategies = map[RecoveryStrategy]bool{
	StopOnError:      true,
	ContinueOnError:  true,
	RetryAndContinue: true,
	SmartRecovery:    true,
}

func (s RecoveryStrategy) Valid() bool {
	return validStrategies[s]
}

// Retries reports whether failed attempts are retried under this strategy.
func (s RecoveryStrategy) Retries() bool {
	return s == RetryAndContinue || s == SmartRecovery
}
