package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var configValidate = validator.New()

// ExecConfig carries the per-batch execution settings supplied by the caller.
type ExecConfig struct {
	Mode          ExecutionMode    `yaml:"mode" json:"mode" validate:"oneof=sequential parallel priority optimized"`
	MaxRetries    int              `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=100"`
	RetryDelaySec float64          `yaml:"retry_delay_sec" json:"retry_delay_sec" validate:"gte=0"`
	TimeoutSec    float64          `yaml:"timeout_sec" json:"timeout_sec" validate:"gt=0"`
	MaxParallel   int              `yaml:"max_parallel_commands" json:"max_parallel_commands" validate:"gte=1"`
	Strategy      RecoveryStrategy `yaml:"error_recovery" json:"error_recovery" validate:"oneof=stop_on_error continue_on_error retry_and_continue smart_recovery"`
}

// Documented fallbacks applied by WithDefaults.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelaySec = 1.0
	DefaultTimeoutSec    = 30.0
	DefaultMaxParallel   = 5
)

func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Mode:          ModeOptimized,
		MaxRetries:    DefaultMaxRetries,
		RetryDelaySec: DefaultRetryDelaySec,
		TimeoutSec:    DefaultTimeoutSec,
		MaxParallel:   DefaultMaxParallel,
		Strategy:      RetryAndContinue,
	}
}

// WithDefaults fills zero-valued mode, strategy, timeout and parallelism.
// MaxRetries and RetryDelaySec keep their zero values: zero is meaningful.
func (c ExecConfig) WithDefaults() ExecConfig {
	if c.Mode == "" {
		c.Mode = ModeOptimized
	}
	if c.Strategy == "" {
		c.Strategy = RetryAndContinue
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = DefaultTimeoutSec
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	return c
}

func (c ExecConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return toValidationErrors("config", err)
	}
	return nil
}

func (c ExecConfig) RetryDelay() time.Duration {
	return secondsToDuration(c.RetryDelaySec)
}

func (c ExecConfig) Timeout() time.Duration {
	return secondsToDuration(c.TimeoutSec)
}

// MaxAttempts is max_retries + 1.
func (c ExecConfig) MaxAttempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

// Config is the daemon configuration stored in <root>/config.yaml.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Execution ExecConfig      `yaml:"execution" validate:"required"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
}

type DaemonConfig struct {
	ScanIntervalSec    int  `yaml:"scan_interval_sec" validate:"gte=0"`
	MaxConcurrentBatch int  `yaml:"max_concurrent_batches" validate:"gte=0,lte=64"`
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec" validate:"gte=0"`
	WatchRules         bool `yaml:"watch_rules"`
	PlanCacheSize      int  `yaml:"plan_cache_size" validate:"gte=0"`
	// Notify raises a desktop notification for failed or rejected batches.
	Notify bool `yaml:"notify"`
}

type DispatchConfig struct {
	// Simulate routes every action to the built-in simulator.
	Simulate          bool    `yaml:"simulate"`
	RatePerSec        float64 `yaml:"rate_per_sec" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	SimulatedFailRate float64 `yaml:"simulated_fail_rate" validate:"gte=0,lte=1"`
}

type AnalyticsConfig struct {
	MaxFailureRate       float64 `yaml:"max_failure_rate" validate:"gte=0,lte=1"`
	MaxRetryRate         float64 `yaml:"max_retry_rate" validate:"gte=0,lte=1"`
	MinParallelization   float64 `yaml:"min_parallelization" validate:"gte=0,lte=1"`
	LowConfidenceWarning float64 `yaml:"low_confidence_warning" validate:"gte=0,lte=1"`
}

type TelemetryConfig struct {
	// TraceExporter is "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=stdout none"`
	TraceFile     string `yaml:"trace_file"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return toValidationErrors("config", err)
	}
	return nil
}

func toValidationErrors(root string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s: %w", root, err)
	}
	out := &ValidationErrors{}
	for _, fe := range verrs {
		out.Add(fe.Namespace(), fmt.Sprintf("failed %q (value %v)", fe.Tag()+paramSuffix(fe.Param()), fe.Value()))
	}
	return out
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
