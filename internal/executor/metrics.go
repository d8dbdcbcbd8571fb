package executor

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("dronebatch.executor")
	meter  = otel.Meter("dronebatch.executor")
)

type instruments struct {
	once           sync.Once
	commandLatency metric.Float64Histogram
	commandSuccess metric.Int64Counter
	commandFailure metric.Int64Counter
	commandRetries metric.Int64Counter
	commandSkipped metric.Int64Counter
	activeCommands metric.Int64UpDownCounter
	batchLatency   metric.Float64Histogram
}

// init creates the instruments on first use; a failed instrument stays nil
// and is skipped when recording.
func (m *instruments) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.commandLatency, err = meter.Float64Histogram("dronebatch_command_attempt_duration_seconds",
			metric.WithDescription("Duration of each command attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "command_latency: "+err.Error())
		}

		m.commandSuccess, err = meter.Int64Counter("dronebatch_command_success_total",
			metric.WithDescription("Commands that completed"),
		)
		if err != nil {
			initErrors = append(initErrors, "command_success: "+err.Error())
		}

		m.commandFailure, err = meter.Int64Counter("dronebatch_command_failure_total",
			metric.WithDescription("Commands that failed terminally, by failure kind"),
		)
		if err != nil {
			initErrors = append(initErrors, "command_failure: "+err.Error())
		}

		m.commandRetries, err = meter.Int64Counter("dronebatch_command_retry_total",
			metric.WithDescription("Retried command attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, "command_retries: "+err.Error())
		}

		m.commandSkipped, err = meter.Int64Counter("dronebatch_command_skipped_total",
			metric.WithDescription("Commands skipped before dispatch"),
		)
		if err != nil {
			initErrors = append(initErrors, "command_skipped: "+err.Error())
		}

		m.activeCommands, err = meter.Int64UpDownCounter("dronebatch_active_commands",
			metric.WithDescription("Commands currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_commands: "+err.Error())
		}

		m.batchLatency, err = meter.Float64Histogram("dronebatch_batch_duration_seconds",
			metric.WithDescription("Wall time of each executed batch"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "batch_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some executor metrics",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
