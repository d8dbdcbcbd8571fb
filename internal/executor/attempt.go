package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/model"
)

// runCommand drives one record through the retry state machine:
//
//	pending -> running -> completed
//	                   -> failed -> running (retry, attempts left)
//	                             -> failed  (terminal)
//
// Only RETRY_AND_CONTINUE and SMART_RECOVERY retry; the attempt count never
// exceeds max_retries+1.
func (e *Executor) runCommand(ctx context.Context, r *run, idx, group, groupSize int) {
	rec := r.records[idx]
	cmd := r.cmds[idx]
	rec.Group = group
	rec.GroupSize = groupSize

	ctx, span := tracer.Start(ctx, "command",
		trace.WithAttributes(
			attribute.Int("command.index", idx),
			attribute.String("command.action", cmd.Action),
			attribute.String("command.resource", cmd.Resource()),
			attribute.Float64("command.confidence", cmd.Confidence),
		),
	)
	defer span.End()

	if e.metrics.activeCommands != nil {
		e.metrics.activeCommands.Add(ctx, 1)
		defer e.metrics.activeCommands.Add(ctx, -1)
	}

	maxAttempts := 1
	if r.cfg.Strategy.Retries() {
		maxAttempts = r.cfg.MaxAttempts()
	}
	timeout := r.cfg.Timeout()
	attrs := metric.WithAttributes(attribute.String("action", cmd.Action))

	for {
		if err := rec.Transition(model.StatusRunning); err != nil {
			e.logger.Error("record transition rejected", "batch_id", r.batchID, "index", idx, "error", err)
			return
		}
		rec.Attempts++
		if rec.StartedAt.IsZero() {
			rec.StartedAt = time.Now()
		}
		e.bus.Publish(events.EventCommandStarted, map[string]any{
			"batch_id":     r.batchID,
			"index":        idx,
			"action":       cmd.Action,
			"resource_key": cmd.Resource(),
			"attempt":      rec.Attempts,
		})

		attemptStart := time.Now()
		out, kind, err := e.attempt(ctx, idx, cmd, timeout)
		if e.metrics.commandLatency != nil {
			e.metrics.commandLatency.Record(ctx, time.Since(attemptStart).Seconds(), attrs)
		}

		if err == nil {
			_ = rec.Transition(model.StatusCompleted)
			rec.EndedAt = time.Now()
			rec.Message = out.Message
			if rec.Message == "" {
				rec.Message = "Command completed"
			}
			rec.Data = out.Data
			rec.Error = ""
			rec.FailureKind = model.FailureNone

			if e.metrics.commandSuccess != nil {
				e.metrics.commandSuccess.Add(ctx, 1, attrs)
			}
			span.SetStatus(codes.Ok, "")
			e.logger.Debug("command completed", "batch_id", r.batchID, "index", idx, "action", cmd.Action, "attempts", rec.Attempts)
			e.bus.Publish(events.EventCommandCompleted, map[string]any{
				"batch_id":     r.batchID,
				"index":        idx,
				"action":       cmd.Action,
				"resource_key": cmd.Resource(),
				"attempts":     rec.Attempts,
				"duration":     rec.Duration().Seconds(),
			})
			return
		}

		_ = rec.Transition(model.StatusFailed)
		rec.EndedAt = time.Now()
		rec.FailureKind = kind
		rec.Error = err.Error()
		rec.Message = failureMessage(kind, out, timeout, err)
		rec.Data = out.Data
		span.RecordError(err)

		if rec.Attempts >= maxAttempts || ctx.Err() != nil {
			break
		}

		e.logger.Warn("command attempt failed, retrying",
			"batch_id", r.batchID,
			"index", idx,
			"action", cmd.Action,
			"attempt", rec.Attempts,
			"max_attempts", maxAttempts,
			"kind", kind,
			"error", err)
		if e.metrics.commandRetries != nil {
			e.metrics.commandRetries.Add(ctx, 1, attrs)
		}
		e.bus.Publish(events.EventCommandRetrying, map[string]any{
			"batch_id": r.batchID,
			"index":    idx,
			"action":   cmd.Action,
			"attempt":  rec.Attempts,
			"kind":     string(kind),
			"error":    rec.Error,
		})

		if !sleepContext(ctx, r.cfg.RetryDelay()) {
			break
		}
	}

	if e.metrics.commandFailure != nil {
		e.metrics.commandFailure.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", cmd.Action),
			attribute.String("kind", string(rec.FailureKind)),
		))
	}
	span.SetStatus(codes.Error, rec.Error)
	e.logger.Warn("command failed",
		"batch_id", r.batchID,
		"index", idx,
		"action", cmd.Action,
		"resource_key", cmd.Resource(),
		"attempts", rec.Attempts,
		"kind", rec.FailureKind,
		"error", rec.Error)
	e.bus.Publish(events.EventCommandFailed, map[string]any{
		"batch_id":     r.batchID,
		"index":        idx,
		"action":       cmd.Action,
		"resource_key": cmd.Resource(),
		"attempts":     rec.Attempts,
		"kind":         string(rec.FailureKind),
		"error":        rec.Error,
	})
}

type handlerResult struct {
	out      Outcome
	err      error
	panicked any
}

// attempt calls the handler once under its own deadline. The call is raced
// against the deadline, so a handler that ignores ctx still times out; its
// goroutine is left to finish on its own and the late result is discarded.
// When the batch context is cancelled the handler's own answer still wins
// if it arrives before the attempt deadline.
func (e *Executor) attempt(ctx context.Context, idx int, cmd model.Command, timeout time.Duration) (Outcome, model.FailureKind, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	actx, cancel := context.WithTimeout(WithResource(ctx, cmd.Resource()), timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerResult{panicked: p}
			}
		}()
		out, err := e.handler.Handle(actx, cmd.Action, cmd.Parameters.Clone())
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return settle(ctx, idx, res, timeout)
	case <-actx.Done():
	}

	if ctx.Err() != nil {
		select {
		case res := <-done:
			return settle(ctx, idx, res, timeout)
		case <-deadline.C:
			return Outcome{}, model.FailureException, &CommandError{Index: idx, Kind: model.FailureException, Err: ctx.Err()}
		}
	}
	select {
	case res := <-done:
		return settle(ctx, idx, res, timeout)
	default:
	}
	return Outcome{}, model.FailureTimeout, &CommandError{Index: idx, Kind: model.FailureTimeout, Err: fmt.Errorf("after %s: %w", timeout, actx.Err())}
}

// settle classifies a handler result into an outcome and failure kind.
func settle(ctx context.Context, idx int, res handlerResult, timeout time.Duration) (Outcome, model.FailureKind, error) {
	switch {
	case res.panicked != nil:
		return Outcome{}, model.FailureException, &CommandError{Index: idx, Kind: model.FailureException, Err: fmt.Errorf("panic: %v", res.panicked)}
	case res.err != nil:
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return res.out, model.FailureTimeout, &CommandError{Index: idx, Kind: model.FailureTimeout, Err: fmt.Errorf("after %s: %w", timeout, res.err)}
		}
		return res.out, model.FailureException, &CommandError{Index: idx, Kind: model.FailureException, Err: res.err}
	case !res.out.Success:
		reason := res.out.Message
		if reason == "" {
			reason = "handler reported failure"
		}
		return res.out, model.FailureRejected, &CommandError{Index: idx, Kind: model.FailureRejected, Err: errors.New(reason)}
	}
	return res.out, model.FailureNone, nil
}

func failureMessage(kind model.FailureKind, out Outcome, timeout time.Duration, err error) string {
	switch kind {
	case model.FailureTimeout:
		return fmt.Sprintf("Command timed out after %s", timeout)
	case model.FailureRejected:
		if out.Message != "" {
			return out.Message
		}
		return "Command rejected by handler"
	default:
		var ce *CommandError
		if errors.As(err, &ce) {
			return fmt.Sprintf("Command raised an exception: %v", ce.Err)
		}
		return fmt.Sprintf("Command raised an exception: %v", err)
	}
}

// sleepContext waits d or until ctx is done; it reports whether the full
// delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
