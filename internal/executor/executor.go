// Package executor runs an execution plan group by group. Commands inside a
// group run concurrently and the group boundary is a barrier: group N starts
// only after every command of group N-1 reached a terminal state for its last
// attempt. Per-command failures are handled by the recovery strategy and never
// surface as errors from Execute.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/model"
)

// Skip messages recorded on commands that never ran.
const (
	MsgSkippedPreviousError = "Command skipped due to previous error"
	MsgSkippedCancelled     = "Command skipped: batch cancelled"
	msgSkippedDependency    = "Command skipped: dependency %d failed"
)

var ErrInvalidPlan = errors.New("invalid execution plan")

type Options struct {
	Logger *slog.Logger
	Bus    *events.Bus
}

type Executor struct {
	handler Handler
	logger  *slog.Logger
	bus     *events.Bus
	metrics instruments
}

func New(h Handler, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{handler: h, logger: logger, bus: opts.Bus}
}

type batchIDKey struct{}

// WithBatchID tags ctx so spans, logs and events carry the batch id.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

func BatchIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

type resourceKey struct{}

// WithResource tags ctx with the resource key of the command being handled.
func WithResource(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, resourceKey{}, key)
}

// ResourceFrom returns the resource key of the command a handler is running.
// Handlers only see action and parameters, so the executor passes the resource
// through the attempt context.
func ResourceFrom(ctx context.Context) string {
	key, _ := ctx.Value(resourceKey{}).(string)
	return key
}

// run is the mutable state of one Execute call. records[i] is written only by
// the goroutine running command i, or by the coordinator between groups.
type run struct {
	batchID  string
	plan     *model.Plan
	cmds     []model.Command
	cfg      model.ExecConfig
	records  []*model.ExecutionRecord
	stop     atomic.Bool
	requires model.DependentIndex
}

// Execute runs plan against cmds and returns one record per command, in
// input order. It returns an error only when the plan or config is unusable.
func (e *Executor) Execute(ctx context.Context, plan *model.Plan, cmds []model.Command, cfg model.ExecConfig) ([]*model.ExecutionRecord, error) {
	if err := validatePlan(plan, len(cmds)); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.metrics.init(e.logger)

	r := &run{
		batchID:  BatchIDFrom(ctx),
		plan:     plan,
		cmds:     cmds,
		cfg:      cfg,
		records:  make([]*model.ExecutionRecord, len(cmds)),
		requires: model.NewDependentIndex(plan.Edges),
	}
	for i := range r.records {
		r.records[i] = model.NewRecord(i)
	}

	ctx, span := tracer.Start(ctx, "batch",
		trace.WithAttributes(
			attribute.String("batch.id", r.batchID),
			attribute.String("batch.mode", string(plan.Mode)),
			attribute.String("batch.strategy", string(cfg.Strategy)),
			attribute.Int("batch.commands", len(cmds)),
			attribute.Int("batch.groups", len(plan.Groups)),
		),
	)
	defer span.End()

	start := time.Now()
	e.logger.Info("batch started",
		"batch_id", r.batchID,
		"commands", len(cmds),
		"groups", len(plan.Groups),
		"mode", plan.Mode,
		"strategy", cfg.Strategy)
	e.bus.Publish(events.EventBatchStarted, map[string]any{
		"batch_id": r.batchID,
		"commands": len(cmds),
		"groups":   len(plan.Groups),
		"mode":     string(plan.Mode),
		"strategy": string(cfg.Strategy),
	})

	skipMessage := ""
	for _, group := range plan.Groups {
		if ctx.Err() != nil {
			skipMessage = MsgSkippedCancelled
			break
		}
		if r.stop.Load() {
			skipMessage = MsgSkippedPreviousError
			break
		}
		e.runGroup(ctx, r, group)
	}
	if skipMessage == "" && r.stop.Load() {
		skipMessage = MsgSkippedPreviousError
	}
	if skipMessage != "" {
		for _, rec := range r.records {
			if rec.Status == model.StatusPending {
				e.skip(ctx, r, rec, skipMessage)
			}
		}
	}

	elapsed := time.Since(start)
	if e.metrics.batchLatency != nil {
		e.metrics.batchLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("mode", string(plan.Mode))))
	}

	counts := make(map[model.Status]int)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	if counts[model.StatusFailed] > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d commands failed", counts[model.StatusFailed]))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.logger.Info("batch finished",
		"batch_id", r.batchID,
		"completed", counts[model.StatusCompleted],
		"failed", counts[model.StatusFailed],
		"skipped", counts[model.StatusSkipped],
		"elapsed", elapsed)
	e.bus.Publish(events.EventBatchCompleted, map[string]any{
		"batch_id":  r.batchID,
		"completed": counts[model.StatusCompleted],
		"failed":    counts[model.StatusFailed],
		"skipped":   counts[model.StatusSkipped],
		"elapsed":   elapsed.Seconds(),
	})
	return r.records, nil
}

func (e *Executor) runGroup(ctx context.Context, r *run, group model.Group) {
	var runnable []int
	for _, idx := range group.Commands {
		if r.records[idx].Status == model.StatusPending {
			runnable = append(runnable, idx)
		}
	}
	if len(runnable) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "group",
		trace.WithAttributes(
			attribute.Int("group.index", group.Index),
			attribute.Int("group.size", len(runnable)),
		),
	)
	defer span.End()

	e.bus.Publish(events.EventGroupStarted, map[string]any{
		"batch_id": r.batchID,
		"group":    group.Index,
		"commands": runnable,
	})

	if len(runnable) == 1 {
		e.runCommand(ctx, r, runnable[0], group.Index, 1)
	} else {
		var g errgroup.Group
		g.SetLimit(r.cfg.MaxParallel)
		for _, idx := range runnable {
			g.Go(func() error {
				e.runCommand(ctx, r, idx, group.Index, len(runnable))
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, idx := range runnable {
		if r.records[idx].Status != model.StatusFailed {
			continue
		}
		failed++
		switch r.cfg.Strategy {
		case model.StopOnError:
			r.stop.Store(true)
		case model.SmartRecovery:
			for _, dep := range r.requires.Transitive(idx) {
				if rec := r.records[dep]; rec.Status == model.StatusPending {
					e.skip(ctx, r, rec, fmt.Sprintf(msgSkippedDependency, idx))
				}
			}
		}
	}

	span.SetAttributes(attribute.Int("group.failed", failed))
	e.bus.Publish(events.EventGroupCompleted, map[string]any{
		"batch_id": r.batchID,
		"group":    group.Index,
		"failed":   failed,
	})
}

func (e *Executor) skip(ctx context.Context, r *run, rec *model.ExecutionRecord, message string) {
	if err := rec.Transition(model.StatusSkipped); err != nil {
		e.logger.Error("skip rejected", "batch_id", r.batchID, "index", rec.Index, "error", err)
		return
	}
	rec.Message = message
	if e.metrics.commandSkipped != nil {
		e.metrics.commandSkipped.Add(ctx, 1)
	}
	cmd := r.cmds[rec.Index]
	e.logger.Debug("command skipped", "batch_id", r.batchID, "index", rec.Index, "action", cmd.Action, "reason", message)
	e.bus.Publish(events.EventCommandSkipped, map[string]any{
		"batch_id":     r.batchID,
		"index":        rec.Index,
		"action":       cmd.Action,
		"resource_key": cmd.Resource(),
		"message":      message,
	})
}

func validatePlan(plan *model.Plan, n int) error {
	if plan == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	seen := make([]bool, n)
	for _, g := range plan.Groups {
		for _, idx := range g.Commands {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%w: group %d references command %d of %d", ErrInvalidPlan, g.Index, idx, n)
			}
			if seen[idx] {
				return fmt.Errorf("%w: command %d scheduled twice", ErrInvalidPlan, idx)
			}
			seen[idx] = true
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: command %d is not scheduled", ErrInvalidPlan, i)
		}
	}
	return nil
}
