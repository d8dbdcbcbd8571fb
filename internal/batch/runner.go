// Package batch is the composition root for one batch run:
// validate, analyze, plan, execute, summarize. It owns no scheduling logic.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/msageha/dronebatch/internal/analytics"
	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/planner"
	"github.com/msageha/dronebatch/internal/rules"
)

var ErrNoHandler = errors.New("batch runner has no handler")

// TableSource yields the rule table for the next batch. *rules.Watcher
// implements it for hot-reloaded tables.
type TableSource interface {
	Current() *rules.Table
}

type staticTable struct{ t *rules.Table }

func (s staticTable) Current() *rules.Table { return s.t }

// StaticTable adapts a fixed table to TableSource.
func StaticTable(t *rules.Table) TableSource {
	return staticTable{t: t}
}

type Options struct {
	Tables  TableSource
	Handler executor.Handler
	// Cache memoizes plans across batches. Optional.
	Cache    *planner.Cache
	Bus      *events.Bus
	Logger   *slog.Logger
	Recorder *analytics.PrometheusRecorder

	Thresholds    analytics.Thresholds
	LowConfidence float64
}

type Runner struct {
	tables        TableSource
	handler       executor.Handler
	cache         *planner.Cache
	bus           *events.Bus
	logger        *slog.Logger
	recorder      *analytics.PrometheusRecorder
	thresholds    analytics.Thresholds
	lowConfidence float64
	exec          *executor.Executor
}

func NewRunner(opts Options) *Runner {
	tables := opts.Tables
	if tables == nil {
		tables = StaticTable(rules.Default())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	low := opts.LowConfidence
	if low == 0 {
		low = analytics.DefaultLowConfidence
	}
	return &Runner{
		tables:        tables,
		handler:       opts.Handler,
		cache:         opts.Cache,
		bus:           opts.Bus,
		logger:        logger,
		recorder:      opts.Recorder,
		thresholds:    opts.Thresholds,
		lowConfidence: low,
		exec:          executor.New(opts.Handler, executor.Options{Logger: logger, Bus: opts.Bus}),
	}
}

// Request is one batch submission.
type Request struct {
	// BatchID is generated when empty.
	BatchID  string
	Commands []model.Command
	Config   model.ExecConfig
}

// Plan validates the batch and returns its plan without executing it.
func (r *Runner) Plan(cmds []model.Command, cfg model.ExecConfig) (*model.Plan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := r.tables.Current()
	if err := table.ValidateCommands(cmds); err != nil {
		return nil, err
	}
	p := planner.New(table, planner.Options{MaxParallel: cfg.MaxParallel, Logger: r.logger})
	if r.cache != nil {
		return r.cache.Plan(p, cmds, cfg.Mode)
	}
	return p.Plan(cmds, nil, cfg.Mode)
}

// Run executes one batch. It returns an error only for an invalid config,
// invalid commands or an unusable plan; command failures are reported in the
// result.
func (r *Runner) Run(ctx context.Context, req Request) (*model.BatchResult, error) {
	if r.handler == nil {
		return nil, ErrNoHandler
	}
	batchID := req.BatchID
	if batchID == "" {
		id, err := model.GenerateID(model.IDTypeBatch)
		if err != nil {
			return nil, err
		}
		batchID = id
	}
	cfg := req.Config.WithDefaults()

	plan, err := r.Plan(req.Commands, cfg)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	for _, w := range plan.Warnings {
		r.logger.Warn("plan warning", "batch_id", batchID, "warning", w)
	}

	start := time.Now()
	records, err := r.exec.Execute(executor.WithBatchID(ctx, batchID), plan, req.Commands, cfg)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	wall := time.Since(start)

	res := &model.BatchResult{
		BatchID:   batchID,
		Results:   CommandResults(records, req.Commands),
		Summary:   analytics.Summary(records, wall),
		Analytics: analytics.SummarizeWith(records, req.Commands, wall, r.lowConfidence),
		Plan:      plan.Summary(),
	}
	res.Analytics.Violations = r.thresholds.Evaluate(res.Analytics)
	for _, v := range res.Analytics.Violations {
		r.logger.Warn("batch quality threshold violated", "batch_id", batchID, "violation", v)
	}
	r.recorder.Record(res)

	r.logger.Info("batch result",
		"batch_id", batchID,
		"total", res.Summary.Total,
		"successful", res.Summary.Successful,
		"failed", res.Summary.Failed,
		"skipped", res.Summary.Skipped,
		"wall", wall)
	return res, nil
}

// CommandResults flattens records into per-command results in input order.
func CommandResults(records []*model.ExecutionRecord, cmds []model.Command) []model.CommandResult {
	out := make([]model.CommandResult, len(records))
	for i, rec := range records {
		cmd := cmds[i]
		out[i] = model.CommandResult{
			Index:       i,
			Action:      cmd.Action,
			ResourceKey: cmd.Resource(),
			Status:      rec.Status,
			Success:     rec.Status == model.StatusCompleted,
			Message:     rec.Message,
			Data:        rec.Data,
			Error:       rec.Error,
			FailureKind: rec.FailureKind,
			Attempts:    rec.Attempts,
			DurationSec: rec.Duration().Seconds(),
			Group:       rec.Group,
		}
	}
	return out
}
