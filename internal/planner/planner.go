// Package planner turns a dependency graph into an execution plan: an ordered
// list of groups whose commands are safe to run concurrently.
package planner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/msageha/dronebatch/internal/analyzer"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

var (
	ErrUnknownMode   = errors.New("unknown execution mode")
	ErrGraphMismatch = errors.New("dependency graph does not match command list")
)

type Options struct {
	// MaxParallel sizes groups in parallel mode. Zero means model.DefaultMaxParallel.
	MaxParallel int
	Logger      *slog.Logger
}

type Planner struct {
	table       *rules.Table
	maxParallel int
	logger      *slog.Logger
}

func New(table *rules.Table, opts Options) *Planner {
	if table == nil {
		table = rules.Default()
	}
	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = model.DefaultMaxParallel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{table: table, maxParallel: maxParallel, logger: logger}
}

func (p *Planner) Table() *rules.Table {
	return p.table
}

func (p *Planner) MaxParallel() int {
	return p.maxParallel
}

// Plan builds the execution plan for cmds. A nil graph is computed from the
// planner's rule table. Planning is deterministic.
func (p *Planner) Plan(cmds []model.Command, g *analyzer.Graph, mode model.ExecutionMode) (*model.Plan, error) {
	if mode == "" {
		mode = model.ModeOptimized
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if g == nil {
		g = analyzer.Analyze(cmds, p.table)
	}
	if g.Len() != len(cmds) {
		return nil, fmt.Errorf("%w: graph has %d nodes, batch has %d commands", ErrGraphMismatch, g.Len(), len(cmds))
	}

	plan := &model.Plan{
		Mode:     mode,
		Edges:    g.Edges(),
		Warnings: g.Warnings(),
	}

	var groups [][]int
	switch mode {
	case model.ModeSequential:
		groups = sequentialGroups(len(cmds))
	case model.ModeParallel:
		groups = parallelGroups(len(cmds), p.maxParallel)
	case model.ModePriority:
		groups = priorityGroups(cmds)
	case model.ModeOptimized:
		var warnings []string
		groups, warnings = optimizedGroups(cmds, g)
		plan.Warnings = append(plan.Warnings, warnings...)
	}

	plan.Groups = make([]model.Group, len(groups))
	for i, idxs := range groups {
		plan.Groups[i] = model.Group{Index: i, Commands: idxs}
	}

	if mode == model.ModeParallel || mode == model.ModePriority {
		plan.Warnings = append(plan.Warnings, ignoredDependencies(plan, g)...)
	}

	est, costWarnings := estimate(cmds, plan.Groups, p.table)
	plan.EstimatedDuration = est
	plan.Warnings = append(plan.Warnings, costWarnings...)

	p.logger.Debug("plan built",
		"mode", mode,
		"commands", len(cmds),
		"groups", len(plan.Groups),
		"estimated", est,
		"warnings", len(plan.Warnings))
	return plan, nil
}

func sequentialGroups(n int) [][]int {
	groups := make([][]int, 0, n)
	for i := 0; i < n; i++ {
		groups = append(groups, []int{i})
	}
	return groups
}

func parallelGroups(n, maxParallel int) [][]int {
	var groups [][]int
	for start := 0; start < n; start += maxParallel {
		end := min(start+maxParallel, n)
		g := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			g = append(g, i)
		}
		groups = append(groups, g)
	}
	return groups
}

func priorityGroups(cmds []model.Command) [][]int {
	var groups [][]int
	for _, tier := range model.PriorityTiers {
		var g []int
		for i, c := range cmds {
			if c.EffectivePriority() == tier {
				g = append(g, i)
			}
		}
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// ignoredDependencies reports dependency edges that a dependency-blind mode
// did not honor.
func ignoredDependencies(plan *model.Plan, g *analyzer.Graph) []string {
	groupOf := make(map[int]int, plan.CommandCount())
	for _, grp := range plan.Groups {
		for _, idx := range grp.Commands {
			groupOf[idx] = grp.Index
		}
	}
	var out []string
	for i := 0; i < g.Len(); i++ {
		for _, dep := range g.DependsOn(i) {
			if groupOf[dep] >= groupOf[i] {
				out = append(out, fmt.Sprintf("mode %s does not order command %d after its dependency %d", plan.Mode, i, dep))
			}
		}
	}
	return out
}
