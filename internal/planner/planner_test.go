package planner

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dronebatch/internal/analyzer"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

func cmd(action, key string) model.Command {
	return model.Command{Action: action, ResourceKey: key, Confidence: 0.9}
}

func prio(c model.Command, p model.Priority) model.Command {
	c.Priority = p
	return c
}

func groupsOf(plan *model.Plan) [][]int {
	return plan.Summary().Groups
}

func mustTable(t *testing.T, version string, rs []model.Rule, actions map[string]rules.ActionSpec) *rules.Table {
	t.Helper()
	tbl, err := rules.NewTable(version, rs, actions)
	require.NoError(t, err)
	return tbl
}

func TestPlan_DependencyEnforcement(t *testing.T) {
	tbl := mustTable(t, "t", []model.Rule{{Source: "move", Target: "connect", Relation: model.RelationRequires}}, nil)
	cmds := []model.Command{cmd("move", "A"), cmd("connect", "A")}

	plan, err := New(tbl, Options{}).Plan(cmds, nil, model.ModeOptimized)
	require.NoError(t, err)

	assert.Less(t, plan.GroupOf(1), plan.GroupOf(0), "connect must run before move")
}

func TestPlan_ConflictIsolation(t *testing.T) {
	tbl := mustTable(t, "t", []model.Rule{{Source: "move", Target: "rotate", Relation: model.RelationConflicts}}, nil)
	cmds := []model.Command{cmd("move", "A"), cmd("rotate", "A")}

	for _, mode := range []model.ExecutionMode{model.ModeOptimized, model.ModeSequential} {
		plan, err := New(tbl, Options{}).Plan(cmds, nil, mode)
		require.NoError(t, err)
		for _, g := range plan.Groups {
			assert.False(t, len(g.Commands) == 2, "mode %s co-placed conflicting commands", mode)
		}
	}
}

func TestPlan_IndependentResourcesParallelize(t *testing.T) {
	plan, err := New(rules.Default(), Options{}).Plan(
		[]model.Command{cmd("takeoff", "A"), cmd("takeoff", "B")}, nil, model.ModeOptimized)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 1}}, groupsOf(plan))
}

func TestPlan_IdempotentPlanning(t *testing.T) {
	cmds := []model.Command{
		cmd("connect", "A"), cmd("connect", "B"), cmd("takeoff", "A"), cmd("takeoff", "B"),
		cmd("move", "A"), cmd("rotate", "A"), cmd("take_photo", "B"), cmd("hover", "B"),
		cmd("emergency_stop", ""), cmd("land", "A"), cmd("land", "B"),
	}
	p := New(rules.Default(), Options{})
	for _, mode := range []model.ExecutionMode{model.ModeSequential, model.ModeParallel, model.ModePriority, model.ModeOptimized} {
		first, err := p.Plan(cmds, nil, mode)
		require.NoError(t, err)
		second, err := p.Plan(cmds, nil, mode)
		require.NoError(t, err)
		assert.Equal(t, first, second, "mode %s", mode)
	}
}

func TestPlan_Sequential(t *testing.T) {
	plan, err := New(rules.Default(), Options{}).Plan(
		[]model.Command{cmd("move", "A"), cmd("connect", "A"), cmd("takeoff", "B")}, nil, model.ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1}, {2}}, groupsOf(plan))
}

func TestPlan_ParallelChunks(t *testing.T) {
	cmds := make([]model.Command, 7)
	for i := range cmds {
		cmds[i] = cmd("get_status", "A")
	}
	plan, err := New(rules.Default(), Options{MaxParallel: 3}).Plan(cmds, nil, model.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, groupsOf(plan))
}

func TestPlan_ParallelWarnsAboutIgnoredDependencies(t *testing.T) {
	plan, err := New(rules.Default(), Options{}).Plan(
		[]model.Command{cmd("connect", "A"), cmd("takeoff", "A")}, nil, model.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}}, groupsOf(plan))
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[len(plan.Warnings)-1], "does not order command 1 after its dependency 0")
}

func TestPlan_PriorityTiers(t *testing.T) {
	cmds := []model.Command{
		prio(cmd("get_status", "A"), model.PriorityLow),
		prio(cmd("emergency_stop", ""), model.PriorityEmergency),
		cmd("take_photo", "B"),
		prio(cmd("get_status", "B"), model.PriorityLow),
		prio(cmd("hover", "C"), model.PriorityHigh),
	}
	plan, err := New(rules.Default(), Options{}).Plan(cmds, nil, model.ModePriority)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {4}, {2}, {0, 3}}, groupsOf(plan))
}

func TestPlan_OptimizedDroneFlight(t *testing.T) {
	cmds := []model.Command{
		cmd("connect", "A"),
		cmd("connect", "B"),
		cmd("takeoff", "A"),
		cmd("takeoff", "B"),
		{Action: "move", ResourceKey: "A", Confidence: 0.9, Parameters: model.Params{"direction": "forward", "distance": 10}},
		{Action: "rotate", ResourceKey: "A", Confidence: 0.9, Parameters: model.Params{"angle": 90}},
		cmd("land", "A"),
		cmd("land", "B"),
	}
	plan, err := New(rules.Default(), Options{}).Plan(cmds, nil, model.ModeOptimized)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 7}, {5}, {6}}, groupsOf(plan))
	assert.Empty(t, plan.Warnings)
	assert.Equal(t, 8, plan.CommandCount())
}

func TestSelectGroup_PicksBestCandidateFirst(t *testing.T) {
	tbl := mustTable(t, "t", []model.Rule{{Source: "move", Target: "move", Relation: model.RelationConflicts}}, nil)
	cmds := []model.Command{
		{Action: "move", ResourceKey: "A", Confidence: 0.5},
		{Action: "move", ResourceKey: "A", Confidence: 0.9},
		{Action: "move", ResourceKey: "A", Confidence: 0.9, Priority: model.PriorityEmergency},
	}
	full := analyzer.Analyze(cmds, tbl)

	assert.Equal(t, []int{2}, selectGroup(cmds, full, []int{0, 1, 2}))
	assert.Equal(t, []int{1}, selectGroup(cmds, full, []int{0, 1}))
}

func TestPlan_DeadlockBreak(t *testing.T) {
	tbl := mustTable(t, "t", []model.Rule{
		{Source: "a", Target: "b", Relation: model.RelationRequires},
		{Source: "b", Target: "a", Relation: model.RelationRequires},
	}, nil)
	cmds := []model.Command{cmd("a", "A"), cmd("b", "A"), cmd("c", "B")}

	plan, err := New(tbl, Options{}).Plan(cmds, nil, model.ModeOptimized)
	require.NoError(t, err)

	// c is independent and goes first; the a/b cycle is then broken by
	// input order.
	assert.Equal(t, [][]int{{2}, {0}, {1}}, groupsOf(plan))

	var cycleWarnings []string
	for _, w := range plan.Warnings {
		if strings.HasPrefix(w, "DependencyCycle") {
			cycleWarnings = append(cycleWarnings, w)
		}
	}
	require.Len(t, cycleWarnings, 1)
	assert.Contains(t, cycleWarnings[0], "0 -> 1 -> 0")
}

func TestPlan_Estimate(t *testing.T) {
	tbl := mustTable(t, "t",
		[]model.Rule{{Source: "takeoff", Target: "connect", Relation: model.RelationRequires}},
		map[string]rules.ActionSpec{
			"connect": {Cost: 2 * time.Second},
			"takeoff": {},
		})
	cmds := []model.Command{cmd("connect", "A"), cmd("connect", "B"), cmd("takeoff", "A"), cmd("barrel_roll", "C")}

	plan, err := New(tbl, Options{}).Plan(cmds, nil, model.ModeOptimized)
	require.NoError(t, err)

	// group 0: connect A, connect B, barrel_roll C -> max(2s, 2s, 3s)
	// group 1: takeoff A (no cost) -> 3s
	assert.Equal(t, [][]int{{0, 1, 3}, {2}}, groupsOf(plan))
	assert.Equal(t, 6*time.Second, plan.EstimatedDuration)

	var mismatches int
	for _, w := range plan.Warnings {
		if strings.HasPrefix(w, "ParseTimeMismatch") {
			mismatches++
		}
	}
	assert.Equal(t, 2, mismatches, "one for the unknown action, one for the missing cost")
}

func TestPlan_Errors(t *testing.T) {
	p := New(rules.Default(), Options{})

	_, err := p.Plan([]model.Command{cmd("connect", "A")}, nil, "random")
	assert.True(t, errors.Is(err, ErrUnknownMode))

	g := analyzer.Analyze([]model.Command{cmd("connect", "A")}, rules.Default())
	_, err = p.Plan([]model.Command{cmd("connect", "A"), cmd("takeoff", "A")}, g, model.ModeOptimized)
	assert.True(t, errors.Is(err, ErrGraphMismatch))
}

func TestPlan_EmptyBatch(t *testing.T) {
	plan, err := New(rules.Default(), Options{}).Plan(nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, model.ModeOptimized, plan.Mode)
	assert.Empty(t, plan.Groups)
	assert.Zero(t, plan.EstimatedDuration)
}

func TestCache(t *testing.T) {
	cache, err := NewCache(4)
	require.NoError(t, err)
	p := New(rules.Default(), Options{})
	cmds := []model.Command{cmd("connect", "A"), cmd("takeoff", "A")}

	var wg sync.WaitGroup
	plans := make([]*model.Plan, 8)
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan, err := cache.Plan(p, cmds, model.ModeOptimized)
			assert.NoError(t, err)
			plans[i] = plan
		}(i)
	}
	wg.Wait()

	for _, plan := range plans[1:] {
		assert.Same(t, plans[0], plan)
	}
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)

	other, err := cache.Plan(p, cmds, model.ModeSequential)
	require.NoError(t, err)
	assert.NotSame(t, plans[0], other)

	cache.Purge()
	assert.Zero(t, cache.Stats().Size)
}

func TestFingerprint_StableAcrossParamOrder(t *testing.T) {
	p := New(rules.Default(), Options{})
	a := []model.Command{{Action: "move", ResourceKey: "A", Parameters: model.Params{"direction": "up", "distance": 3}}}
	b := []model.Command{{Action: "move", ResourceKey: "A", Parameters: model.Params{"distance": 3, "direction": "up"}}}

	fa, err := Fingerprint(p, a, model.ModeOptimized)
	require.NoError(t, err)
	fb, err := Fingerprint(p, b, model.ModeOptimized)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	fc, err := Fingerprint(New(rules.Default(), Options{MaxParallel: 2}), a, model.ModeOptimized)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestFingerprint_TracksTableContent(t *testing.T) {
	cmds := []model.Command{{Action: "takeoff", ResourceKey: "A"}, {Action: "connect", ResourceKey: "A"}}
	loose, err := rules.NewTable("same", nil, nil)
	require.NoError(t, err)
	strict, err := rules.NewTable("same", []model.Rule{{Source: "takeoff", Target: "connect", Relation: model.RelationRequires}}, nil)
	require.NoError(t, err)

	fl, err := Fingerprint(New(loose, Options{}), cmds, model.ModeOptimized)
	require.NoError(t, err)
	fs, err := Fingerprint(New(strict, Options{}), cmds, model.ModeOptimized)
	require.NoError(t, err)
	assert.NotEqual(t, fl, fs)
}
