package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

func cmd(action, key string) model.Command {
	return model.Command{Action: action, ResourceKey: key, Confidence: 0.9}
}

func table(t *testing.T, rs ...model.Rule) *rules.Table {
	t.Helper()
	tbl, err := rules.NewTable("test", rs, nil)
	require.NoError(t, err)
	return tbl
}

func req(a, b string) model.Rule {
	return model.Rule{Source: a, Target: b, Relation: model.RelationRequires}
}

func con(a, b string) model.Rule {
	return model.Rule{Source: a, Target: b, Relation: model.RelationConflicts}
}

func enh(a, b string) model.Rule {
	return model.Rule{Source: a, Target: b, Relation: model.RelationEnhances}
}

func TestAnalyze_RequiresEarlier(t *testing.T) {
	g := Analyze([]model.Command{cmd("connect", "A"), cmd("takeoff", "A")}, table(t, req("takeoff", "connect")))

	assert.Equal(t, []int{0}, g.DependsOn(1))
	assert.Empty(t, g.DependsOn(0))
	assert.True(t, g.Requires(1, 0))
	assert.Equal(t, []model.Edge{{From: 1, To: 0, Kind: model.EdgeRequires}}, g.Edges())
}

func TestAnalyze_RequiresHoistsLaterPrerequisite(t *testing.T) {
	g := Analyze([]model.Command{cmd("move", "A"), cmd("connect", "A"), cmd("connect", "A")}, table(t, req("move", "connect")))

	assert.Equal(t, []int{1}, g.DependsOn(0), "first later satisfier only")
	assert.Empty(t, g.DependsOn(1))
}

func TestAnalyze_HoistSkippedWhenConflicting(t *testing.T) {
	tbl := table(t, req("land", "takeoff"), con("takeoff", "land"))
	g := Analyze([]model.Command{cmd("land", "A"), cmd("takeoff", "A")}, tbl)

	assert.Empty(t, g.DependsOn(0))
	assert.Equal(t, []int{0}, g.DependsOn(1))
	assert.Nil(t, g.CyclePath([]int{0, 1}))
}

func TestAnalyze_ResourceScoping(t *testing.T) {
	tbl := table(t, req("takeoff", "connect"), con("move", "rotate"))
	cmds := []model.Command{
		cmd("connect", "A"),
		cmd("takeoff", "B"),
		cmd("move", "A"),
		cmd("rotate", "B"),
	}
	g := Analyze(cmds, tbl)

	for i := range cmds {
		assert.Empty(t, g.DependsOn(i), "command %d", i)
	}
	assert.False(t, g.Conflicts(2, 3))
}

func TestAnalyze_SystemCommandsShareEveryScope(t *testing.T) {
	tbl := table(t, con("emergency_stop", "move"))
	g := Analyze([]model.Command{cmd("move", "A"), cmd("emergency_stop", ""), cmd("move", "B")}, tbl)

	assert.True(t, g.Conflicts(0, 1))
	assert.True(t, g.Conflicts(1, 2))
	assert.Equal(t, []int{0}, g.DependsOn(1))
	assert.Equal(t, []int{1}, g.DependsOn(2))
}

func TestAnalyze_ConflictsSymmetric(t *testing.T) {
	tbl := table(t, con("move", "rotate"))
	g := Analyze([]model.Command{cmd("rotate", "A"), cmd("move", "A")}, tbl)

	assert.True(t, g.Conflicts(0, 1))
	assert.True(t, g.Conflicts(1, 0))
	assert.Equal(t, []int{0}, g.DependsOn(1))
	assert.Equal(t, []model.Edge{{From: 1, To: 0, Kind: model.EdgeConflicts}}, g.Edges())
}

func TestAnalyze_RequiresAndConflictsOnSamePair(t *testing.T) {
	tbl := table(t, req("land", "takeoff"), con("land", "takeoff"))
	g := Analyze([]model.Command{cmd("takeoff", "A"), cmd("land", "A")}, tbl)

	assert.Equal(t, []int{0}, g.DependsOn(1))
	assert.Len(t, g.Edges(), 2)
}

func TestAnalyze_EnhancesIsAdvisory(t *testing.T) {
	tbl := table(t, enh("take_photo", "hover"))
	g := Analyze([]model.Command{cmd("hover", "A"), cmd("take_photo", "A")}, tbl)

	assert.True(t, g.Enhances(0, 1))
	assert.Empty(t, g.DependsOn(1))
	assert.Equal(t, []model.Edge{{From: 1, To: 0, Kind: model.EdgeEnhances}}, g.Edges())
}

func TestAnalyze_UnknownActionsWarn(t *testing.T) {
	g := Analyze([]model.Command{cmd("barrel_roll", "A"), cmd("barrel_roll", "B"), cmd("connect", "A")}, rules.Default())

	require.Len(t, g.Warnings(), 1)
	assert.Contains(t, g.Warnings()[0], "ParseTimeMismatch")
	assert.Empty(t, g.DependsOn(0))
}

func TestAnalyze_NilTable(t *testing.T) {
	g := Analyze([]model.Command{cmd("connect", "A"), cmd("takeoff", "A")}, nil)
	assert.Equal(t, 2, g.Len())
	assert.Empty(t, g.Edges())
}

func TestAnalyze_Deterministic(t *testing.T) {
	cmds := []model.Command{
		cmd("connect", "A"), cmd("takeoff", "A"), cmd("move", "A"),
		cmd("connect", "B"), cmd("takeoff", "B"), cmd("emergency_stop", ""),
		cmd("take_photo", "A"), cmd("hover", "A"), cmd("land", "B"),
	}
	first := Analyze(cmds, rules.Default())
	second := Analyze(cmds, rules.Default())

	assert.Equal(t, first.Edges(), second.Edges())
	for i := range cmds {
		assert.Equal(t, first.DependsOn(i), second.DependsOn(i))
	}
}

func TestDependentIndex_FromAnalyzedEdges(t *testing.T) {
	g := Analyze([]model.Command{
		cmd("connect", "A"),
		cmd("takeoff", "A"),
		cmd("move", "A"),
		cmd("take_photo", "A"),
		cmd("connect", "B"),
	}, rules.Default())

	deps := model.NewDependentIndex(g.Edges())
	assert.Equal(t, []int{1, 2, 3}, deps.Transitive(0))
	assert.Equal(t, []int{2}, deps.Transitive(1))
	assert.Empty(t, deps.Transitive(4))
}

func TestGraph_CyclePath(t *testing.T) {
	cyclic := newGraph(3)
	cyclic.addDep(0, 1, model.EdgeRequires)
	cyclic.addDep(1, 2, model.EdgeRequires)
	cyclic.addDep(2, 0, model.EdgeRequires)
	cyclic.finish()

	assert.Equal(t, []int{0, 1, 2, 0}, cyclic.CyclePath([]int{0, 1, 2}))
	assert.Nil(t, cyclic.CyclePath([]int{0, 1}))
}

func TestGraph_CyclePathAcyclic(t *testing.T) {
	g := Analyze([]model.Command{cmd("connect", "A"), cmd("takeoff", "A")}, rules.Default())
	assert.Nil(t, g.CyclePath([]int{0, 1}))
}
