// Package analyzer derives the dependency graph of a command batch from the
// rule table. Analysis is pure and deterministic: the same commands and table
// always yield the same graph.
package analyzer

import (
	"fmt"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

// Analyze builds the dependency graph for cmds.
//
// Two commands interact only when they share a resource key or either one is
// resource independent. For an interacting pair (i, j):
//   - REQUIRES(action_i, action_j) with j before i makes i depend on j. When
//     no earlier command satisfies the requirement, i depends on the first
//     later one instead so the prerequisite is hoisted ahead of it, unless the
//     two also conflict, in which case input order wins.
//   - CONFLICTS in either direction marks the pair exclusive and makes the
//     later command depend on the earlier one.
//   - ENHANCES is recorded for plan quality only.
func Analyze(cmds []model.Command, table *rules.Table) *Graph {
	g := newGraph(len(cmds))
	if table == nil {
		table = emptyTable
	}

	seenUnknown := make(map[string]bool)
	for _, c := range cmds {
		if !table.Known(c.Action) && !seenUnknown[c.Action] {
			seenUnknown[c.Action] = true
			g.warnings = append(g.warnings, fmt.Sprintf("ParseTimeMismatch: action %q is not in rule table %s; treated as independent", c.Action, table.Version()))
		}
	}

	for i, ci := range cmds {
		satisfied := make(map[string]bool)
		for j := 0; j < i; j++ {
			cj := cmds[j]
			if !model.SharesScope(ci, cj) {
				continue
			}
			if table.Requires(ci.Action, cj.Action) {
				g.addDep(i, j, model.EdgeRequires)
				satisfied[cj.Action] = true
			}
			if table.Conflicts(ci.Action, cj.Action) {
				g.conflicts[orderedPair(i, j)] = true
				g.addDep(i, j, model.EdgeConflicts)
			}
			if table.Enhances(ci.Action, cj.Action) {
				if !g.enhances[orderedPair(i, j)] {
					g.enhances[orderedPair(i, j)] = true
					g.edges = append(g.edges, model.Edge{From: i, To: j, Kind: model.EdgeEnhances})
				}
			}
		}

		for j := i + 1; j < len(cmds); j++ {
			cj := cmds[j]
			if !model.SharesScope(ci, cj) || satisfied[cj.Action] {
				continue
			}
			if !table.Requires(ci.Action, cj.Action) {
				continue
			}
			satisfied[cj.Action] = true
			if table.Conflicts(ci.Action, cj.Action) {
				continue
			}
			g.addDep(i, j, model.EdgeRequires)
		}
	}

	g.finish()
	return g
}

var emptyTable, _ = rules.NewTable("empty", nil, nil)
