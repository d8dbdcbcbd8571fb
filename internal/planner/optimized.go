package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/dronebatch/internal/analyzer"
	"github.com/msageha/dronebatch/internal/model"
)

// optimizedGroups repeatedly schedules the ready set: unscheduled commands
// whose dependencies all sit in earlier groups. When nothing is ready the
// commands with the fewest outstanding dependencies are forced through and a
// DependencyCycle warning is recorded. A command that keeps losing that
// tie-break can be deferred for as long as the cycle persists.
func optimizedGroups(cmds []model.Command, g *analyzer.Graph) ([][]int, []string) {
	n := len(cmds)
	scheduled := make([]bool, n)
	remaining := n
	var groups [][]int
	var warnings []string

	for remaining > 0 {
		var ready []int
		outstanding := make(map[int]int)
		for i := 0; i < n; i++ {
			if scheduled[i] {
				continue
			}
			for _, dep := range g.DependsOn(i) {
				if !scheduled[dep] {
					outstanding[i]++
				}
			}
			if outstanding[i] == 0 {
				ready = append(ready, i)
			}
		}

		if len(ready) == 0 {
			ready, warnings = breakDeadlock(n, scheduled, outstanding, g, warnings)
		}

		group := selectGroup(cmds, g, ready)
		for _, idx := range group {
			scheduled[idx] = true
		}
		remaining -= len(group)
		groups = append(groups, group)
	}
	return groups, warnings
}

func breakDeadlock(n int, scheduled []bool, outstanding map[int]int, g *analyzer.Graph, warnings []string) ([]int, []string) {
	var unscheduled []int
	fewest := -1
	for i := 0; i < n; i++ {
		if scheduled[i] {
			continue
		}
		unscheduled = append(unscheduled, i)
		if fewest < 0 || outstanding[i] < fewest {
			fewest = outstanding[i]
		}
	}

	var picked []int
	for _, i := range unscheduled {
		if outstanding[i] == fewest {
			picked = append(picked, i)
		}
	}

	cycle := "(unresolved)"
	if path := g.CyclePath(unscheduled); len(path) > 0 {
		parts := make([]string, len(path))
		for i, idx := range path {
			parts[i] = fmt.Sprintf("%d", idx)
		}
		cycle = strings.Join(parts, " -> ")
	}
	warnings = append(warnings, fmt.Sprintf(
		"DependencyCycle: no command ready (cycle %s); forcing %v with %d outstanding dependencies",
		cycle, picked, fewest))
	return picked, warnings
}

// selectGroup partitions candidates by resource key in order of first
// appearance and, per key, takes the best candidate then every further one
// that neither conflicts with nor depends on anything already chosen.
func selectGroup(cmds []model.Command, g *analyzer.Graph, candidates []int) []int {
	var keys []string
	byKey := make(map[string][]int)
	for _, idx := range candidates {
		key := cmds[idx].Resource()
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], idx)
	}

	var chosen []int
	for _, key := range keys {
		members := byKey[key]
		affinity := make(map[int]int, len(members))
		for _, a := range members {
			for _, b := range candidates {
				if a != b && g.Enhances(a, b) {
					affinity[a]++
				}
			}
		}
		sort.SliceStable(members, func(x, y int) bool {
			a, b := cmds[members[x]], cmds[members[y]]
			if ra, rb := a.EffectivePriority().Rank(), b.EffectivePriority().Rank(); ra != rb {
				return ra < rb
			}
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if affinity[members[x]] != affinity[members[y]] {
				return affinity[members[x]] > affinity[members[y]]
			}
			return members[x] < members[y]
		})

		for _, idx := range members {
			if compatible(g, idx, chosen) {
				chosen = append(chosen, idx)
			}
		}
	}

	sort.Ints(chosen)
	return chosen
}

func compatible(g *analyzer.Graph, idx int, chosen []int) bool {
	for _, other := range chosen {
		if g.Conflicts(idx, other) || dependsOn(g, idx, other) || dependsOn(g, other, idx) {
			return false
		}
	}
	return true
}

func dependsOn(g *analyzer.Graph, i, j int) bool {
	for _, d := range g.DependsOn(i) {
		if d == j {
			return true
		}
	}
	return false
}
