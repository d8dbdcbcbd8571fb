package analyzer

import (
	"sort"

	"github.com/msageha/dronebatch/internal/model"
)

type pair struct{ a, b int }

func orderedPair(i, j int) pair {
	if i > j {
		i, j = j, i
	}
	return pair{i, j}
}

// Graph is the dependency structure of one batch. It is immutable once
// returned by Analyze.
type Graph struct {
	n         int
	deps      [][]int
	kinds     map[pair][]model.EdgeKind
	conflicts map[pair]bool
	enhances  map[pair]bool
	edges     []model.Edge
	warnings  []string
}

func newGraph(n int) *Graph {
	return &Graph{
		n:         n,
		deps:      make([][]int, n),
		kinds:     make(map[pair][]model.EdgeKind),
		conflicts: make(map[pair]bool),
		enhances:  make(map[pair]bool),
	}
}

func (g *Graph) addDep(from, to int, kind model.EdgeKind) {
	key := pair{from, to}
	for _, k := range g.kinds[key] {
		if k == kind {
			return
		}
	}
	if len(g.kinds[key]) == 0 {
		g.deps[from] = append(g.deps[from], to)
	}
	g.kinds[key] = append(g.kinds[key], kind)
	g.edges = append(g.edges, model.Edge{From: from, To: to, Kind: kind})
}

func (g *Graph) finish() {
	for i := range g.deps {
		sort.Ints(g.deps[i])
	}
	sort.Slice(g.edges, func(a, b int) bool {
		ea, eb := g.edges[a], g.edges[b]
		if ea.From != eb.From {
			return ea.From < eb.From
		}
		if ea.To != eb.To {
			return ea.To < eb.To
		}
		return ea.Kind < eb.Kind
	})
}

// Len is the number of commands the graph was built for.
func (g *Graph) Len() int {
	return g.n
}

// DependsOn returns the indices command i must wait for, ascending.
func (g *Graph) DependsOn(i int) []int {
	if i < 0 || i >= g.n {
		return nil
	}
	return append([]int(nil), g.deps[i]...)
}

// Requires reports whether i waits for j because of a REQUIRES rule.
func (g *Graph) Requires(i, j int) bool {
	for _, k := range g.kinds[pair{i, j}] {
		if k == model.EdgeRequires {
			return true
		}
	}
	return false
}

// Conflicts reports whether i and j must never share a group.
func (g *Graph) Conflicts(i, j int) bool {
	return g.conflicts[orderedPair(i, j)]
}

func (g *Graph) Enhances(i, j int) bool {
	return g.enhances[orderedPair(i, j)]
}

// Edges returns every edge, sorted by (From, To, Kind).
func (g *Graph) Edges() []model.Edge {
	return append([]model.Edge(nil), g.edges...)
}

func (g *Graph) Warnings() []string {
	return append([]string(nil), g.warnings...)
}

// CyclePath finds one cycle among the given commands using DFS over
// dependency edges restricted to that set. The first index is repeated at the
// end. It returns nil when the set is acyclic.
func (g *Graph) CyclePath(among []int) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	inSet := make(map[int]bool, len(among))
	for _, i := range among {
		inSet[i] = true
	}
	color := make(map[int]int, len(among))
	parent := make(map[int]int, len(among))

	var cycle []int
	var dfs func(node int) bool
	dfs = func(node int) bool {
		color[node] = gray
		for _, dep := range g.deps[node] {
			if !inSet[dep] {
				continue
			}
			if color[dep] == gray {
				cycle = []int{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
					cycle[l], cycle[r] = cycle[r], cycle[l]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	sorted := append([]int(nil), among...)
	sort.Ints(sorted)
	for _, n := range sorted {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}
