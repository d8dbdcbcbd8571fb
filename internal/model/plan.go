package model

import (
	"fmt"
	"sort"
	"time"
)

type EdgeKind string

const (
	EdgeRequires  EdgeKind = "requires"
	EdgeConflicts EdgeKind = "conflicts"
	EdgeEnhances  EdgeKind = "enhances"
)

// Edge records that command From depends on (or relates to) command To.
// Indices refer to positions in the batch input.
type Edge struct {
	From int      `yaml:"from" json:"from"`
	To   int      `yaml:"to" json:"to"`
	Kind EdgeKind `yaml:"kind" json:"kind"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d-%s->%d", e.From, e.Kind, e.To)
}

// Group is a set of command indices that are safe to run concurrently.
type Group struct {
	Index    int   `yaml:"index" json:"index"`
	Commands []int `yaml:"commands" json:"commands"`
}

func (g Group) Size() int {
	return len(g.Commands)
}

// Plan is built once per batch and read-only during execution.
type Plan struct {
	Mode              ExecutionMode `yaml:"mode" json:"mode"`
	Groups            []Group       `yaml:"groups" json:"groups"`
	Edges             []Edge        `yaml:"edges,omitempty" json:"edges,omitempty"`
	EstimatedDuration time.Duration `yaml:"estimated_duration" json:"estimated_duration"`
	Warnings          []string      `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// CommandCount returns the number of command slots across all groups.
func (p *Plan) CommandCount() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Commands)
	}
	return n
}

// GroupOf returns the group index holding command i, or -1.
func (p *Plan) GroupOf(i int) int {
	for _, g := range p.Groups {
		for _, idx := range g.Commands {
			if idx == i {
				return g.Index
			}
		}
	}
	return -1
}

// PlanSummary is the plan metadata echoed back in a batch result.
type PlanSummary struct {
	Mode                 ExecutionMode `yaml:"mode" json:"mode"`
	Groups               [][]int       `yaml:"groups" json:"groups"`
	EstimatedDurationSec float64       `yaml:"estimated_duration_sec" json:"estimated_duration_sec"`
	Warnings             []string      `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

func (p *Plan) Summary() PlanSummary {
	groups := make([][]int, 0, len(p.Groups))
	for _, g := range p.Groups {
		groups = append(groups, append([]int(nil), g.Commands...))
	}
	return PlanSummary{
		Mode:                 p.Mode,
		Groups:               groups,
		EstimatedDurationSec: p.EstimatedDuration.Seconds(),
		Warnings:             append([]string(nil), p.Warnings...),
	}
}

// DependentIndex maps a command to the commands holding a REQUIRES edge
// onto it.
type DependentIndex map[int][]int

func NewDependentIndex(edges []Edge) DependentIndex {
	idx := make(DependentIndex)
	for _, e := range edges {
		if e.Kind == EdgeRequires {
			idx[e.To] = append(idx[e.To], e.From)
		}
	}
	return idx
}

// Transitive follows REQUIRES edges backwards from root and returns every
// command that cannot succeed without it, ascending.
func (d DependentIndex) Transitive(root int) []int {
	seen := map[int]bool{root: true}
	queue := []int{root}
	var out []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range d[cur] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	sort.Ints(out)
	return out
}
