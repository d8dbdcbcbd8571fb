// Package rules holds the dependency rule table: the static, versioned set of
// (source, target, relation) triples together with the per-action cost table
// and parameter schema. A Table is immutable once built and is passed
// explicitly to the analyzer and planner; there is no process-wide table.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/dronebatch/internal/model"
)

// DefaultCost is the duration estimate for actions missing from the cost table.
const DefaultCost = 3 * time.Second

var ErrMalformedTable = errors.New("malformed rule table")

// TableError describes why a table was rejected. It matches ErrMalformedTable.
type TableError struct {
	Field  string
	Reason string
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformedTable, e.Field, e.Reason)
}

func (e *TableError) Unwrap() error {
	return ErrMalformedTable
}

type ruleKey struct {
	source   string
	target   string
	relation model.Relation
}

// ActionSpec describes one action: its cost estimate and recognized parameters.
// A zero Cost means no estimate. A nil Params means the action accepts any
// parameters.
type ActionSpec struct {
	Cost   time.Duration
	Params []model.ParamSpec
}

type Table struct {
	version string
	digest  string
	rules   []model.Rule
	index   map[ruleKey]bool
	actions map[string]ActionSpec
	known   map[string]bool
}

// NewTable validates and indexes rules and action specs. The inputs are
// copied; later mutation by the caller does not affect the table.
func NewTable(version string, ruleList []model.Rule, actions map[string]ActionSpec) (*Table, error) {
	t := &Table{
		version: version,
		index:   make(map[ruleKey]bool, len(ruleList)),
		actions: make(map[string]ActionSpec, len(actions)),
		known:   make(map[string]bool),
	}

	for i, r := range ruleList {
		field := fmt.Sprintf("rules[%d]", i)
		src := normalizeAction(r.Source)
		tgt := normalizeAction(r.Target)
		if src == "" || tgt == "" {
			return nil, &TableError{Field: field, Reason: "source and target are required"}
		}
		if !r.Relation.Valid() {
			return nil, &TableError{Field: field, Reason: fmt.Sprintf("unknown relation %q", r.Relation)}
		}
		t.known[src] = true
		t.known[tgt] = true
		// An action never waits on itself; REQUIRES(a, a) carries no ordering.
		if r.Relation == model.RelationRequires && src == tgt {
			continue
		}
		key := ruleKey{source: src, target: tgt, relation: r.Relation}
		if t.index[key] {
			continue
		}
		t.index[key] = true
		t.rules = append(t.rules, model.Rule{Source: src, Target: tgt, Relation: r.Relation})
	}

	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range names {
		spec := actions[raw]
		name := normalizeAction(raw)
		field := fmt.Sprintf("actions.%s", raw)
		if name == "" {
			return nil, &TableError{Field: field, Reason: "empty action name"}
		}
		if spec.Cost < 0 {
			return nil, &TableError{Field: field + ".cost", Reason: "cost must not be negative"}
		}
		var params []model.ParamSpec
		if spec.Params != nil {
			params = make([]model.ParamSpec, 0, len(spec.Params))
			seen := make(map[string]bool, len(spec.Params))
			for j, p := range spec.Params {
				pfield := fmt.Sprintf("%s.params[%d]", field, j)
				if p.Name == "" {
					return nil, &TableError{Field: pfield, Reason: "parameter name is required"}
				}
				if seen[p.Name] {
					return nil, &TableError{Field: pfield, Reason: fmt.Sprintf("duplicate parameter %q", p.Name)}
				}
				switch p.Kind {
				case model.ParamNumber, model.ParamString, model.ParamBool:
				default:
					return nil, &TableError{Field: pfield, Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
				}
				seen[p.Name] = true
				params = append(params, p)
			}
		}
		t.actions[name] = ActionSpec{Cost: spec.Cost, Params: params}
		t.known[name] = true
	}

	digest, err := t.contentDigest()
	if err != nil {
		return nil, err
	}
	t.digest = digest
	return t, nil
}

// contentDigest hashes the sorted rules and action specs, so two tables with
// the same content share a digest whatever their version label.
func (t *Table) contentDigest() (string, error) {
	type actionEntry struct {
		Name   string            `json:"name"`
		Cost   time.Duration     `json:"cost"`
		Params []model.ParamSpec `json:"params"`
	}
	rules := append([]model.Rule(nil), t.rules...)
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Relation < b.Relation
	})
	names := make([]string, 0, len(t.actions))
	for name := range t.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	actions := make([]actionEntry, 0, len(names))
	for _, name := range names {
		spec := t.actions[name]
		actions = append(actions, actionEntry{Name: name, Cost: spec.Cost, Params: spec.Params})
	}

	b, err := json.Marshal(struct {
		Rules   []model.Rule  `json:"rules"`
		Actions []actionEntry `json:"actions"`
	}{rules, actions})
	if err != nil {
		return "", fmt.Errorf("digest rule table: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeAction(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func (t *Table) Version() string {
	return t.version
}

// Digest is a hex sha256 over the table content, independent of Version.
func (t *Table) Digest() string {
	return t.digest
}

// Rules returns a copy of the deduplicated rules in declaration order.
func (t *Table) Rules() []model.Rule {
	return append([]model.Rule(nil), t.rules...)
}

func (t *Table) Has(rel model.Relation, source, target string) bool {
	return t.index[ruleKey{source: normalizeAction(source), target: normalizeAction(target), relation: rel}]
}

// Requires reports REQUIRES(source, target): target must complete first.
func (t *Table) Requires(source, target string) bool {
	return t.Has(model.RelationRequires, source, target)
}

// Conflicts is symmetric.
func (t *Table) Conflicts(a, b string) bool {
	return t.Has(model.RelationConflicts, a, b) || t.Has(model.RelationConflicts, b, a)
}

// Enhances is symmetric; it only ever influences plan quality.
func (t *Table) Enhances(a, b string) bool {
	return t.Has(model.RelationEnhances, a, b) || t.Has(model.RelationEnhances, b, a)
}

// Known reports whether the action appears anywhere in the table.
func (t *Table) Known(action string) bool {
	return t.known[normalizeAction(action)]
}

// Cost returns the action's cost estimate; ok is false when the action has no
// cost entry and DefaultCost is returned.
func (t *Table) Cost(action string) (time.Duration, bool) {
	spec, ok := t.actions[normalizeAction(action)]
	if !ok || spec.Cost == 0 {
		return DefaultCost, false
	}
	return spec.Cost, true
}

// Params returns the closed parameter set of an action. ok is false when the
// table declares no schema for it.
func (t *Table) Params(action string) ([]model.ParamSpec, bool) {
	spec, ok := t.actions[normalizeAction(action)]
	if !ok || spec.Params == nil {
		return nil, false
	}
	return append([]model.ParamSpec(nil), spec.Params...), true
}

// Actions lists every action with an ActionSpec, sorted.
func (t *Table) Actions() []string {
	out := make([]string, 0, len(t.actions))
	for name := range t.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
