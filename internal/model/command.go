// Package model defines the data structures shared by the dronebatch analyzer,
// planner, executor and analytics: commands, rules, plans, execution records
// and batch results.
package model

import (
	"fmt"
	"strings"
)

// SystemResource is the resource key of commands that do not operate on a
// specific drone. System commands interact with every other command.
const SystemResource = "system"

type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// PriorityTiers lists priorities from most to least urgent.
var PriorityTiers = []Priority{PriorityEmergency, PriorityHigh, PriorityNormal, PriorityLow}

var priorityRanks = map[Priority]int{
	PriorityEmergency: 0,
	PriorityHigh:      1,
	PriorityNormal:    2,
	PriorityLow:       3,
}

// ParsePriority accepts any casing; unknown or empty values map to normal.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRanks[p]; ok {
		return p
	}
	return PriorityNormal
}

// Rank returns 0 for emergency through 3 for low.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Command is one element of a batch as produced by the NLP parser.
type Command struct {
	Action      string   `yaml:"action" json:"action"`
	ResourceKey string   `yaml:"resource_key,omitempty" json:"resource_key,omitempty"`
	Parameters  Params   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Confidence  float64  `yaml:"confidence" json:"confidence"`
	Priority    Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Resource returns the normalized resource key.
func (c Command) Resource() string {
	key := strings.TrimSpace(c.ResourceKey)
	if key == "" {
		return SystemResource
	}
	return key
}

func (c Command) ResourceIndependent() bool {
	return c.Resource() == SystemResource
}

// EffectivePriority returns the command priority, defaulting to normal.
func (c Command) EffectivePriority() Priority {
	if c.Priority.Valid() {
		return c.Priority
	}
	return ParsePriority(string(c.Priority))
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Action, c.Resource())
}

// SharesScope reports whether two commands can interact: same resource key or
// either side resource independent.
func SharesScope(a, b Command) bool {
	if a.ResourceIndependent() || b.ResourceIndependent() {
		return true
	}
	return a.Resource() == b.Resource()
}

// Params is the parameter bag of a command. Recognized names per action are
// declared by the rule table and checked at the batch boundary.
type Params map[string]any

func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

// Float converts any numeric value.
func (p Params) Float(name string) (float64, bool) {
	switch v := p[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func (p Params) Int(name string) (int, bool) {
	f, ok := p.Float(name)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// Clone returns a shallow copy so handlers cannot mutate the batch input.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
