package model

import (
	"fmt"
	"strings"
)

type Relation string

const (
	// RelationRequires: target must complete before source may start.
	RelationRequires Relation = "requires"
	// RelationConflicts: source and target never share an execution group.
	RelationConflicts Relation = "conflicts"
	// RelationEnhances is advisory only.
	RelationEnhances Relation = "enhances"
)

var validRelations = map[Relation]bool{
	RelationRequires:  true,
	RelationConflicts: true,
	RelationEnhances:  true,
}

func ParseRelation(s string) (Relation, error) {
	r := Relation(strings.ToLower(strings.TrimSpace(s)))
	if !validRelations[r] {
		return "", fmt.Errorf("unknown relation %q", s)
	}
	return r, nil
}

func (r Relation) Valid() bool {
	return validRelations[r]
}

// Rule is one (source, target, relation) triple of the dependency rule table.
type Rule struct {
	Source   string   `yaml:"source" json:"source"`
	Target   string   `yaml:"target" json:"target"`
	Relation Relation `yaml:"relation" json:"relation"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s(%s,%s)", strings.ToUpper(string(r.Relation)), r.Source, r.Target)
}

type ParamKind string

const (
	ParamNumber ParamKind = "number"
	ParamString ParamKind = "string"
	ParamBool   ParamKind = "bool"
)

// ParamSpec declares one recognized parameter of an action.
type ParamSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Kind     ParamKind `yaml:"kind" json:"kind"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
}

// Accepts reports whether v has the declared kind.
func (s ParamSpec) Accepts(v any) bool {
	switch s.Kind {
	case ParamNumber:
		_, ok := Params{"v": v}.Float("v")
		return ok
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
