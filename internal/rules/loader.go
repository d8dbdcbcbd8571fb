package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/msageha/dronebatch/internal/model"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

// File is the on-disk form of a Table (file_type "rule_table").
type File struct {
	SchemaVersion int                   `yaml:"schema_version"`
	FileType      string                `yaml:"file_type"`
	Version       string                `yaml:"version"`
	Rules         []model.Rule          `yaml:"rules"`
	Actions       map[string]ActionFile `yaml:"actions,omitempty"`
}

// ActionFile is one entry of the actions map. A missing params list means the
// action accepts any parameters; an empty list means it accepts none.
type ActionFile struct {
	CostSec float64           `yaml:"cost_sec,omitempty"`
	Params  []model.ParamSpec `yaml:"params"`
}

// LoadFile reads and validates a rule table file.
func LoadFile(path string) (*Table, error) {
	var f File
	if err := yamlutil.LoadFile(path, yamlutil.FileTypeRuleTable, &f); err != nil {
		return nil, fmt.Errorf("load rule table %s: %w", path, err)
	}
	t, err := f.Table()
	if err != nil {
		return nil, fmt.Errorf("load rule table %s: %w", path, err)
	}
	return t, nil
}

// Parse is LoadFile for in-memory content.
func Parse(content []byte) (*Table, error) {
	var f File
	if err := yamlutil.Decode(content, yamlutil.FileTypeRuleTable, &f); err != nil {
		return nil, err
	}
	return f.Table()
}

// Table builds the immutable table from the decoded file.
func (f File) Table() (*Table, error) {
	ruleList := make([]model.Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		rel, err := model.ParseRelation(string(r.Relation))
		if err != nil {
			return nil, &TableError{Field: fmt.Sprintf("rules[%d].relation", i), Reason: err.Error()}
		}
		ruleList = append(ruleList, model.Rule{Source: r.Source, Target: r.Target, Relation: rel})
	}

	actions := make(map[string]ActionSpec, len(f.Actions))
	for name, a := range f.Actions {
		if a.CostSec < 0 {
			return nil, &TableError{Field: "actions." + name + ".cost_sec", Reason: "cost must not be negative"}
		}
		actions[name] = ActionSpec{
			Cost:   time.Duration(a.CostSec * float64(time.Second)),
			Params: a.Params,
		}
	}

	version := f.Version
	if version == "" {
		version = "unversioned"
	}
	return NewTable(version, ruleList, actions)
}

// ToFile renders t in its on-disk form.
func ToFile(t *Table) File {
	f := File{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeRuleTable,
		Version:       t.Version(),
		Rules:         t.Rules(),
		Actions:       make(map[string]ActionFile, len(t.actions)),
	}
	for _, name := range t.Actions() {
		spec := t.actions[name]
		f.Actions[name] = ActionFile{CostSec: spec.Cost.Seconds(), Params: spec.Params}
	}
	return f
}

// Describe lists the rules in a stable, human readable order.
func Describe(t *Table) []string {
	out := make([]string, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.String())
	}
	sort.Strings(out)
	return out
}
