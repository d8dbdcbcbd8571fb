package rules

import (
	"fmt"
	"sort"

	"github.com/msageha/dronebatch/internal/model"
)

// ValidateCommand checks one command against the table's parameter schema.
// Actions without a declared schema only get the structural checks.
func (t *Table) ValidateCommand(i int, cmd model.Command) *model.ValidationErrors {
	errs := &model.ValidationErrors{}
	path := fmt.Sprintf("commands[%d]", i)

	if normalizeAction(cmd.Action) == "" {
		errs.Add(path+".action", "action is required")
		return errs
	}
	if cmd.Confidence < 0 || cmd.Confidence > 1 {
		errs.Add(path+".confidence", fmt.Sprintf("must be within [0, 1], got %v", cmd.Confidence))
	}
	if cmd.Priority != "" && !cmd.Priority.Valid() {
		errs.Add(path+".priority", fmt.Sprintf("unknown priority %q", cmd.Priority))
	}

	specs, ok := t.Params(cmd.Action)
	if !ok {
		return errs
	}

	declared := make(map[string]model.ParamSpec, len(specs))
	for _, s := range specs {
		declared[s.Name] = s
		if s.Required && !cmd.Parameters.Has(s.Name) {
			errs.Add(fmt.Sprintf("%s.parameters.%s", path, s.Name), "required parameter missing")
		}
	}

	names := make([]string, 0, len(cmd.Parameters))
	for name := range cmd.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := fmt.Sprintf("%s.parameters.%s", path, name)
		spec, known := declared[name]
		if !known {
			errs.Add(field, fmt.Sprintf("not recognized by action %q", cmd.Action))
			continue
		}
		if !spec.Accepts(cmd.Parameters[name]) {
			errs.Add(field, fmt.Sprintf("expected %s, got %T", spec.Kind, cmd.Parameters[name]))
		}
	}
	return errs
}

// ValidateCommands runs ValidateCommand over a batch and returns nil or a
// *model.ValidationErrors.
func (t *Table) ValidateCommands(cmds []model.Command) error {
	all := &model.ValidationErrors{}
	for i, c := range cmds {
		all.Merge(t.ValidateCommand(i, c))
	}
	return all.OrNil()
}
