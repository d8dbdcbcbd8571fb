package planner

import (
	"fmt"
	"time"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

// estimate sums, over groups, the most expensive action in each group.
// Known actions without a cost entry fall back to rules.DefaultCost and are
// reported once each; actions unknown to the table were already reported by
// the analyzer.
func estimate(cmds []model.Command, groups []model.Group, table *rules.Table) (time.Duration, []string) {
	var total time.Duration
	var warnings []string
	warned := make(map[string]bool)

	for _, grp := range groups {
		var longest time.Duration
		for _, idx := range grp.Commands {
			action := cmds[idx].Action
			cost, ok := table.Cost(action)
			if !ok && table.Known(action) && !warned[action] {
				warned[action] = true
				warnings = append(warnings, fmt.Sprintf("ParseTimeMismatch: no cost entry for action %q; using default %s", action, rules.DefaultCost))
			}
			longest = max(longest, cost)
		}
		total += longest
	}
	return total, warnings
}
