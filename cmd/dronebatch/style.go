package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/msageha/dronebatch/internal/model"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#7F8C8D")
	colorAccent  = lipgloss.Color("#20B9B4")
)

var styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorOK),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusCompleted:
		return styles.Success
	case model.StatusFailed:
		return styles.Error
	case model.StatusSkipped:
		return styles.Warning
	default:
		return styles.Muted
	}
}

func renderPlan(w io.Writer, plan *model.Plan, cmds []model.Command) {
	fmt.Fprintln(w, styles.Title.Render(fmt.Sprintf("plan: %s, %d commands in %d groups, estimated %s",
		plan.Mode, plan.CommandCount(), len(plan.Groups), plan.EstimatedDuration)))

	for _, g := range plan.Groups {
		parts := make([]string, 0, len(g.Commands))
		for _, i := range g.Commands {
			parts = append(parts, fmt.Sprintf("#%d %s", i, cmds[i]))
		}
		label := styles.Bold.Render(fmt.Sprintf("group %d", g.Index))
		fmt.Fprintf(w, "  %s  %s\n", label, strings.Join(parts, ", "))
	}

	if len(plan.Edges) > 0 {
		edges := make([]string, 0, len(plan.Edges))
		for _, e := range plan.Edges {
			edges = append(edges, e.String())
		}
		fmt.Fprintf(w, "  %s %s\n", styles.Muted.Render("edges:"), strings.Join(edges, " "))
	}
	for _, warn := range plan.Warnings {
		fmt.Fprintf(w, "  %s %s\n", styles.Warning.Render("warning:"), warn)
	}
}

func renderResult(w io.Writer, res *model.BatchResult) {
	for _, r := range res.Results {
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status))
		line := fmt.Sprintf("  #%-3d %s %-14s %-10s %s", r.Index, status, r.Action, r.ResourceKey, r.Message)
		if r.Attempts > 1 {
			line += styles.Muted.Render(fmt.Sprintf(" (%d attempts)", r.Attempts))
		}
		fmt.Fprintln(w, line)
	}

	s := res.Summary
	a := res.Analytics
	summary := fmt.Sprintf("%s  %d total, %s, %s, %s in %.2fs\nretry rate %.2f  parallelization %.2f  avg confidence %.2f",
		styles.Bold.Render(res.BatchID),
		s.Total,
		styles.Success.Render(fmt.Sprintf("%d ok", s.Successful)),
		styles.Error.Render(fmt.Sprintf("%d failed", s.Failed)),
		styles.Warning.Render(fmt.Sprintf("%d skipped", s.Skipped)),
		s.TotalTimeSec,
		a.RetryRate, a.ParallelizationFactor, a.AverageConfidence)
	for _, v := range a.Violations {
		summary += "\n" + styles.Warning.Render("degraded: ") + v
	}
	fmt.Fprintln(w, styles.Box.Render(summary))
}
