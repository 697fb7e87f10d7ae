package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Summary renders the per-entity counts as a styled table for terminals.
func Summary(r *MigrationReport, maxIssues int) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Migration "+r.RunID) + "\n")
	b.WriteString(statusStyle(r.Status).Render(r.Status))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s", r.Duration().Round(time.Millisecond))) + "\n\n")

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("entity", "read", "validated", "rejected", "loaded", "load_failed", "defaulted")
	for _, e := range r.Entities {
		c := e.Counts
		t.Row(string(e.Entity), itoa(c.Read), itoa(c.Validated), itoa(c.Rejected), itoa(c.Loaded), itoa(c.LoadFailed), itoa(c.Defaulted))
	}
	c := r.Totals()
	t.Row("total", itoa(c.Read), itoa(c.Validated), itoa(c.Rejected), itoa(c.Loaded), itoa(c.LoadFailed), itoa(c.Defaulted))
	b.WriteString(t.Render() + "\n")

	if r.Fatal != "" {
		b.WriteString(errStyle.Render("fatal: "+r.Fatal) + "\n")
	}

	shown := 0
	for _, e := range r.Entities {
		for _, is := range e.Issues {
			if shown == maxIssues {
				b.WriteString(dimStyle.Render(fmt.Sprintf("... %d more issues in the report file", r.IssueCount()-shown)) + "\n")
				return b.String()
			}
			b.WriteString(warnStyle.Render(fmt.Sprintf("%s %d", e.Entity, is.OldKey)) + " " + is.Reason + "\n")
			shown++
		}
	}
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case StatusCompleted:
		return okStyle
	case StatusCompletedWithIssue, StatusCancelled:
		return warnStyle
	}
	return errStyle
}

func itoa(n int) string { return strconv.Itoa(n) }
