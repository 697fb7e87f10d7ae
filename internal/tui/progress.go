// Package tui renders live migration progress in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dnl0037/db-migrations/internal/migration"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/report"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).BorderStyle(lipgloss.DoubleBorder()).BorderBottom(true).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

// StatusMsg carries a status update from the running migration.
type StatusMsg migration.Status

// DoneMsg reports the end of the run.
type DoneMsg struct {
	Report *report.MigrationReport
	Err    error
}

type entityProgress struct {
	state  string
	counts report.Counts
	total  int64
	batch  int
}

// ProgressModel is the bubbletea model shown while a migration runs.
type ProgressModel struct {
	order    []model.EntityType
	entities map[model.EntityType]*entityProgress
	phase    migration.Phase
	current  model.EntityType
	runID    string
	elapsed  time.Duration

	spinner spinner.Model
	bar     progress.Model
	cancel  func()

	report     *report.MigrationReport
	err        error
	done       bool
	cancelling bool
	width      int
}

// NewProgressModel creates a progress view. cancel is called once when the
// user asks to stop; the run then ends after its current batch.
func NewProgressModel(order []model.EntityType, cancel func()) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = highlightStyle

	m := ProgressModel{
		order:    order,
		entities: make(map[model.EntityType]*entityProgress, len(order)),
		phase:    migration.PhaseNotStarted,
		spinner:  s,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		cancel:   cancel,
		width:    100,
	}
	for _, e := range order {
		m.entities[e] = &entityProgress{state: "pending"}
	}
	return m
}

func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-30, 10), 60)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
			return m, nil
		case "enter":
			if m.done {
				return m, tea.Quit
			}
		}
		return m, nil

	case StatusMsg:
		m.apply(migration.Status(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		m.report = msg.Report
		m.err = msg.Err
		if msg.Report != nil {
			for _, er := range msg.Report.Entities {
				p := m.progressOf(er.Entity)
				p.state = er.State
				p.counts = er.Counts
			}
		}
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) progressOf(e model.EntityType) *entityProgress {
	p, ok := m.entities[e]
	if !ok {
		p = &entityProgress{state: "pending"}
		m.entities[e] = p
		m.order = append(m.order, e)
	}
	return p
}

func (m *ProgressModel) apply(s migration.Status) {
	m.phase = s.Phase
	m.runID = s.RunID
	m.elapsed = s.Elapsed
	if s.Entity == "" {
		return
	}
	if m.current != "" && m.current != s.Entity {
		if p := m.progressOf(m.current); p.state == "running" {
			p.state = "completed"
		}
	}
	m.current = s.Entity
	p := m.progressOf(s.Entity)
	p.counts = s.Counts
	p.batch = s.Batch
	if s.SourceRows > 0 {
		p.total = s.SourceRows
	}
	switch s.Phase {
	case migration.PhaseAborted:
		p.state = "failed"
	case migration.PhaseCancelled:
		p.state = "cancelled"
	default:
		p.state = "running"
	}
}

// Percent is the share of source rows read for an entity type, 0 to 1.
func (m ProgressModel) Percent(e model.EntityType) float64 {
	p, ok := m.entities[e]
	if !ok {
		return 0
	}
	switch {
	case p.state == "completed":
		return 1
	case p.total <= 0:
		return 0
	}
	return min(float64(p.counts.Read)/float64(p.total), 1)
}

func (m ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Migration"))
	b.WriteString("\n\n")

	phase := string(m.phase)
	switch m.phase {
	case migration.PhaseCompleted:
		phase = successStyle.Render(phase)
	case migration.PhaseAborted:
		phase = errStyle.Render(phase)
	default:
		if !m.done {
			phase = m.spinner.View() + " " + highlightStyle.Render(phase)
		}
	}
	b.WriteString(fmt.Sprintf("  Phase: %s", phase))
	if m.elapsed > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s", m.elapsed.Round(time.Second))))
	}
	b.WriteString("\n\n")

	for _, e := range m.order {
		p := m.entities[e]
		icon := dimStyle.Render("..")
		switch p.state {
		case "completed":
			icon = successStyle.Render("OK")
		case "running":
			icon = highlightStyle.Render(">>")
		case "failed", "cancelled":
			icon = errStyle.Render("XX")
		}
		line := fmt.Sprintf("  %s %-12s", icon, e)
		if p.state != "pending" {
			line += " " + m.bar.ViewAs(m.Percent(e))
			c := p.counts
			line += dimStyle.Render(fmt.Sprintf("  read %d  loaded %d  rejected %d  failed %d", c.Read, c.Loaded, c.Rejected, c.LoadFailed))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	switch {
	case m.done && m.err != nil:
		b.WriteString(errStyle.Render("  " + m.err.Error()))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Press enter to exit"))
	case m.done:
		status := "finished"
		if m.report != nil {
			status = m.report.Status
		}
		b.WriteString(successStyle.Render("  Migration " + status))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Press enter to exit"))
	case m.cancelling:
		b.WriteString(dimStyle.Render("  Stopping after the current batch..."))
	default:
		b.WriteString(dimStyle.Render("  q: stop after the current batch"))
	}
	b.WriteString("\n")
	return b.String()
}

// Done returns true when the run has ended.
func (m ProgressModel) Done() bool {
	return m.done
}

// Cancelling returns true once the user asked to stop.
func (m ProgressModel) Cancelling() bool {
	return m.cancelling
}
