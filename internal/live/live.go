// Package live renders a running simulation in the terminal. The model is
// fed from outside: the caller sends a StepMsg for every progress event and
// a DoneMsg when the run returns.
package live

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/cyclesim/internal/coordinator"
)

const (
	historyCapacity = 120
	barWidth        = 30
)

var (
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(1, 2)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Bold(true)
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

// StepMsg carries one progress event from the coordinator.
type StepMsg coordinator.Progress

// DoneMsg ends the view with the run's result.
type DoneMsg struct {
	Summary *coordinator.Summary
	Err     error
}

type Model struct {
	title   string
	cancel  func()
	last    coordinator.Progress
	started bool
	start   float64
	dts     []float64
	done    bool
	summary *coordinator.Summary
	err     error
}

// NewModel builds the view. cancel is called when the user quits before the
// run ends.
func NewModel(title string, cancel func()) Model {
	return Model{title: title, cancel: cancel, dts: make([]float64, 0, historyCapacity)}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if m.cancel != nil {
				m.cancel()
			}
		}
	case StepMsg:
		if !m.started {
			m.started, m.start = true, msg.Time
			if !msg.Failed {
				m.start -= msg.DT
			}
		}
		m.last = coordinator.Progress(msg)
		if !msg.Failed {
			m.dts = append(m.dts, msg.DT)
			if len(m.dts) > historyCapacity {
				m.dts = m.dts[len(m.dts)-historyCapacity:]
			}
		}
	case DoneMsg:
		m.done, m.summary, m.err = true, msg.Summary, msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) Finished() bool { return m.done }

// Result is the run's outcome once Finished.
func (m Model) Result() (*coordinator.Summary, error) { return m.summary, m.err }

// Fraction is how far the run is toward its end time, or -1 when it has none.
func (m Model) Fraction() float64 {
	p := m.last
	if p.EndTime < 0 || !m.started {
		return -1
	}
	span := p.EndTime - m.start
	if span <= 0 {
		return 1
	}
	return math.Max(0, math.Min(1, (p.Time-m.start)/span))
}

func (m Model) status() string {
	switch {
	case m.done && m.err != nil:
		return failStyle.Render("FAILED")
	case m.done:
		return doneStyle.Render("DONE")
	case m.last.Failed:
		return failStyle.Render("RETRYING")
	default:
		return valueStyle.Render("RUNNING")
	}
}

func (m Model) View() string {
	var s strings.Builder
	s.WriteString(headerStyle.Render(strings.ToUpper(m.title)) + "\n")
	s.WriteString(m.status() + "\n\n")

	row := func(k, v string) {
		s.WriteString(labelStyle.Render(k) + valueStyle.Render(v) + "\n")
	}
	p := m.last
	row("Cycle", fmt.Sprintf("%d", p.Cycle))
	row("Time", fmt.Sprintf("%.6g", p.Time))
	row("dt", fmt.Sprintf("%.3g", p.DT))
	row("Steps", fmt.Sprintf("%d", p.Steps))
	row("Failures", fmt.Sprintf("%d", p.Failures))

	if f := m.Fraction(); f >= 0 {
		filled := int(f * barWidth)
		bar := "[" + strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled) + "]"
		row("Progress", fmt.Sprintf("%s %3.0f%%", bar, 100*f))
	}
	if len(m.dts) > 1 {
		chart := asciigraph.Plot(m.dts, asciigraph.Height(5), asciigraph.Width(40), asciigraph.Caption("dt"))
		s.WriteString(graphStyle.Render(chart) + "\n")
	}
	if m.done && m.err != nil {
		s.WriteString("\n" + failStyle.Render(m.err.Error()) + "\n")
	}
	if m.done {
		s.WriteString(helpStyle.Render("q: quit"))
	} else {
		s.WriteString(helpStyle.Render("q: stop the run"))
	}
	return panelStyle.Render(s.String())
}
