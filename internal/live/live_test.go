package live

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/cyclesim/internal/coordinator"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestModel_TracksProgress(t *testing.T) {
	m := feed(t, NewModel("decay-step", nil),
		StepMsg{Cycle: 1, Time: 10, DT: 10, EndTime: 100, Steps: 1},
		StepMsg{Cycle: 2, Time: 20, DT: 10, EndTime: 100, Steps: 2},
		StepMsg{Cycle: 2, Time: 20, DT: 10, EndTime: 100, Steps: 2, Failures: 1, Failed: true},
		StepMsg{Cycle: 3, Time: 25, DT: 5, EndTime: 100, Steps: 3, Failures: 1},
	)
	assert.Equal(t, []float64{10, 10, 5}, m.dts, "rejected trials stay out of the dt history")
	assert.InDelta(t, 0.25, m.Fraction(), 1e-12)

	view := m.View()
	assert.Contains(t, view, "DECAY-STEP")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "25%")
	assert.Contains(t, view, "Failures")
	assert.False(t, m.Finished())
}

func TestModel_RetryingAndUnbounded(t *testing.T) {
	m := feed(t, NewModel("x", nil), StepMsg{Cycle: 0, Time: 0, DT: 1, EndTime: -1, Failed: true})
	assert.Equal(t, -1.0, m.Fraction())
	assert.Contains(t, m.View(), "RETRYING")
	assert.NotContains(t, m.View(), "Progress")
}

func TestModel_QuitCancelsRun(t *testing.T) {
	canceled := 0
	m := NewModel("x", func() { canceled++ })
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Equal(t, 1, canceled)
	assert.Nil(t, cmd, "the view waits for the run to return")

	sum := &coordinator.Summary{Steps: 4}
	next, cmd = next.Update(DoneMsg{Summary: sum, Err: errors.New("boom")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	done := next.(Model)
	assert.True(t, done.Finished())
	got, err := done.Result()
	assert.Same(t, sum, got)
	assert.EqualError(t, err, "boom")
	assert.True(t, strings.Contains(done.View(), "FAILED"))
}
