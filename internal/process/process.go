// Package process implements the step state machine every physics unit
// follows, along with leaf and composite implementations.
//
// A step is Advance, then either Commit or Fail:
//
//	Ready -> Advancing -> Committed -> Ready
//	                   -> Failed    -> Ready
//
// AdvanceStep writes only the next tag. CommitStep promotes next into
// current, FailStep copies current back over next so the step can be retried
// with a smaller size.
package process

import (
	"fmt"
	"log/slog"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/evaluator"
	"github.com/san-kum/cyclesim/internal/state"
)

type Process interface {
	Name() string
	SetTags(current, next dynamo.Tag)
	Setup(s *state.State, g *evaluator.Graph) error
	Initialize(s *state.State) error

	// DT is the preferred next step. Negative means no further stepping.
	DT() float64
	SetDT(dt float64)

	// AdvanceStep returns Failed for a recoverable rejection. A non-nil
	// error is fatal.
	AdvanceStep(s *state.State, tOld, tNew float64, reinit bool) (dynamo.Outcome, error)
	ValidStep(s *state.State) bool
	CommitStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error
	FailStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error
	CalculateDiagnostics(s *state.State, tag dynamo.Tag) error

	Phase() Phase
}

// Geometry is implemented by collaborators that perturb mesh-dependent
// auxiliary state during a step.
type Geometry interface {
	// Revert undoes perturbations made during a failed trial step.
	Revert(s *state.State) error
	// Rederive rebuilds auxiliary state after fields are loaded from a
	// checkpoint.
	Rederive(s *state.State) error
}

type Phase int

const (
	Ready Phase = iota
	Advancing
	Committed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Ready:
		return "ready"
	case Advancing:
		return "advancing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var transitions = map[Phase][]Phase{
	Ready:     {Advancing, Committed},
	Advancing: {Committed, Failed},
	Committed: {Ready},
	Failed:    {Ready},
}

// Machine enforces the legal phase transitions. Committed and Failed are
// passed through on the way back to Ready; Last reports which one was.
type Machine struct {
	phase Phase
	last  Phase
}

func (m *Machine) Phase() Phase { return m.phase }
func (m *Machine) Last() Phase  { return m.last }

func (m *Machine) to(p Phase) error {
	for _, ok := range transitions[m.phase] {
		if ok == p {
			m.phase = p
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", dynamo.ErrTransition, m.phase, p)
}

func (m *Machine) Begin() error {
	return m.to(Advancing)
}

func (m *Machine) Commit() error {
	if err := m.to(Committed); err != nil {
		return err
	}
	m.last = Committed
	return m.to(Ready)
}

func (m *Machine) Fail() error {
	if err := m.to(Failed); err != nil {
		return err
	}
	m.last = Failed
	return m.to(Ready)
}

// Base carries what every process needs: identity, tags, the preferred step
// and the phase machine.
type Base struct {
	name     string
	current  dynamo.Tag
	next     dynamo.Tag
	dt       float64
	machine  Machine
	geometry Geometry
	log      *slog.Logger
}

func NewBase(name string, dt float64) Base {
	return Base{
		name:    name,
		current: dynamo.TagCurrent,
		next:    dynamo.TagNext,
		dt:      dt,
		log:     slog.Default().With("process", name),
	}
}

func (b *Base) Name() string { return b.name }
func (b *Base) DT() float64  { return b.dt }
func (b *Base) Phase() Phase { return b.machine.Phase() }

func (b *Base) SetDT(dt float64) { b.dt = dt }

func (b *Base) SetTags(current, next dynamo.Tag) {
	b.current, b.next = current, next
}

func (b *Base) Tags() (current, next dynamo.Tag) { return b.current, b.next }

func (b *Base) SetGeometry(g Geometry) { b.geometry = g }

func (b *Base) SetLogger(l *slog.Logger) {
	if l != nil {
		b.log = l.With("process", b.name)
	}
}

func (b *Base) revert(s *state.State) error {
	if b.geometry == nil {
		return nil
	}
	if err := b.geometry.Revert(s); err != nil {
		return fmt.Errorf("%s: revert geometry: %w", b.name, err)
	}
	return nil
}
