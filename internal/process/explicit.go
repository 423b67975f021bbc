package process

import (
	"errors"
	"fmt"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/integrators"
	"github.com/san-kum/cyclesim/internal/state"
)

// DefaultTolerance is the local error tolerance adaptive integrators use
// when none is configured.
const DefaultTolerance = 1e-6

// Explicit advances its field with an explicit integrator. Adaptive
// integrators reject steps whose estimated error is too large and propose the
// retry size.
type Explicit struct {
	leaf
	integ integrators.Integrator
	tol   float64
}

func NewExplicit(name string, sys dynamo.System, integ integrators.Integrator, tol float64, opts Options) *Explicit {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return &Explicit{leaf: newLeaf(name, sys, opts), integ: integ, tol: tol}
}

func (e *Explicit) AdvanceStep(s *state.State, tOld, tNew float64, _ bool) (dynamo.Outcome, error) {
	if err := e.machine.Begin(); err != nil {
		return dynamo.Failed, fmt.Errorf("%s: %w", e.name, err)
	}
	u, err := e.values(s, e.current)
	if err != nil {
		return dynamo.Failed, err
	}
	dt := tNew - tOld

	var next dynamo.Vector
	failed := false
	if a, ok := e.integ.(integrators.Adaptive); ok {
		var suggested float64
		next, suggested, err = a.StepAdaptive(e.sys, u.Clone(), tOld, dt, e.tol)
		switch {
		case errors.Is(err, dynamo.ErrTolerance), errors.Is(err, dynamo.ErrNumerical):
			e.log.Debug("step rejected", "t", tOld, "dt", dt, "err", err)
			failed = true
		case err != nil:
			return dynamo.Failed, fmt.Errorf("%s: %w", e.name, err)
		}
		suggested = e.comm.MinAll(suggested)
		e.dt = e.capDT(suggested)
	} else {
		next = e.integ.Step(e.sys, u.Clone(), tOld, dt)
		failed = !next.IsValid()
	}

	if e.comm.AnyAll(failed) {
		return dynamo.Failed, nil
	}
	if err := e.write(s, next); err != nil {
		return dynamo.Failed, err
	}
	return dynamo.Accepted, nil
}
