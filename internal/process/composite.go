package process

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/evaluator"
	"github.com/san-kum/cyclesim/internal/state"
)

// Composite owns an ordered list of children and advances them one after the
// other within the same step.
type Composite struct {
	Base
	children []Process
}

func NewComposite(name string, children ...Process) *Composite {
	return &Composite{Base: NewBase(name, -1), children: children}
}

func (c *Composite) Len() int            { return len(c.children) }
func (c *Composite) Child(i int) Process { return c.children[i] }
func (c *Composite) Children() []Process { return c.children }
func (c *Composite) Add(p Process)       { c.children = append(c.children, p) }

func (c *Composite) SetTags(current, next dynamo.Tag) {
	c.Base.SetTags(current, next)
	for _, ch := range c.children {
		ch.SetTags(current, next)
	}
}

func (c *Composite) Setup(s *state.State, g *evaluator.Graph) error {
	if len(c.children) == 0 {
		return dynamo.Configf("composite %s has no children", c.name)
	}
	for _, ch := range c.children {
		if err := ch.Setup(s, g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) Initialize(s *state.State) error {
	for _, ch := range c.children {
		if err := ch.Initialize(s); err != nil {
			return err
		}
	}
	return nil
}

// DT is the smallest non-negative child step. It is negative only when every
// child is done.
func (c *Composite) DT() float64 {
	dt := math.Inf(1)
	for _, ch := range c.children {
		if d := ch.DT(); d >= 0 && d < dt {
			dt = d
		}
	}
	if math.IsInf(dt, 1) {
		return -1
	}
	return dt
}

func (c *Composite) SetDT(dt float64) {
	for _, ch := range c.children {
		ch.SetDT(dt)
	}
}

// AdvanceStep stops at the first failing child. Children after it are left
// untouched.
func (c *Composite) AdvanceStep(s *state.State, tOld, tNew float64, reinit bool) (dynamo.Outcome, error) {
	if err := c.machine.Begin(); err != nil {
		return dynamo.Failed, fmt.Errorf("%s: %w", c.name, err)
	}
	for _, ch := range c.children {
		out, err := ch.AdvanceStep(s, tOld, tNew, reinit)
		if err != nil {
			return dynamo.Failed, err
		}
		if out == dynamo.Failed {
			c.log.Debug("child failed", "child", ch.Name(), "t", tNew)
			return dynamo.Failed, nil
		}
	}
	return dynamo.Accepted, nil
}

func (c *Composite) ValidStep(s *state.State) bool {
	for _, ch := range c.children {
		if !ch.ValidStep(s) {
			return false
		}
	}
	return true
}

func (c *Composite) CommitStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error {
	if err := c.machine.Commit(); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	var errs []error
	for _, ch := range c.children {
		errs = append(errs, ch.CommitStep(s, tOld, tNew, tag))
	}
	return errors.Join(errs...)
}

// FailStep resets every child that began advancing in this step.
func (c *Composite) FailStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error {
	if err := c.machine.Fail(); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	var errs []error
	for _, ch := range c.children {
		if ch.Phase() == Advancing {
			errs = append(errs, ch.FailStep(s, tOld, tNew, tag))
		}
	}
	errs = append(errs, c.revert(s))
	return errors.Join(errs...)
}

func (c *Composite) CalculateDiagnostics(s *state.State, tag dynamo.Tag) error {
	for _, ch := range c.children {
		if err := ch.CalculateDiagnostics(s, tag); err != nil {
			return err
		}
	}
	return nil
}
