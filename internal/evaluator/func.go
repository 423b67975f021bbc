package evaluator

import (
	"fmt"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

// Func is the immutable physics of an evaluator. One Func may back nodes at
// several tags.
type Func interface {
	Dependencies() []string
	Evaluate(in Inputs, out *state.Field) error
	Partial(in Inputs, wrt string, out *state.Field) error
}

// Shaper is implemented by Funcs that fix their own output shape.
type Shaper interface {
	Shape() state.Shape
}

// ShapeNegotiator is implemented by Funcs whose dependencies need a shape
// other than the output's. A nil result leaves the dependency unconstrained.
type ShapeNegotiator interface {
	DependencyShape(dep string, own state.Shape) state.Shape
}

// Inputs gives a Func read access to its dependencies at the node's tag.
type Inputs struct {
	s   *state.State
	tag dynamo.Tag
}

func (in Inputs) Tag() dynamo.Tag     { return in.tag }
func (in Inputs) Time() float64       { return in.s.Time(in.tag) }
func (in Inputs) State() *state.State { return in.s }

func (in Inputs) Get(key string) (*state.Field, error) {
	return in.s.Get(key, in.tag)
}

// Pointwise computes out[i] = F(dep0[i], dep1[i], ...) on every component.
type Pointwise struct {
	Deps []string
	F    func(args []float64) float64
	// DF returns dF/d(args[j]); nil makes the evaluator non-differentiable.
	DF func(args []float64, j int) float64
}

func (p *Pointwise) Dependencies() []string { return p.Deps }

func (p *Pointwise) Evaluate(in Inputs, out *state.Field) error {
	return p.apply(in, out, func(args []float64) float64 { return p.F(args) })
}

func (p *Pointwise) Partial(in Inputs, wrt string, out *state.Field) error {
	if p.DF == nil {
		return fmt.Errorf("%w: no derivative wrt %s", dynamo.ErrNotFound, wrt)
	}
	j := -1
	for i, d := range p.Deps {
		if d == wrt {
			j = i
		}
	}
	if j < 0 {
		return fmt.Errorf("%w: %s is not a dependency", dynamo.ErrNotFound, wrt)
	}
	return p.apply(in, out, func(args []float64) float64 { return p.DF(args, j) })
}

func (p *Pointwise) apply(in Inputs, out *state.Field, f func([]float64) float64) error {
	deps := make([]*state.Field, len(p.Deps))
	for i, d := range p.Deps {
		fld, err := in.Get(d)
		if err != nil {
			return err
		}
		deps[i] = fld
	}
	args := make([]float64, len(deps))
	for _, name := range out.Components() {
		o := out.Component(name)
		for i := range o {
			for j, d := range deps {
				args[j] = d.Component(name)[i]
			}
			o[i] = f(args)
		}
	}
	return nil
}

// Reduction collapses one dependency into a single value, e.g. an energy or a
// norm reported as a diagnostic.
type Reduction struct {
	Dep string
	Fn  func(v dynamo.Vector) float64
}

func (r *Reduction) Dependencies() []string { return []string{r.Dep} }
func (r *Reduction) Shape() state.Shape     { return state.Scalar }

func (r *Reduction) DependencyShape(string, state.Shape) state.Shape { return nil }

func (r *Reduction) Evaluate(in Inputs, out *state.Field) error {
	f, err := in.Get(r.Dep)
	if err != nil {
		return err
	}
	out.Values()[0] = r.Fn(f.Flatten())
	return nil
}

func (r *Reduction) Partial(_ Inputs, wrt string, _ *state.Field) error {
	return fmt.Errorf("%w: reduction of %s is not differentiable wrt %s", dynamo.ErrNotFound, r.Dep, wrt)
}
