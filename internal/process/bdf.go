package process

import (
	"fmt"
	"math"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

// Enorm is the convergence metric of an implicit correction du of u:
//
//	max_i |du_i| / (atol + rtol*|u_i|)
//
// A NaN anywhere in du is an ErrNumerical.
func Enorm(u, du dynamo.Vector, atol, rtol float64) (float64, error) {
	norm := 0.0
	for i, d := range du {
		if math.IsNaN(d) {
			return math.NaN(), fmt.Errorf("%w: NaN in correction at entry %d", dynamo.ErrNumerical, i)
		}
		scale := atol
		if i < len(u) {
			scale += rtol * math.Abs(u[i])
		}
		norm = math.Max(norm, math.Abs(d)/scale)
	}
	return norm, nil
}

// Modification reports what ModifyCorrection did to a correction.
type Modification int

const (
	CorrectionNotModified Modification = iota
	CorrectionModified
)

// Hooks are extension points of the nonlinear iteration. NoHooks leaves
// everything untouched.
type Hooks interface {
	UpdateContinuationParameter(lambda float64)
	// ModifyPredictor may adjust the initial guess u for a step of size h and
	// reports whether it did.
	ModifyPredictor(h float64, u dynamo.Vector) bool
	ModifyCorrection(h float64, u, du dynamo.Vector) Modification
}

type NoHooks struct{}

func (NoHooks) UpdateContinuationParameter(float64)                                 {}
func (NoHooks) ModifyPredictor(float64, dynamo.Vector) bool                         { return false }
func (NoHooks) ModifyCorrection(float64, dynamo.Vector, dynamo.Vector) Modification { return CorrectionNotModified }

// Controller picks the next step from the iteration count of the last
// nonlinear solve.
type Controller struct {
	Reduction     float64
	Increase      float64
	MinIterations int
	MaxDT         float64
	MinDT         float64
}

func DefaultController() Controller {
	return Controller{
		Reduction:     0.5,
		Increase:      1.25,
		MinIterations: 4,
		MaxDT:         math.Inf(1),
	}
}

func (c Controller) Next(dt float64, iterations int, failed bool) float64 {
	switch {
	case failed:
		dt *= c.Reduction
	case iterations < c.MinIterations:
		dt *= c.Increase
	}
	if dt > c.MaxDT {
		dt = c.MaxDT
	}
	if c.MinDT > 0 && dt < c.MinDT {
		dt = c.MinDT
	}
	return dt
}

// BDFOptions configures the implicit leaf. Zero values pick defaults.
type BDFOptions struct {
	ATol              float64
	RTol              float64
	AdaptiveTolerance bool
	MaxIterations     int
	Controller        *Controller
	Hooks             Hooks
}

// BDF advances its field with backward Euler, solving the implicit stage by
// Picard iteration:
//
//	u_{k+1} = u_old + h f(u_k, t_new)
//
// The iteration converges when Enorm of the correction drops below one. The
// metric is max-reduced across workers before any decision is taken.
type BDF struct {
	leaf
	atol, rtol float64
	adaptive   bool
	maxIter    int
	control    Controller
	hooks      Hooks

	iterations int
}

func NewBDF(name string, sys dynamo.System, bo BDFOptions, opts Options) *BDF {
	b := &BDF{
		leaf:     newLeaf(name, sys, opts),
		atol:     bo.ATol,
		rtol:     bo.RTol,
		adaptive: bo.AdaptiveTolerance,
		maxIter:  bo.MaxIterations,
		control:  DefaultController(),
		hooks:    bo.Hooks,
	}
	if b.atol <= 0 {
		b.atol = 1e-8
	}
	if b.rtol <= 0 {
		b.rtol = 1e-6
	}
	if b.maxIter <= 0 {
		b.maxIter = 20
	}
	if bo.Controller != nil {
		b.control = *bo.Controller
	}
	if b.control.MaxDT > b.maxDT {
		b.control.MaxDT = b.maxDT
	}
	if b.hooks == nil {
		b.hooks = NoHooks{}
	}
	return b
}

// Iterations is the nonlinear iteration count of the last step.
func (b *BDF) Iterations() int { return b.iterations }

// Enorm applies the configured tolerances, scaled by 1/h in adaptive mode,
// and reduces across workers. Every worker must call it together.
func (b *BDF) Enorm(h float64, u, du dynamo.Vector) (float64, error) {
	atol, rtol := b.atol, b.rtol
	if b.adaptive && h > 0 {
		atol, rtol = atol/h, rtol/h
	}
	local, _ := Enorm(u, du, atol, rtol)
	global := b.comm.MaxAll(local)
	if math.IsNaN(global) {
		return global, fmt.Errorf("%w: %s: NaN in correction", dynamo.ErrNumerical, b.name)
	}
	return global, nil
}

func (b *BDF) predictor(uOld dynamo.Vector, tOld, h float64) dynamo.Vector {
	if n := len(b.history); n == historyLen && b.history[n-1].Time == tOld {
		p0, p1 := b.history[n-2], b.history[n-1]
		if span := p1.Time - p0.Time; span > 0 {
			r := h / span
			return p1.U.Add(p1.U.Sub(p0.U).Scale(r))
		}
	}
	return uOld.Add(b.sys.Derive(uOld, tOld).Scale(h))
}

func (b *BDF) AdvanceStep(s *state.State, tOld, tNew float64, reinit bool) (dynamo.Outcome, error) {
	if err := b.machine.Begin(); err != nil {
		return dynamo.Failed, fmt.Errorf("%s: %w", b.name, err)
	}
	if reinit {
		b.history = b.history[:0]
	}
	uOld, err := b.values(s, b.current)
	if err != nil {
		return dynamo.Failed, err
	}
	uOld = uOld.Clone()
	h := tNew - tOld

	b.hooks.UpdateContinuationParameter(1)
	u := b.predictor(uOld, tOld, h)
	b.hooks.ModifyPredictor(h, u)

	converged := false
	b.iterations = 0
	for b.iterations < b.maxIter {
		b.iterations++
		next := uOld.Add(b.sys.Derive(u, tNew).Scale(h))
		du := next.Sub(u)
		b.hooks.ModifyCorrection(h, u, du)
		u = u.Add(du)

		norm, err := b.Enorm(h, u, du)
		if err != nil {
			b.log.Warn("nonlinear iteration produced NaN", "t", tNew, "iteration", b.iterations)
			break
		}
		b.log.Debug("picard iteration", "iteration", b.iterations, "enorm", norm)
		if norm < 1 {
			converged = true
			break
		}
	}

	b.dt = b.control.Next(h, b.iterations, !converged)
	if !converged {
		return dynamo.Failed, nil
	}
	if err := b.write(s, u); err != nil {
		return dynamo.Failed, err
	}
	return dynamo.Accepted, nil
}
