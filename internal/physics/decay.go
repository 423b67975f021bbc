package physics

import (
	"math"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Decay relaxes every component toward Equilibrium at Rate:
//
//	du/dt = -rate * (u - equilibrium)
//
// Large rates make the problem stiff.
type Decay struct {
	Rate        float64
	Equilibrium float64
	Cells       int
	Initial     float64
}

func NewDecay() *Decay {
	return &Decay{Rate: 1, Equilibrium: 0, Cells: 1, Initial: 1}
}

func (d *Decay) StateDim() int { return d.Cells }

func (d *Decay) Separable() bool { return true }

func (d *Decay) Derive(x dynamo.Vector, _ float64) dynamo.Vector {
	dx := make(dynamo.Vector, len(x))
	for i := range x {
		dx[i] = -d.Rate * (x[i] - d.Equilibrium)
	}
	return dx
}

// Exact returns the analytic solution at t from x0 at t0.
func (d *Decay) Exact(x0 dynamo.Vector, t0, t float64) dynamo.Vector {
	f := math.Exp(-d.Rate * (t - t0))
	out := make(dynamo.Vector, len(x0))
	for i := range x0 {
		out[i] = d.Equilibrium + (x0[i]-d.Equilibrium)*f
	}
	return out
}

func (d *Decay) DefaultState() dynamo.Vector {
	x := make(dynamo.Vector, d.Cells)
	for i := range x {
		x[i] = d.Initial
	}
	return x
}

func (d *Decay) GetParams() map[string]float64 {
	return map[string]float64{
		"rate":        d.Rate,
		"equilibrium": d.Equilibrium,
		"cells":       float64(d.Cells),
		"initial":     d.Initial,
	}
}

func (d *Decay) SetParam(name string, value float64) error {
	switch name {
	case "rate":
		d.Rate = value
	case "equilibrium":
		d.Equilibrium = value
	case "cells":
		if value < 1 {
			return dynamo.Configf("decay cells must be at least 1, got %g", value)
		}
		d.Cells = int(value)
	case "initial":
		d.Initial = value
	default:
		return unknownParam(name)
	}
	return nil
}
