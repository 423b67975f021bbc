package physics

import "github.com/san-kum/cyclesim/internal/dynamo"

// VanDerPol implements the Van der Pol oscillator.
// State: [x, y] where y = dx/dt
// Equations:
//
//	dx/dt = y
//	dy/dt = μ(1 - x²)y - x
type VanDerPol struct {
	mu float64 // nonlinearity, stiff for large values
}

func NewVanDerPol() *VanDerPol {
	return &VanDerPol{mu: 1.0}
}

func (v *VanDerPol) StateDim() int { return 2 }

func (v *VanDerPol) Derive(state dynamo.Vector, _ float64) dynamo.Vector {
	x, y := state[0], state[1]
	return dynamo.Vector{y, v.mu*(1-x*x)*y - x}
}

func (v *VanDerPol) DefaultState() dynamo.Vector {
	return dynamo.Vector{2.0, 0.0}
}

func (v *VanDerPol) GetParams() map[string]float64 {
	return map[string]float64{"mu": v.mu}
}

func (v *VanDerPol) SetParam(name string, value float64) error {
	if name != "mu" {
		return unknownParam(name)
	}
	v.mu = value
	return nil
}
