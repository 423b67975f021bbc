package physics

import "github.com/san-kum/cyclesim/internal/dynamo"

const (
	DefaultMass      = 1.0
	DefaultStiffness = 10.0
	DefaultDamping   = 0.5
)

type SpringMass struct {
	NumMasses int
	Masses    []float64
	Stiffness []float64
	Damping   []float64
	Drive     float64
}

func NewSpringMass() *SpringMass {
	return &SpringMass{
		NumMasses: 1,
		Masses:    []float64{DefaultMass},
		Stiffness: []float64{DefaultStiffness},
		Damping:   []float64{DefaultDamping},
	}
}

func NewSpringMassChain(n int) *SpringMass {
	masses := make([]float64, n)
	stiffness := make([]float64, n+1)
	damping := make([]float64, n)

	for i := 0; i < n; i++ {
		masses[i] = DefaultMass
		stiffness[i] = DefaultStiffness
		damping[i] = 0.2
	}
	stiffness[n] = DefaultStiffness

	return &SpringMass{
		NumMasses: n,
		Masses:    masses,
		Stiffness: stiffness,
		Damping:   damping,
	}
}

func (s *SpringMass) StateDim() int { return s.NumMasses * 2 }

// Derive lays the state out as [positions..., velocities...]. Drive is an
// external force applied to the first mass.
func (s *SpringMass) Derive(x dynamo.Vector, t float64) dynamo.Vector {
	n := s.NumMasses
	dx := make(dynamo.Vector, n*2)

	for i := 0; i < n; i++ {
		dx[i] = x[n+i]
	}

	for i := 0; i < n; i++ {
		pos, vel := x[i], x[n+i]

		var forceLeft, forceRight float64
		if i == 0 {
			forceLeft = -s.Stiffness[0] * pos
		} else {
			forceLeft = -s.Stiffness[i] * (pos - x[i-1])
		}

		if i == n-1 {
			if len(s.Stiffness) > n {
				forceRight = -s.Stiffness[n] * pos
			}
		} else {
			forceRight = -s.Stiffness[i+1] * (pos - x[i+1])
		}

		totalForce := forceLeft + forceRight - s.Damping[i]*vel
		if i == 0 {
			totalForce += s.Drive
		}
		dx[n+i] = totalForce / s.Masses[i]
	}

	return dx
}

func (s *SpringMass) Energy(x dynamo.Vector) float64 {
	n := s.NumMasses
	energy := 0.0

	for i := 0; i < n; i++ {
		v := x[n+i]
		energy += 0.5 * s.Masses[i] * v * v
	}

	for i := 0; i < n; i++ {
		pos := x[i]
		if i == 0 {
			energy += 0.5 * s.Stiffness[0] * pos * pos
		} else {
			stretch := pos - x[i-1]
			energy += 0.5 * s.Stiffness[i] * stretch * stretch
		}
	}

	if len(s.Stiffness) > n {
		energy += 0.5 * s.Stiffness[n] * x[n-1] * x[n-1]
	}

	return energy
}

func (s *SpringMass) DefaultState() dynamo.Vector {
	x := make(dynamo.Vector, s.StateDim())
	x[0] = 0.1
	return x
}

func (s *SpringMass) GetParams() map[string]float64 {
	return map[string]float64{
		"masses":    float64(s.NumMasses),
		"mass":      s.Masses[0],
		"stiffness": s.Stiffness[0],
		"damping":   s.Damping[0],
		"drive":     s.Drive,
	}
}

// SetParam sets uniform values across the chain. Changing "masses" rebuilds
// the chain with defaults, so it is applied before the others by New.
func (s *SpringMass) SetParam(name string, value float64) error {
	switch name {
	case "masses":
		if value < 1 {
			return dynamo.Configf("spring_mass needs at least one mass, got %g", value)
		}
		*s = *NewSpringMassChain(int(value))
	case "mass":
		fill(s.Masses, value)
	case "stiffness":
		fill(s.Stiffness, value)
	case "damping":
		fill(s.Damping, value)
	case "drive":
		s.Drive = value
	default:
		return unknownParam(name)
	}
	return nil
}

func fill(xs []float64, v float64) {
	for i := range xs {
		xs[i] = v
	}
}
