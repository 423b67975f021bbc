package integrators

import "github.com/san-kum/cyclesim/internal/dynamo"

type Euler struct{}

func NewEuler() *Euler {
	return &Euler{}
}

func (e *Euler) Step(sys dynamo.System, x dynamo.Vector, t, dt float64) dynamo.Vector {
	out := make(dynamo.Vector, len(x))
	axpy(out, x, dt, sys.Derive(x, t))
	return out
}
