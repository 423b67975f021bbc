// Package integrators advances a dynamo.System over one step of an ODE.
package integrators

import (
	"fmt"
	"sort"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Integrator advances x from t to t+dt.
type Integrator interface {
	Step(sys dynamo.System, x dynamo.Vector, t, dt float64) dynamo.Vector
}

// Adaptive integrators also estimate their local error. A step whose error
// exceeds tol is returned with an error wrapping dynamo.ErrTolerance together
// with the suggested retry size.
type Adaptive interface {
	Integrator
	StepAdaptive(sys dynamo.System, x dynamo.Vector, t, dt, tol float64) (dynamo.Vector, float64, error)
}

var registry = map[string]func() Integrator{
	"euler":    func() Integrator { return NewEuler() },
	"rk4":      func() Integrator { return NewRK4() },
	"rk45":     func() Integrator { return NewRK45() },
	"verlet":   func() Integrator { return NewVerlet() },
	"leapfrog": func() Integrator { return NewLeapfrog() },
}

// New returns a fresh integrator by name.
func New(name string) (Integrator, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: integrator %q", dynamo.ErrNotFound, name)
	}
	return f(), nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// axpy stores x + a*y into dst.
func axpy(dst, x dynamo.Vector, a float64, y dynamo.Vector) {
	for i := range dst {
		dst[i] = x[i] + a*y[i]
	}
}
