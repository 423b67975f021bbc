package integrators

import "github.com/san-kum/cyclesim/internal/dynamo"

// Verlet is velocity Verlet for systems laid out as [positions..., velocities...].
type Verlet struct {
	scratch dynamo.Vector
}

func NewVerlet() *Verlet {
	return &Verlet{}
}

func (v *Verlet) Step(sys dynamo.System, x dynamo.Vector, t, dt float64) dynamo.Vector {
	n := len(x)
	half := n / 2
	if len(v.scratch) != n {
		v.scratch = make(dynamo.Vector, n)
	}

	out := make(dynamo.Vector, n)
	dx := sys.Derive(x, t)
	dt2 := dt * dt
	for i := 0; i < half; i++ {
		out[i] = x[i] + x[half+i]*dt + 0.5*dx[half+i]*dt2
		v.scratch[i] = out[i]
		v.scratch[half+i] = x[half+i]
	}

	dxNew := sys.Derive(v.scratch, t+dt)
	halfDt := 0.5 * dt
	for i := 0; i < half; i++ {
		out[half+i] = x[half+i] + (dx[half+i]+dxNew[half+i])*halfDt
	}
	return out
}

// Leapfrog is kick-drift-kick with the same layout as Verlet.
type Leapfrog struct {
	scratch dynamo.Vector
}

func NewLeapfrog() *Leapfrog {
	return &Leapfrog{}
}

func (l *Leapfrog) Step(sys dynamo.System, x dynamo.Vector, t, dt float64) dynamo.Vector {
	n := len(x)
	half := n / 2
	if len(l.scratch) != n {
		l.scratch = make(dynamo.Vector, n)
	}

	out := make(dynamo.Vector, n)
	dx := sys.Derive(x, t)
	halfDt := dt * 0.5
	for i := 0; i < half; i++ {
		l.scratch[half+i] = x[half+i] + dx[half+i]*halfDt
	}
	for i := 0; i < half; i++ {
		out[i] = x[i] + l.scratch[half+i]*dt
		l.scratch[i] = out[i]
	}

	dxNew := sys.Derive(l.scratch, t+dt)
	for i := 0; i < half; i++ {
		out[half+i] = l.scratch[half+i] + dxNew[half+i]*halfDt
	}
	return out
}
