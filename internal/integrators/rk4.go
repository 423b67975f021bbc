package integrators

import "github.com/san-kum/cyclesim/internal/dynamo"

// RK4 is the classic fourth-order Runge-Kutta scheme. Stage buffers are
// reused between steps of the same dimension.
type RK4 struct {
	k1, k2, k3, k4 dynamo.Vector
	scratch        dynamo.Vector
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make(dynamo.Vector, n)
		r.k2 = make(dynamo.Vector, n)
		r.k3 = make(dynamo.Vector, n)
		r.k4 = make(dynamo.Vector, n)
		r.scratch = make(dynamo.Vector, n)
	}
}

func (r *RK4) Step(sys dynamo.System, x dynamo.Vector, t, dt float64) dynamo.Vector {
	n := len(x)
	r.ensureScratch(n)
	half := 0.5 * dt

	copy(r.k1, sys.Derive(x, t))
	axpy(r.scratch, x, half, r.k1)
	copy(r.k2, sys.Derive(r.scratch, t+half))
	axpy(r.scratch, x, half, r.k2)
	copy(r.k3, sys.Derive(r.scratch, t+half))
	axpy(r.scratch, x, dt, r.k3)
	copy(r.k4, sys.Derive(r.scratch, t+dt))

	out := make(dynamo.Vector, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		out[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	return out
}
