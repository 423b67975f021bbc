// Package physics provides the sample right-hand sides that leaf processes
// integrate.
//
// Each model implements [dynamo.System]:
//
//   - [Decay]: first-order relaxation toward an equilibrium, the stiff test problem
//   - [SpringMass]: damped chain of masses and springs
//   - [Pendulum]: damped nonlinear pendulum
//   - [VanDerPol]: relaxation oscillator with a limit cycle
//
// All models implement [dynamo.Configurable] so parameters can come from
// configuration. Conservative models also implement [dynamo.Hamiltonian]:
//
//	sys, _ := physics.New("pendulum", nil)
//	if h, ok := sys.(dynamo.Hamiltonian); ok {
//	    energy := h.Energy(x)
//	}
package physics
