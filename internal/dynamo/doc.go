// Package dynamo provides the shared vocabulary of the cycle driver.
//
// Every other package builds on these types:
//
//   - [Vector]: contiguous block of field data
//   - [Tag]: temporal slot or named evaluation context of a field
//   - [KeyTag]: (key, tag) address of a field record
//   - [Outcome]: result of one trial advance
//   - [System]: ODE right-hand side dX/dt = f(X, t) used by sample physics
//
// The error taxonomy lives here too so that state, evaluators, processes
// and the coordinator agree on failure kinds:
//
//	if errors.Is(err, dynamo.ErrNumerical) {
//	    // recoverable: reject the step and retry smaller
//	}
package dynamo
