package dynamo

import (
	"errors"
	"fmt"
)

// Failure kinds shared by every layer of the driver.
var (
	// ErrConfiguration indicates malformed setup detected before the loop starts.
	ErrConfiguration = errors.New("dynamo: configuration error")

	// ErrTolerance indicates a proposed step below the configured floor.
	ErrTolerance = errors.New("dynamo: timestep below minimum")

	// ErrNumerical indicates divergence or a NaN in a correction. Recoverable by
	// rejecting the step.
	ErrNumerical = errors.New("dynamo: numerical failure")

	// ErrNotFound indicates access to an undeclared field or evaluator.
	ErrNotFound = errors.New("dynamo: not found")

	// ErrConflict indicates a redeclaration with an incompatible shape or owner.
	ErrConflict = errors.New("dynamo: conflicting declaration")

	// ErrTransition indicates a step state machine call out of order.
	ErrTransition = errors.New("dynamo: invalid step transition")

	// ErrFatal marks an unrecoverable failure propagated out of the main loop.
	ErrFatal = errors.New("dynamo: fatal error")
)

// SimulationError wraps an error with simulation context.
type SimulationError struct {
	Cycle   int
	Time    float64
	Wrapped error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("cycle %d (t=%.6g): %v", e.Cycle, e.Time, e.Wrapped)
}

func (e *SimulationError) Unwrap() error {
	return e.Wrapped
}

// Configf builds an ErrConfiguration with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
