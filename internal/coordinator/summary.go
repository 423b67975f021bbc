package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Reason records why the main loop ended.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonEndTime   Reason = "end time"
	ReasonEndCycle  Reason = "end cycle"
	ReasonWallclock Reason = "wallclock"
	ReasonNoStep    Reason = "no step"
	ReasonCanceled  Reason = "canceled"
	ReasonPeer      Reason = "peer stopped"
	ReasonFatal     Reason = "fatal"
)

type Summary struct {
	Reason         Reason
	Steps          int
	Failures       int
	StartTime      float64
	FinalTime      float64
	StartCycle     int
	FinalCycle     int
	Wallclock      time.Duration
	Checkpoints    []string
	Visualizations int
	Memory         Memory
}

// Memory is the field storage held by the workers at the end of a run.
// HeapBytes is the heap of the whole process, which all workers share.
type Memory struct {
	MinBytes   int
	MaxBytes   int
	TotalBytes int
	HeapBytes  uint64
}

// Progress describes the loop after one trial step.
type Progress struct {
	Cycle    int
	Time     float64
	DT       float64
	EndTime  float64
	Steps    int
	Failures int
	Failed   bool
}

// FatalError is returned by Run after recovery output has been written.
// Recovery holds any error hit while writing that output.
type FatalError struct {
	Err      error
	Recovery error
}

func (e *FatalError) Error() string {
	if e.Recovery != nil {
		return fmt.Sprintf("fatal: %v (recovery: %v)", e.Err, e.Recovery)
	}
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == dynamo.ErrFatal }

// IsFatal reports whether err came out of the recovery path.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
